// Package match resolves the single authoritative link between a calendar
// meeting and its notes capture. A provider-recorded event id wins outright;
// otherwise a deterministic fallback matches on calendar date, title-token
// overlap, and account agreement. The matcher is a pure function of its
// inputs: every tie-break is total-ordered, so identical input sets always
// produce identical bindings.
package match

import (
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/khoward/dealdigest/internal/source"
)

// Method records how a binding was established.
type Method string

const (
	MethodPrimary  Method = "primary"
	MethodFallback Method = "fallback"
)

// Binding links one calendar event to at most one notes capture.
type Binding struct {
	EventID   string
	CaptureID string
	Method    Method
	// Overlap is the title-token overlap ratio for fallback bindings;
	// 1 for primary bindings.
	Overlap float64
}

// Result is the matcher's full output. UnmatchedCaptures lists captures that
// bound to no meeting; they are reported for review but never become timeline
// entries on their own, since notes without a meeting context have no account
// confidence to attach to safely.
type Result struct {
	Bindings          []Binding
	UnmatchedCaptures []string
}

// AccountResolver supplies the account context used by the fallback account-
// agreement check.
type AccountResolver interface {
	// EventAccount resolves the event's attendee domains to a reportable
	// account, when one is classified.
	EventAccount(ev source.CalendarEvent) (accountID string, ok bool)
	// TitleAccounts returns accounts whose name is referenced by the
	// given capture title. Empty means the title names no known account.
	TitleAccounts(title string) []string
}

// Options tunes the fallback matcher. Thresholds are empirical and come from
// configuration.
type Options struct {
	MinTitleOverlap   float64
	DateToleranceDays int
}

// Matcher binds calendar events to notes captures.
type Matcher struct {
	opts     Options
	accounts AccountResolver
	log      zerolog.Logger
}

// New creates a Matcher. accounts may be nil, which disables the account-
// agreement constraint.
func New(opts Options, accounts AccountResolver, log zerolog.Logger) *Matcher {
	return &Matcher{opts: opts, accounts: accounts, log: log}
}

type candidate struct {
	captureID string
	overlap   float64
	dateDist  int
}

// Match produces the event-to-capture mapping for one run's window.
func (m *Matcher) Match(events []source.CalendarEvent, captures []source.NotesCapture) Result {
	eventByID := make(map[string]source.CalendarEvent, len(events))
	for _, ev := range events {
		eventByID[ev.ID] = ev
	}

	boundEvents := make(map[string]struct{})
	boundCaptures := make(map[string]struct{})
	var bindings []Binding

	// Primary pass: a capture carrying the event id is authoritative and
	// removes both sides from fallback consideration. Captures are walked
	// in id order so duplicate links resolve the same way every run.
	sortedCaptures := make([]source.NotesCapture, len(captures))
	copy(sortedCaptures, captures)
	sort.Slice(sortedCaptures, func(i, j int) bool { return sortedCaptures[i].ID < sortedCaptures[j].ID })

	for _, c := range sortedCaptures {
		if c.EventID == "" {
			continue
		}
		if _, ok := eventByID[c.EventID]; !ok {
			continue
		}
		if _, taken := boundEvents[c.EventID]; taken {
			continue
		}
		boundEvents[c.EventID] = struct{}{}
		boundCaptures[c.ID] = struct{}{}
		bindings = append(bindings, Binding{
			EventID:   c.EventID,
			CaptureID: c.ID,
			Method:    MethodPrimary,
			Overlap:   1,
		})
	}

	// Fallback pass, in event-id order.
	sortedEvents := make([]source.CalendarEvent, len(events))
	copy(sortedEvents, events)
	sort.Slice(sortedEvents, func(i, j int) bool { return sortedEvents[i].ID < sortedEvents[j].ID })

	for _, ev := range sortedEvents {
		if _, taken := boundEvents[ev.ID]; taken {
			continue
		}
		best, lowConfidence, ok := m.fallback(ev, sortedCaptures, boundCaptures)
		if !ok {
			continue
		}
		boundEvents[ev.ID] = struct{}{}
		boundCaptures[best.captureID] = struct{}{}
		bindings = append(bindings, Binding{
			EventID:   ev.ID,
			CaptureID: best.captureID,
			Method:    MethodFallback,
			Overlap:   best.overlap,
		})
		if lowConfidence {
			m.log.Warn().
				Str("event", ev.ID).
				Str("capture", best.captureID).
				Float64("overlap", best.overlap).
				Msg("fallback match resolved by capture-id tie-break; low confidence")
		}
	}

	var unmatched []string
	for _, c := range sortedCaptures {
		if _, taken := boundCaptures[c.ID]; !taken {
			unmatched = append(unmatched, c.ID)
		}
	}

	return Result{Bindings: bindings, UnmatchedCaptures: unmatched}
}

// fallback selects the best unbound capture for an unbound event, or reports
// none. lowConfidence is set when multiple candidates tied on both overlap
// and date distance and only the capture-id ordering decided.
func (m *Matcher) fallback(ev source.CalendarEvent, captures []source.NotesCapture, boundCaptures map[string]struct{}) (candidate, bool, bool) {
	evTokens := titleTokens(ev.Title)

	eventAccount := ""
	if m.accounts != nil {
		if id, ok := m.accounts.EventAccount(ev); ok {
			eventAccount = id
		}
	}

	var candidates []candidate
	for _, c := range captures {
		if _, taken := boundCaptures[c.ID]; taken {
			continue
		}
		dist := dayDistance(ev.Start, c.Date)
		if dist > m.opts.DateToleranceDays {
			continue
		}
		overlap := tokenOverlap(evTokens, titleTokens(c.Title))
		if overlap < m.opts.MinTitleOverlap {
			continue
		}
		if !m.accountsAgree(eventAccount, c.Title) {
			continue
		}
		candidates = append(candidates, candidate{captureID: c.ID, overlap: overlap, dateDist: dist})
	}

	if len(candidates) == 0 {
		return candidate{}, false, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].overlap != candidates[j].overlap {
			return candidates[i].overlap > candidates[j].overlap
		}
		if candidates[i].dateDist != candidates[j].dateDist {
			return candidates[i].dateDist < candidates[j].dateDist
		}
		return candidates[i].captureID < candidates[j].captureID
	})

	best := candidates[0]
	lowConfidence := len(candidates) > 1 &&
		candidates[1].overlap == best.overlap &&
		candidates[1].dateDist == best.dateDist
	return best, lowConfidence, true
}

// accountsAgree enforces the account-agreement constraint when both sides
// offer one: if the event resolves to an account and the capture title names
// any known account, the two must match. A capture naming no account is
// unconstrained.
func (m *Matcher) accountsAgree(eventAccount, captureTitle string) bool {
	if m.accounts == nil || eventAccount == "" {
		return true
	}
	titleAccounts := m.accounts.TitleAccounts(captureTitle)
	if len(titleAccounts) == 0 {
		return true
	}
	for _, id := range titleAccounts {
		if id == eventAccount {
			return true
		}
	}
	return false
}

// titleTokens normalizes a title to a lowercase token set.
func titleTokens(title string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(strings.ToLower(title), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		out[tok] = struct{}{}
	}
	return out
}

// tokenOverlap returns |A∩B| / min(|A|,|B|).
func tokenOverlap(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	shared := 0
	for tok := range small {
		if _, ok := large[tok]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(small))
}

// dayDistance is the absolute distance in calendar days between an event
// start and a capture date.
func dayDistance(a, b time.Time) int {
	ad := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bd := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	d := int(ad.Sub(bd).Hours() / 24)
	if d < 0 {
		d = -d
	}
	return d
}
