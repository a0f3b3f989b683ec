package timeline

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/khoward/dealdigest/internal/registry"
	"github.com/khoward/dealdigest/internal/source"
)

// Provenance id constructors. Ids are account-scoped so that a thread or
// meeting duplicated into two accounts' records still yields globally unique
// provenance.
func ProvMeeting(eventID, accountID string) string {
	return fmt.Sprintf("meeting:%s@%s", eventID, accountID)
}

func ProvNotes(captureID, accountID string) string {
	return fmt.Sprintf("notes:%s@%s", captureID, accountID)
}

func ProvThread(threadID, accountID string) string {
	return fmt.Sprintf("thread:%s@%s", threadID, accountID)
}

// Builder merges matched meetings and collapsed email threads into one
// AccountRecord per reportable account.
type Builder struct {
	internalDomain string
	log            zerolog.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(internalDomain string, log zerolog.Logger) *Builder {
	return &Builder{internalDomain: internalDomain, log: log}
}

// Build produces the run's account records. matches maps calendar event id to
// its bound notes capture id (from the source matcher); emailEntries come
// from the thread aggregator already account-bucketed. classify resolves a
// domain through the registry.
func (b *Builder) Build(
	accounts []registry.Account,
	events []source.CalendarEvent,
	captures []source.NotesCapture,
	matches map[string]string,
	emailEntries []TimelineEntry,
	classify func(domain string) (registry.Account, error),
) []AccountRecord {
	captureByID := make(map[string]source.NotesCapture, len(captures))
	for _, c := range captures {
		captureByID[c.ID] = c
	}

	// Meeting entries. Events are processed in id order so the output is
	// independent of fetch order.
	sorted := make([]source.CalendarEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	perAccount := make(map[string][]TimelineEntry)
	for _, ev := range sorted {
		if ev.IsInternalOnly(b.internalDomain) {
			continue
		}
		for _, accountID := range b.eventAccounts(ev, classify) {
			entry := b.meetingEntry(ev, accountID, matches, captureByID)
			perAccount[accountID] = append(perAccount[accountID], entry)
		}
	}

	for _, e := range emailEntries {
		perAccount[e.AccountID] = append(perAccount[e.AccountID], e)
	}

	records := make([]AccountRecord, 0, len(accounts))
	for _, a := range accounts {
		entries := dedupe(perAccount[a.ID])
		sortEntries(entries)
		records = append(records, AccountRecord{
			Account:  a,
			Name:     a.Name,
			Category: a.Category,
			Entries:  entries,
		})
	}
	return records
}

// eventAccounts resolves the reportable accounts an event's external
// attendees belong to, deduplicated, in domain order. Unknown and ignored
// domains drop silently; ambiguous mappings are logged and skipped rather
// than guessed.
func (b *Builder) eventAccounts(ev source.CalendarEvent, classify func(string) (registry.Account, error)) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, d := range ev.ExternalDomains(b.internalDomain) {
		a, err := classify(d)
		if err != nil {
			if errors.Is(err, registry.ErrAmbiguousDomain) {
				b.log.Warn().Str("domain", d).Str("event", ev.ID).
					Msg("ambiguous domain mapping, skipping; reclassify to resolve")
			}
			continue
		}
		if !a.Category.Reportable() {
			continue
		}
		if _, ok := seen[a.ID]; ok {
			continue
		}
		seen[a.ID] = struct{}{}
		out = append(out, a.ID)
	}
	return out
}

func (b *Builder) meetingEntry(
	ev source.CalendarEvent,
	accountID string,
	matches map[string]string,
	captureByID map[string]source.NotesCapture,
) TimelineEntry {
	entry := TimelineEntry{
		Kind:       KindMeeting,
		Timestamp:  ev.Start,
		AccountID:  accountID,
		Title:      ev.Title,
		Payload:    ev.Title,
		Richness:   RichnessTitleOnly,
		Cancelled:  ev.Status == source.StatusCancelled,
		Provenance: []string{ProvMeeting(ev.ID, accountID)},
	}

	captureID, bound := matches[ev.ID]
	if !bound {
		return entry
	}
	capture, ok := captureByID[captureID]
	if !ok {
		return entry
	}
	entry.Provenance = append(entry.Provenance, ProvNotes(captureID, accountID))
	if block, ok := capture.BestBlock(); ok {
		entry.Payload = block.Text
		entry.Richness = blockRichness(block.Kind)
	}
	return entry
}

func blockRichness(kind source.BlockKind) int {
	switch kind {
	case source.BlockStructuredSummary:
		return RichnessStructuredSummary
	case source.BlockUserNotes:
		return RichnessUserNotes
	case source.BlockTranscript:
		return RichnessTranscript
	}
	return RichnessTitleOnly
}

// dedupe collapses entries sharing any provenance id, keeping the richer
// payload. This is what prevents an event counted under both primary and
// fallback matching (or a duplicated export row) from appearing twice.
func dedupe(entries []TimelineEntry) []TimelineEntry {
	claimed := make(map[string]int) // provenance id -> index into kept
	var kept []TimelineEntry

	for _, e := range entries {
		dupOf := -1
		for _, id := range e.Provenance {
			if idx, ok := claimed[id]; ok {
				dupOf = idx
				break
			}
		}
		if dupOf < 0 {
			kept = append(kept, e)
			for _, id := range e.Provenance {
				claimed[id] = len(kept) - 1
			}
			continue
		}
		if e.Richness > kept[dupOf].Richness {
			kept[dupOf] = e
		}
		for _, id := range e.Provenance {
			claimed[id] = dupOf
		}
	}
	return kept
}

// sortEntries orders ascending by timestamp; on ties meetings sort before
// emails, and insertion order breaks the rest.
func sortEntries(entries []TimelineEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.Before(entries[j].Timestamp)
		}
		return kindRank(entries[i].Kind) < kindRank(entries[j].Kind)
	})
}

func kindRank(k Kind) int {
	if k == KindMeeting {
		return 0
	}
	return 1
}
