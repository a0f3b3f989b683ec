// Package digest orchestrates one run: load the registry, fetch the window's
// sources, interview unknown domains, match notes to meetings, collapse email
// threads, build per-account timelines, derive signals, and persist the run's
// states. The output Report is the contract every renderer consumes.
package digest

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/khoward/dealdigest/internal/config"
	"github.com/khoward/dealdigest/internal/match"
	"github.com/khoward/dealdigest/internal/registry"
	"github.com/khoward/dealdigest/internal/signal"
	"github.com/khoward/dealdigest/internal/source"
	"github.com/khoward/dealdigest/internal/threads"
	"github.com/khoward/dealdigest/internal/timeline"
)

// Report is one run's full output: account records ordered by category then
// name, plus the captures the matcher could not bind, surfaced for review.
type Report struct {
	GeneratedAt       time.Time                `json:"generated_at"`
	WindowFrom        time.Time                `json:"window_from"`
	WindowTo          time.Time                `json:"window_to"`
	Records           []timeline.AccountRecord `json:"records"`
	UnmatchedCaptures []string                 `json:"unmatched_captures,omitempty"`
}

// Engine wires the run pipeline. Sources may individually be nil or fail;
// the run proceeds on whatever subset was supplied.
type Engine struct {
	cfg      *config.Config
	reg      *registry.Registry
	calendar source.CalendarSource
	notes    source.NotesSource
	email    source.EmailSource
	resolver registry.Resolver
	log      zerolog.Logger
	now      func() time.Time

	// DryRun skips end-of-run persistence: classification decisions and run
	// states are not written back.
	DryRun bool
}

// NewEngine creates an Engine. resolver may be nil, in which case unknown
// domains stay unclassified for the run.
func NewEngine(
	cfg *config.Config,
	reg *registry.Registry,
	calendar source.CalendarSource,
	notes source.NotesSource,
	email source.EmailSource,
	resolver registry.Resolver,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		cfg:      cfg,
		reg:      reg,
		calendar: calendar,
		notes:    notes,
		email:    email,
		resolver: resolver,
		log:      log,
		now:      time.Now,
	}
}

// Run executes one digest over the configured lookback window.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	now := e.now().UTC()
	window := source.LastNDays(now, e.cfg.LookbackDays)

	events := e.fetchCalendar(window)
	captures := e.fetchNotes(window)
	emailThreads := e.fetchEmail(window)

	if err := e.interview(ctx, events); err != nil {
		return nil, err
	}

	resolver := &registryResolver{reg: e.reg, internalDomain: e.cfg.InternalDomain}
	matcher := match.New(match.Options{
		MinTitleOverlap:   e.cfg.Matching.MinTitleOverlap,
		DateToleranceDays: e.cfg.Matching.DateToleranceDays,
	}, resolver, e.log)
	matched := matcher.Match(events, captures)

	bindings := make(map[string]string, len(matched.Bindings))
	for _, b := range matched.Bindings {
		bindings[b.EventID] = b.CaptureID
	}

	emailEntries := threads.NewAggregator(e.cfg.InternalDomain, e.log).
		Aggregate(emailThreads, e.reg.Classify)

	records := timeline.NewBuilder(e.cfg.InternalDomain, e.log).
		Build(e.reg.Reportable(), events, captures, bindings, emailEntries, e.reg.Classify)

	priorStates, err := e.reg.PriorRunStates()
	if err != nil {
		e.log.Warn().Err(err).Msg("prior run states unavailable; silence detection disabled for this run")
		priorStates = nil
	}

	opts := signal.Options{
		StalledAfterDays:   e.cfg.Signals.StalledAfterDays,
		DeadlineWindowDays: e.cfg.Signals.DeadlineWindowDays,
	}
	runStates := make(map[string]string, len(records))
	for i := range records {
		// One account's derivation failing must not abort the others.
		e.deriveRecord(&records[i], now, opts, priorStates)
		runStates[records[i].Account.ID] = string(records[i].Signals.State)
	}

	if !e.DryRun {
		if err := e.reg.SaveRunStates(runStates); err != nil {
			e.log.Warn().Err(err).Msg("failed to save run states; next run's silence detection will miss this run")
		}
		if err := e.reg.Flush(); err != nil {
			return nil, err
		}
	}

	return &Report{
		GeneratedAt:       now,
		WindowFrom:        window.From,
		WindowTo:          window.To,
		Records:           records,
		UnmatchedCaptures: matched.UnmatchedCaptures,
	}, nil
}

func (e *Engine) deriveRecord(rec *timeline.AccountRecord, now time.Time, opts signal.Options, priorStates map[string]string) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Warn().Str("account", rec.Name).Interface("panic", r).
				Msg("signal derivation failed; account degraded to stalled")
			rec.Signals = timeline.Signals{State: timeline.StateStalled}
		}
	}()
	rec.Signals = signal.Derive(*rec, now, opts, priorStates)
}

func (e *Engine) fetchCalendar(w source.Window) []source.CalendarEvent {
	if e.calendar == nil {
		return nil
	}
	events, err := e.calendar.FetchCalendarEvents(w)
	if err != nil {
		e.log.Warn().Err(err).Msg("calendar fetch failed; continuing without meetings")
		return nil
	}
	return events
}

func (e *Engine) fetchNotes(w source.Window) []source.NotesCapture {
	if e.notes == nil {
		return nil
	}
	captures, err := e.notes.FetchNotesCaptures(w)
	if err != nil {
		e.log.Warn().Err(err).Msg("notes fetch failed; continuing without captures")
		return nil
	}
	return captures
}

func (e *Engine) fetchEmail(w source.Window) []source.EmailThread {
	if e.email == nil {
		return nil
	}
	ts, err := e.email.FetchEmailThreads(w)
	if err != nil {
		e.log.Warn().Err(err).Msg("email fetch failed; continuing without threads")
		return nil
	}
	return ts
}

// interview walks the window's unknown external domains in sorted order and
// asks the resolver to classify each. A skipped domain stays unregistered,
// which drops it silently for this run only.
func (e *Engine) interview(ctx context.Context, events []source.CalendarEvent) error {
	if e.resolver == nil {
		return nil
	}

	titlesByDomain := make(map[string][]string)
	for _, ev := range events {
		for _, d := range ev.ExternalDomains(e.cfg.InternalDomain) {
			if _, err := e.reg.Classify(d); err == nil {
				continue
			}
			titlesByDomain[d] = append(titlesByDomain[d], ev.Title)
		}
	}
	if len(titlesByDomain) == 0 {
		return nil
	}

	domains := make([]string, 0, len(titlesByDomain))
	for d := range titlesByDomain {
		domains = append(domains, d)
	}
	sort.Strings(domains)

	for _, d := range domains {
		if err := ctx.Err(); err != nil {
			return err
		}
		name, category, ok, err := e.resolver.ResolveUnknown(d, titlesByDomain[d])
		if err != nil {
			return err
		}
		if !ok {
			e.log.Debug().Str("domain", d).Msg("domain skipped in interview")
			continue
		}
		if _, err := e.reg.Register(d, name, category); err != nil {
			return err
		}
		e.log.Info().Str("domain", d).Str("name", name).Str("category", string(category)).
			Msg("registered new account")
	}
	return nil
}

// registryResolver adapts the registry to the matcher's account-agreement
// check.
type registryResolver struct {
	reg            *registry.Registry
	internalDomain string
}

// EventAccount resolves the event to a single reportable account; events
// spanning several accounts offer no agreement signal.
func (r *registryResolver) EventAccount(ev source.CalendarEvent) (string, bool) {
	found := ""
	for _, d := range ev.ExternalDomains(r.internalDomain) {
		a, err := r.reg.Classify(d)
		if err != nil || !a.Category.Reportable() {
			continue
		}
		if found != "" && found != a.ID {
			return "", false
		}
		found = a.ID
	}
	return found, found != ""
}

// TitleAccounts returns reportable accounts whose name appears in the title.
func (r *registryResolver) TitleAccounts(title string) []string {
	lower := strings.ToLower(title)
	var out []string
	for _, a := range r.reg.Reportable() {
		if strings.Contains(lower, strings.ToLower(a.Name)) {
			out = append(out, a.ID)
		}
	}
	return out
}
