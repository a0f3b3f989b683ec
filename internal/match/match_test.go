package match

import (
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/khoward/dealdigest/internal/source"
)

// fakeResolver maps attendee domains and title keywords to account ids.
type fakeResolver struct {
	byDomain map[string]string
	byWord   map[string]string
}

func (f *fakeResolver) EventAccount(ev source.CalendarEvent) (string, bool) {
	for _, d := range ev.AttendeeDomains {
		if id, ok := f.byDomain[strings.ToLower(d)]; ok {
			return id, true
		}
	}
	return "", false
}

func (f *fakeResolver) TitleAccounts(title string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, w := range strings.Fields(strings.ToLower(title)) {
		if id, ok := f.byWord[w]; ok {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	return out
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func defaultMatcher(accounts AccountResolver) *Matcher {
	return New(Options{MinTitleOverlap: 0.30, DateToleranceDays: 0}, accounts, zerolog.Nop())
}

func notes(id, eventID, title, date string) source.NotesCapture {
	return source.NotesCapture{
		ID:      id,
		EventID: eventID,
		Title:   title,
		Date:    day(date),
		Blocks:  []source.ContentBlock{{Kind: source.BlockUserNotes, Text: "notes for " + title}},
	}
}

func TestPrimaryMatchIsAuthoritative(t *testing.T) {
	events := []source.CalendarEvent{
		{ID: "e1", Start: day("2026-02-03").Add(15 * time.Hour), Title: "Roadmap Review"},
	}
	// The linked capture shares no title tokens and a different date; the
	// explicit event id still wins.
	captures := []source.NotesCapture{
		notes("n1", "e1", "untitled capture", "2026-02-05"),
	}

	res := defaultMatcher(nil).Match(events, captures)
	require.Len(t, res.Bindings, 1)
	require.Equal(t, MethodPrimary, res.Bindings[0].Method)
	require.Equal(t, "e1", res.Bindings[0].EventID)
	require.Equal(t, "n1", res.Bindings[0].CaptureID)
	require.Empty(t, res.UnmatchedCaptures)
}

func TestPrimaryShortCircuitsFallbackForBothSides(t *testing.T) {
	events := []source.CalendarEvent{
		{ID: "e1", Start: day("2026-02-03"), Title: "Xactly Sync"},
		{ID: "e2", Start: day("2026-02-03"), Title: "Xactly Sync Follow-up"},
	}
	captures := []source.NotesCapture{
		// Primary-linked to e1; would also score well against e2.
		notes("n1", "e1", "Xactly Sync", "2026-02-03"),
	}

	res := defaultMatcher(nil).Match(events, captures)
	require.Len(t, res.Bindings, 1)
	require.Equal(t, "e1", res.Bindings[0].EventID)
	require.Equal(t, MethodPrimary, res.Bindings[0].Method)
}

func TestFallbackDateAndTokenOverlap(t *testing.T) {
	// No event-id link; same date plus overlapping "xactly"/"sync" tokens
	// must bind.
	events := []source.CalendarEvent{
		{ID: "E1", Start: day("2026-02-03").Add(10 * time.Hour), Title: "Folloze Sync | Xactly", AttendeeDomains: []string{"xactlycorp.com"}},
	}
	captures := []source.NotesCapture{
		notes("N1", "", "Xactly Sync Notes", "2026-02-03"),
	}

	res := defaultMatcher(nil).Match(events, captures)
	require.Len(t, res.Bindings, 1)
	b := res.Bindings[0]
	require.Equal(t, MethodFallback, b.Method)
	require.Equal(t, "E1", b.EventID)
	require.Equal(t, "N1", b.CaptureID)
	require.Greater(t, b.Overlap, 0.30)
	require.Empty(t, res.UnmatchedCaptures)
}

func TestFallbackRejectsDifferentDate(t *testing.T) {
	events := []source.CalendarEvent{
		{ID: "e1", Start: day("2026-02-03"), Title: "Xactly Sync"},
	}
	captures := []source.NotesCapture{
		notes("n1", "", "Xactly Sync Notes", "2026-02-04"),
	}

	res := defaultMatcher(nil).Match(events, captures)
	require.Empty(t, res.Bindings)
	require.Equal(t, []string{"n1"}, res.UnmatchedCaptures)
}

func TestFallbackDateToleranceConfigurable(t *testing.T) {
	events := []source.CalendarEvent{
		{ID: "e1", Start: day("2026-02-03"), Title: "Xactly Sync"},
	}
	captures := []source.NotesCapture{
		notes("n1", "", "Xactly Sync Notes", "2026-02-04"),
	}

	m := New(Options{MinTitleOverlap: 0.30, DateToleranceDays: 1}, nil, zerolog.Nop())
	res := m.Match(events, captures)
	require.Len(t, res.Bindings, 1)
}

func TestFallbackRejectsLowOverlap(t *testing.T) {
	events := []source.CalendarEvent{
		{ID: "e1", Start: day("2026-02-03"), Title: "Quarterly Business Review"},
	}
	captures := []source.NotesCapture{
		notes("n1", "", "Completely Unrelated Braindump", "2026-02-03"),
	}

	res := defaultMatcher(nil).Match(events, captures)
	require.Empty(t, res.Bindings)
}

func TestFallbackPrefersHigherOverlap(t *testing.T) {
	events := []source.CalendarEvent{
		{ID: "e1", Start: day("2026-02-03"), Title: "Xactly Pricing Sync"},
	}
	captures := []source.NotesCapture{
		notes("n1", "", "Xactly Notes", "2026-02-03"),
		notes("n2", "", "Xactly Pricing Sync", "2026-02-03"),
	}

	res := defaultMatcher(nil).Match(events, captures)
	require.Len(t, res.Bindings, 1)
	require.Equal(t, "n2", res.Bindings[0].CaptureID)
}

func TestFallbackTiePrefersNearerDate(t *testing.T) {
	events := []source.CalendarEvent{
		{ID: "e1", Start: day("2026-02-03"), Title: "Xactly Sync"},
	}
	captures := []source.NotesCapture{
		notes("n1", "", "Xactly Sync", "2026-02-04"),
		notes("n2", "", "Xactly Sync", "2026-02-03"),
	}

	m := New(Options{MinTitleOverlap: 0.30, DateToleranceDays: 1}, nil, zerolog.Nop())
	res := m.Match(events, captures)
	require.Len(t, res.Bindings, 1)
	require.Equal(t, "n2", res.Bindings[0].CaptureID)
}

func TestFallbackFinalTieBreakIsLowestCaptureID(t *testing.T) {
	events := []source.CalendarEvent{
		{ID: "e1", Start: day("2026-02-03"), Title: "Xactly Sync"},
	}
	captures := []source.NotesCapture{
		notes("n9", "", "Xactly Sync", "2026-02-03"),
		notes("n2", "", "Xactly Sync", "2026-02-03"),
		notes("n5", "", "Xactly Sync", "2026-02-03"),
	}

	res := defaultMatcher(nil).Match(events, captures)
	require.Len(t, res.Bindings, 1)
	require.Equal(t, "n2", res.Bindings[0].CaptureID)
	require.ElementsMatch(t, []string{"n5", "n9"}, res.UnmatchedCaptures)
}

func TestAccountAgreementRejectsMismatch(t *testing.T) {
	resolver := &fakeResolver{
		byDomain: map[string]string{"xactlycorp.com": "acct-xactly", "seeq.com": "acct-seeq"},
		byWord:   map[string]string{"xactly": "acct-xactly", "seeq": "acct-seeq"},
	}
	events := []source.CalendarEvent{
		{ID: "e1", Start: day("2026-02-03"), Title: "Weekly Sync", AttendeeDomains: []string{"xactlycorp.com"}},
	}
	captures := []source.NotesCapture{
		// Same date, "weekly sync" overlap, but the title names Seeq.
		notes("n1", "", "Seeq Weekly Sync", "2026-02-03"),
	}

	res := defaultMatcher(resolver).Match(events, captures)
	require.Empty(t, res.Bindings)

	// A capture naming no account is unconstrained.
	captures[0].Title = "Weekly Sync"
	res = defaultMatcher(resolver).Match(events, captures)
	require.Len(t, res.Bindings, 1)
}

func TestMatchIsDeterministicUnderInputOrder(t *testing.T) {
	var events []source.CalendarEvent
	var captures []source.NotesCapture
	titles := []string{"Xactly Sync", "Seeq Kickoff", "Ansira Renewal", "PartnerStack Intro"}
	for i, title := range titles {
		id := string(rune('a' + i))
		events = append(events, source.CalendarEvent{
			ID:    "e" + id,
			Start: day("2026-02-03"),
			Title: title,
		})
		captures = append(captures, notes("n"+id, "", title+" Notes", "2026-02-03"))
		// A decoy capture per event with identical score.
		captures = append(captures, notes("z"+id, "", title+" Notes", "2026-02-03"))
	}

	reference := defaultMatcher(nil).Match(events, captures)
	require.Len(t, reference.Bindings, len(events))

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		shuffledEvents := make([]source.CalendarEvent, len(events))
		copy(shuffledEvents, events)
		rng.Shuffle(len(shuffledEvents), func(a, b int) {
			shuffledEvents[a], shuffledEvents[b] = shuffledEvents[b], shuffledEvents[a]
		})
		shuffledCaptures := make([]source.NotesCapture, len(captures))
		copy(shuffledCaptures, captures)
		rng.Shuffle(len(shuffledCaptures), func(a, b int) {
			shuffledCaptures[a], shuffledCaptures[b] = shuffledCaptures[b], shuffledCaptures[a]
		})

		got := defaultMatcher(nil).Match(shuffledEvents, shuffledCaptures)
		require.Equal(t, reference.Bindings, got.Bindings, "iteration %d", i)
		require.Equal(t, reference.UnmatchedCaptures, got.UnmatchedCaptures, "iteration %d", i)
	}
}

func TestCaptureNeverBindsTwice(t *testing.T) {
	events := []source.CalendarEvent{
		{ID: "e1", Start: day("2026-02-03"), Title: "Xactly Sync"},
		{ID: "e2", Start: day("2026-02-03"), Title: "Xactly Sync"},
	}
	captures := []source.NotesCapture{
		notes("n1", "", "Xactly Sync", "2026-02-03"),
	}

	res := defaultMatcher(nil).Match(events, captures)
	require.Len(t, res.Bindings, 1)
	require.Equal(t, "e1", res.Bindings[0].EventID)
}

func TestTokenOverlap(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"Folloze Sync | Xactly", "Xactly Sync Notes", 2.0 / 3.0},
		{"same title", "same title", 1},
		{"alpha beta", "gamma delta", 0},
		{"", "anything", 0},
	}
	for _, tt := range tests {
		got := tokenOverlap(titleTokens(tt.a), titleTokens(tt.b))
		require.InDelta(t, tt.want, got, 0.001, "%q vs %q", tt.a, tt.b)
	}
}
