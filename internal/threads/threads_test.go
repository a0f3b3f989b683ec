package threads

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/khoward/dealdigest/internal/registry"
	"github.com/khoward/dealdigest/internal/source"
	"github.com/khoward/dealdigest/internal/timeline"
)

func testClassifier(t *testing.T) func(string) (registry.Account, error) {
	t.Helper()
	r, err := registry.Load(registry.NewMemoryStore())
	require.NoError(t, err)
	_, err = r.Register("asana.com", "Asana", registry.CategoryTechPartner)
	require.NoError(t, err)
	_, err = r.Register("xactlycorp.com", "Xactly", registry.CategoryDeal)
	require.NoError(t, err)
	_, err = r.Register("spam.example", "Spam", registry.CategoryIgnored)
	require.NoError(t, err)
	return r.Classify
}

func at(s string) time.Time {
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return ts
}

func TestThreadCollapsesToOneEntry(t *testing.T) {
	// Three threads totalling six messages, all with Asana, must yield
	// exactly two entries: one per thread with messages in the window.
	threads := []source.EmailThread{
		{
			ID:                 "t1",
			Subject:            "Integration rollout",
			ParticipantDomains: []string{"asana.com", "folloze.com"},
			Messages: []source.EmailMessage{
				{Timestamp: at("2026-02-02T09:00:00Z"), SenderDomain: "folloze.com", Snippet: "Kicking this off", FromMe: true},
				{Timestamp: at("2026-02-03T14:00:00Z"), SenderDomain: "asana.com", Snippet: "Sounds good"},
				{Timestamp: at("2026-02-04T08:30:00Z"), SenderDomain: "folloze.com", Snippet: "Scheduling follow-up", FromMe: true},
			},
		},
		{
			ID:                 "t2",
			Subject:            "Contract question",
			ParticipantDomains: []string{"asana.com"},
			Messages: []source.EmailMessage{
				{Timestamp: at("2026-02-05T10:00:00Z"), SenderDomain: "asana.com", Snippet: "Quick question on terms"},
				{Timestamp: at("2026-02-05T11:00:00Z"), SenderDomain: "folloze.com", Snippet: "Answered inline", FromMe: true},
				{Timestamp: at("2026-02-05T12:00:00Z"), SenderDomain: "asana.com", Snippet: "Thanks, all clear"},
			},
		},
		{ID: "t3", Subject: "Empty", ParticipantDomains: []string{"asana.com"}},
	}

	entries := NewAggregator("folloze.com", zerolog.Nop()).Aggregate(threads, testClassifier(t))
	require.Len(t, entries, 2)

	first := entries[0]
	require.Equal(t, timeline.KindEmail, first.Kind)
	require.Equal(t, "Integration rollout", first.Title)
	// Stamped with the thread's latest message, not the first.
	require.Equal(t, at("2026-02-04T08:30:00Z"), first.Timestamp)
	require.Equal(t, []string{"thread:t1@" + first.AccountID}, first.Provenance)

	// Payload is a chronological directional transcript.
	lines := strings.Split(first.Payload, "\n")
	require.Equal(t, []string{
		"You: Kicking this off",
		"Them: Sounds good",
		"You: Scheduling follow-up",
	}, lines)
}

func TestThreadSpanningAccountsDuplicates(t *testing.T) {
	threads := []source.EmailThread{
		{
			ID:                 "t1",
			Subject:            "Joint webinar",
			ParticipantDomains: []string{"asana.com", "xactlycorp.com", "folloze.com"},
			Messages: []source.EmailMessage{
				{Timestamp: at("2026-02-03T10:00:00Z"), SenderDomain: "asana.com", Snippet: "Looping everyone in"},
			},
		},
	}

	entries := NewAggregator("folloze.com", zerolog.Nop()).Aggregate(threads, testClassifier(t))
	require.Len(t, entries, 2)
	require.NotEqual(t, entries[0].AccountID, entries[1].AccountID)
	// Provenance ids are account-scoped, so the duplicated thread never
	// shares an id across the two entries.
	require.NotEqual(t, entries[0].Provenance, entries[1].Provenance)
}

func TestInternalAndUnknownThreadsDrop(t *testing.T) {
	threads := []source.EmailThread{
		{
			ID:                 "t1",
			Subject:            "All hands notes",
			ParticipantDomains: []string{"folloze.com"},
			Messages:           []source.EmailMessage{{Timestamp: at("2026-02-03T10:00:00Z"), Snippet: "internal"}},
		},
		{
			ID:                 "t2",
			Subject:            "Cold outreach",
			ParticipantDomains: []string{"randomvendor.io"},
			Messages:           []source.EmailMessage{{Timestamp: at("2026-02-03T10:00:00Z"), Snippet: "buy our tool"}},
		},
		{
			ID:                 "t3",
			Subject:            "Newsletter",
			ParticipantDomains: []string{"spam.example"},
			Messages:           []source.EmailMessage{{Timestamp: at("2026-02-03T10:00:00Z"), Snippet: "weekly digest"}},
		},
	}

	entries := NewAggregator("folloze.com", zerolog.Nop()).Aggregate(threads, testClassifier(t))
	require.Empty(t, entries)
}

func TestAggregateOrderIndependent(t *testing.T) {
	threads := []source.EmailThread{
		{
			ID: "t2", Subject: "Second", ParticipantDomains: []string{"asana.com"},
			Messages: []source.EmailMessage{{Timestamp: at("2026-02-04T10:00:00Z"), Snippet: "b"}},
		},
		{
			ID: "t1", Subject: "First", ParticipantDomains: []string{"asana.com"},
			Messages: []source.EmailMessage{{Timestamp: at("2026-02-05T10:00:00Z"), Snippet: "a"}},
		},
	}

	classify := testClassifier(t)
	agg := NewAggregator("folloze.com", zerolog.Nop())

	forward := agg.Aggregate(threads, classify)
	reversed := agg.Aggregate([]source.EmailThread{threads[1], threads[0]}, classify)
	require.Equal(t, forward, reversed)
	require.Equal(t, "First", forward[0].Title)
}
