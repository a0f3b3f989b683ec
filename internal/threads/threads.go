// Package threads collapses email threads into timeline entries. A thread is
// one unit of activity regardless of message count: six messages in a thread
// become one entry, stamped with the latest message's timestamp. A thread
// whose participants span several accounts yields one entry per account.
package threads

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/khoward/dealdigest/internal/registry"
	"github.com/khoward/dealdigest/internal/source"
	"github.com/khoward/dealdigest/internal/timeline"
)

// Aggregator buckets email threads into per-account timeline entries.
type Aggregator struct {
	internalDomain string
	log            zerolog.Logger
}

// NewAggregator creates an Aggregator.
func NewAggregator(internalDomain string, log zerolog.Logger) *Aggregator {
	return &Aggregator{internalDomain: internalDomain, log: log}
}

// Aggregate collapses each thread into at most one entry per reportable
// account. Threads are processed in id order so output is independent of
// fetch order. Internal-only threads and threads with no messages drop.
func (a *Aggregator) Aggregate(threads []source.EmailThread, classify func(domain string) (registry.Account, error)) []timeline.TimelineEntry {
	sorted := make([]source.EmailThread, len(threads))
	copy(sorted, threads)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var entries []timeline.TimelineEntry
	for _, th := range sorted {
		latest, ok := th.LatestMessage()
		if !ok {
			continue
		}
		for _, accountID := range a.threadAccounts(th, classify) {
			entries = append(entries, timeline.TimelineEntry{
				Kind:       timeline.KindEmail,
				Timestamp:  latest.Timestamp,
				AccountID:  accountID,
				Title:      th.Subject,
				Payload:    collapse(th),
				Richness:   timeline.RichnessUserNotes,
				Provenance: []string{timeline.ProvThread(th.ID, accountID)},
			})
		}
	}
	return entries
}

// threadAccounts resolves the external participant domains to reportable
// account ids, deduplicated, in domain order. A thread touching only the
// internal domain or only unknown domains resolves to nothing.
func (a *Aggregator) threadAccounts(th source.EmailThread, classify func(string) (registry.Account, error)) []string {
	internal := strings.ToLower(a.internalDomain)

	domains := make([]string, 0, len(th.ParticipantDomains))
	seen := make(map[string]struct{})
	for _, d := range th.ParticipantDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" || d == internal {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		domains = append(domains, d)
	}
	sort.Strings(domains)

	seenAccounts := make(map[string]struct{})
	var out []string
	for _, d := range domains {
		acc, err := classify(d)
		if err != nil {
			if errors.Is(err, registry.ErrAmbiguousDomain) {
				a.log.Warn().Str("domain", d).Str("thread", th.ID).
					Msg("ambiguous domain mapping, skipping thread domain")
			}
			continue
		}
		if !acc.Category.Reportable() {
			continue
		}
		if _, ok := seenAccounts[acc.ID]; ok {
			continue
		}
		seenAccounts[acc.ID] = struct{}{}
		out = append(out, acc.ID)
	}
	return out
}

// collapse renders the thread as a chronological snippet transcript, each
// message prefixed with its direction.
func collapse(th source.EmailThread) string {
	msgs := make([]source.EmailMessage, len(th.Messages))
	copy(msgs, th.Messages)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })

	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		who := "Them"
		if m.FromMe {
			who = "You"
		}
		fmt.Fprintf(&b, "%s: %s", who, strings.TrimSpace(m.Snippet))
	}
	return b.String()
}
