// Package signal derives the per-account signal block from a built timeline:
// last-activity recency, stalled/progressing state, and mechanically
// detectable risk flags. Derivation is a pure function of the record, the run
// time, and the prior run's states; it never fails on missing data — absence
// degrades to the most conservative answer (stalled, no flags).
package signal

import (
	"strings"
	"time"

	"github.com/khoward/dealdigest/internal/timeline"
)

// Options holds the derivation thresholds.
type Options struct {
	// StalledAfterDays is the recency threshold: an account whose latest
	// activity is older than this is stalled.
	StalledAfterDays int
	// DeadlineWindowDays bounds how far ahead a deadline counts as imminent.
	DeadlineWindowDays int
}

// Derive computes the signal block for one account record. priorStates maps
// account id to the state recorded at the end of the previous run; a missing
// entry means the account had no prior state.
//
// An empty timeline always yields stalled with no risk flags: the record
// cannot distinguish true silence from a failed fetch, so nothing is flagged
// on absence alone.
func Derive(record timeline.AccountRecord, now time.Time, opts Options, priorStates map[string]string) timeline.Signals {
	if len(record.Entries) == 0 {
		return timeline.Signals{State: timeline.StateStalled}
	}

	last := record.Entries[len(record.Entries)-1].Timestamp
	state := timeline.StateProgressing
	if now.Sub(last) > time.Duration(opts.StalledAfterDays)*24*time.Hour {
		state = timeline.StateStalled
	}

	var flags []timeline.RiskFlag
	if state == timeline.StateStalled && deadlineImminent(record.Account.Deadline, now, opts.DeadlineWindowDays) {
		flags = append(flags, timeline.RiskImminentDeadline)
	}
	if repeatedCancellations(record.Entries) {
		flags = append(flags, timeline.RiskRepeatedCancellation)
	}
	if state == timeline.StateStalled && priorStates[record.Account.ID] == string(timeline.StateProgressing) {
		flags = append(flags, timeline.RiskSilenceAfterPrior)
	}

	lastCopy := last
	return timeline.Signals{
		LastActivity: &lastCopy,
		State:        state,
		RiskFlags:    flags,
	}
}

// deadlineImminent reports whether a deadline falls within windowDays of now.
// Past-due deadlines count: an overdue close date with no recent activity is
// still the condition the flag exists for.
func deadlineImminent(deadline *time.Time, now time.Time, windowDays int) bool {
	if deadline == nil {
		return false
	}
	return deadline.Sub(now) <= time.Duration(windowDays)*24*time.Hour
}

// repeatedCancellations reports whether at least two cancelled meetings share
// a normalized title, which reads as the same planned meeting being repeatedly
// rescheduled or dropped.
func repeatedCancellations(entries []timeline.TimelineEntry) bool {
	counts := make(map[string]int)
	for _, e := range entries {
		if !e.Cancelled {
			continue
		}
		key := normalizeTitle(e.Title)
		if key == "" {
			continue
		}
		counts[key]++
		if counts[key] >= 2 {
			return true
		}
	}
	return false
}

// normalizeTitle lowercases and collapses a title to its alphanumeric tokens.
func normalizeTitle(title string) string {
	tokens := strings.FieldsFunc(strings.ToLower(title), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	return strings.Join(tokens, " ")
}
