// Package timeline holds the per-account activity record: normalized
// timeline entries merged from matched meetings and collapsed email threads,
// plus the derived signal block. AccountRecord is the core's output contract.
package timeline

import (
	"time"

	"github.com/khoward/dealdigest/internal/registry"
)

// Kind says which source family an entry came from.
type Kind string

const (
	KindMeeting Kind = "meeting"
	KindEmail   Kind = "email"
)

// Payload richness ranks, used when collapsing duplicate entries.
const (
	RichnessTitleOnly         = 0
	RichnessTranscript        = 1
	RichnessUserNotes         = 2
	RichnessStructuredSummary = 3
)

// TimelineEntry is one normalized, de-duplicated unit of account activity.
// Provenance carries the account-scoped source ids the entry was built from;
// no id ever appears in two entries.
type TimelineEntry struct {
	Kind       Kind      `json:"kind"`
	Timestamp  time.Time `json:"timestamp"`
	AccountID  string    `json:"account_id"`
	Title      string    `json:"title"`
	Payload    string    `json:"payload"`
	Provenance []string  `json:"provenance"`
	Richness   int       `json:"-"`
	Cancelled  bool      `json:"cancelled,omitempty"`
}

// State is an account's derived activity state.
type State string

const (
	StateProgressing State = "progressing"
	StateStalled     State = "stalled"
)

// RiskFlag is a mechanically detected risk condition. Anything that cannot be
// detected from the timeline is left to the downstream summarizer and never
// appears here.
type RiskFlag string

const (
	RiskImminentDeadline     RiskFlag = "zero-activity-with-imminent-deadline"
	RiskRepeatedCancellation RiskFlag = "repeated-cancellation-pattern"
	RiskSilenceAfterPrior    RiskFlag = "silence-after-prior-engagement"
)

// Signals is the derived signal block of an account record.
type Signals struct {
	LastActivity *time.Time `json:"last_activity"`
	State        State      `json:"state"`
	RiskFlags    []RiskFlag `json:"risk_flags"`
}

// AccountRecord aggregates one account's window of activity. Records are
// rebuilt from scratch every run; accounts with no activity still get a
// record with an empty timeline.
type AccountRecord struct {
	Account  registry.Account  `json:"-"`
	Name     string            `json:"account"`
	Category registry.Category `json:"category"`
	Entries  []TimelineEntry   `json:"timeline"`
	Signals  Signals           `json:"signals"`
}
