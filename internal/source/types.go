// Package source defines the run's input snapshot: calendar events, meeting
// notes captures, and email threads, plus the fetcher interfaces the digest
// consumes them through. Fetch plumbing (OAuth, pagination) lives behind the
// interfaces; the core only ever sees already-resolved data.
package source

import (
	"sort"
	"strings"
	"time"
)

// Window is the lookback range for a run.
type Window struct {
	From time.Time
	To   time.Time
}

// LastNDays returns the window ending at now.
func LastNDays(now time.Time, days int) Window {
	return Window{From: now.AddDate(0, 0, -days), To: now}
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && !t.After(w.To)
}

// EventStatus mirrors the calendar provider's event status.
type EventStatus string

const (
	StatusConfirmed EventStatus = "confirmed"
	StatusCancelled EventStatus = "cancelled"
	StatusTentative EventStatus = "tentative"
)

// CalendarEvent is one fetched meeting. Immutable within a run.
type CalendarEvent struct {
	ID              string
	Start           time.Time
	Title           string
	AttendeeDomains []string
	ColorTag        string
	Status          EventStatus
}

// ExternalDomains returns the attendee domains that are not the internal one,
// sorted and de-duplicated.
func (e CalendarEvent) ExternalDomains(internalDomain string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, d := range e.AttendeeDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" || d == strings.ToLower(internalDomain) {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// IsInternalOnly reports whether every attendee belongs to the internal
// domain. Events with no attendees count as internal.
func (e CalendarEvent) IsInternalOnly(internalDomain string) bool {
	return len(e.ExternalDomains(internalDomain)) == 0
}

// BlockKind tags a notes content block. Kinds have a fixed priority order;
// when a capture carries several blocks only the highest-priority one is used,
// never a concatenation.
type BlockKind string

const (
	BlockStructuredSummary BlockKind = "structured-summary"
	BlockUserNotes         BlockKind = "user-notes"
	BlockTranscript        BlockKind = "transcript"
)

// Priority returns the block's rank; higher wins. Unknown kinds rank lowest.
func (k BlockKind) Priority() int {
	switch k {
	case BlockStructuredSummary:
		return 3
	case BlockUserNotes:
		return 2
	case BlockTranscript:
		return 1
	}
	return 0
}

// ContentBlock is one tagged chunk of a notes capture.
type ContentBlock struct {
	Kind BlockKind
	Text string
}

// NotesCapture is one fetched notes document section. EventID is the
// provider's link back to the calendar event when the capture tool recorded
// one; it is frequently absent.
type NotesCapture struct {
	ID      string
	EventID string
	Title   string
	Date    time.Time
	Blocks  []ContentBlock
}

// BestBlock returns the highest-priority content block, if any.
func (n NotesCapture) BestBlock() (ContentBlock, bool) {
	best := -1
	var out ContentBlock
	for _, b := range n.Blocks {
		if strings.TrimSpace(b.Text) == "" {
			continue
		}
		if p := b.Kind.Priority(); p > best {
			best = p
			out = b
		}
	}
	return out, best >= 0
}

// EmailMessage is one message within a thread.
type EmailMessage struct {
	Timestamp    time.Time
	SenderDomain string
	Snippet      string
	FromMe       bool
}

// EmailThread is one fetched conversation. Immutable within a run.
type EmailThread struct {
	ID                 string
	Subject            string
	ParticipantDomains []string
	Messages           []EmailMessage
}

// LatestMessage returns the most recent message, if any.
func (t EmailThread) LatestMessage() (EmailMessage, bool) {
	if len(t.Messages) == 0 {
		return EmailMessage{}, false
	}
	latest := t.Messages[0]
	for _, m := range t.Messages[1:] {
		if m.Timestamp.After(latest.Timestamp) {
			latest = m
		}
	}
	return latest, true
}

// Domain extracts the lowercased domain from an email address.
func Domain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}

// CalendarSource fetches meetings for a window.
type CalendarSource interface {
	FetchCalendarEvents(w Window) ([]CalendarEvent, error)
}

// NotesSource fetches notes captures for a window.
type NotesSource interface {
	FetchNotesCaptures(w Window) ([]NotesCapture, error)
}

// EmailSource fetches email threads for a window.
type EmailSource interface {
	FetchEmailThreads(w Window) ([]EmailThread, error)
}
