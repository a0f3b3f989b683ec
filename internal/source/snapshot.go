package source

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Snapshot reads calendar.json, notes.json, and threads.json export files
// from a directory and serves them through the fetcher interfaces. A missing
// file yields an empty set, not an error: partial input is a valid run input.
type Snapshot struct {
	dir               string
	excludedColorTags map[string]struct{}
}

// NewSnapshot creates a snapshot loader over dir. Events carrying one of the
// excluded color tags (personal, admin, calendar blocks) are dropped at load.
func NewSnapshot(dir string, excludedColorTags []string) *Snapshot {
	excluded := make(map[string]struct{}, len(excludedColorTags))
	for _, t := range excludedColorTags {
		excluded[t] = struct{}{}
	}
	return &Snapshot{dir: dir, excludedColorTags: excluded}
}

type calendarExport struct {
	Events []calendarExportEvent `json:"events"`
}

type calendarExportEvent struct {
	ID        string   `json:"id"`
	Start     string   `json:"start"`
	Summary   string   `json:"summary"`
	Attendees []string `json:"attendees"`
	ColorID   string   `json:"colorId"`
	Status    string   `json:"status"`
}

type notesExport struct {
	Captures []notesExportCapture `json:"captures"`
}

type notesExportCapture struct {
	ID      string             `json:"id"`
	EventID string             `json:"eventId"`
	Title   string             `json:"title"`
	Date    string             `json:"date"`
	Blocks  []notesExportBlock `json:"blocks"`
}

type notesExportBlock struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

type threadsExport struct {
	Threads []threadExport `json:"threads"`
}

type threadExport struct {
	ID       string                `json:"id"`
	Subject  string                `json:"subject"`
	Messages []threadExportMessage `json:"messages"`
}

type threadExportMessage struct {
	Timestamp string `json:"timestamp"`
	From      string `json:"from"`
	Snippet   string `json:"snippet"`
	FromMe    bool   `json:"fromMe"`
}

func (s *Snapshot) readFile(name string, v any) (bool, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parse %s: %w", name, err)
	}
	return true, nil
}

// FetchCalendarEvents implements CalendarSource.
func (s *Snapshot) FetchCalendarEvents(w Window) ([]CalendarEvent, error) {
	var export calendarExport
	ok, err := s.readFile("calendar.json", &export)
	if err != nil || !ok {
		return nil, err
	}

	var out []CalendarEvent
	for _, ev := range export.Events {
		if ev.ID == "" {
			continue
		}
		if _, excluded := s.excludedColorTags[ev.ColorID]; excluded {
			continue
		}
		start, err := time.Parse(time.RFC3339, ev.Start)
		if err != nil {
			continue
		}
		if !w.Contains(start) {
			continue
		}
		domains := make([]string, 0, len(ev.Attendees))
		for _, a := range ev.Attendees {
			if d := Domain(a); d != "" {
				domains = append(domains, d)
			}
		}
		status := EventStatus(ev.Status)
		if status == "" {
			status = StatusConfirmed
		}
		out = append(out, CalendarEvent{
			ID:              ev.ID,
			Start:           start,
			Title:           ev.Summary,
			AttendeeDomains: domains,
			ColorTag:        ev.ColorID,
			Status:          status,
		})
	}
	return out, nil
}

// FetchNotesCaptures implements NotesSource.
func (s *Snapshot) FetchNotesCaptures(w Window) ([]NotesCapture, error) {
	var export notesExport
	ok, err := s.readFile("notes.json", &export)
	if err != nil || !ok {
		return nil, err
	}

	var out []NotesCapture
	for _, c := range export.Captures {
		if c.ID == "" {
			continue
		}
		date, err := time.Parse("2006-01-02", c.Date)
		if err != nil {
			continue
		}
		// Captures are dated to the day; keep anything whose date falls
		// on or after the window's first calendar day.
		if date.Before(truncateDay(w.From)) || date.After(w.To) {
			continue
		}
		blocks := make([]ContentBlock, 0, len(c.Blocks))
		for _, b := range c.Blocks {
			blocks = append(blocks, ContentBlock{Kind: BlockKind(b.Kind), Text: b.Text})
		}
		out = append(out, NotesCapture{
			ID:      c.ID,
			EventID: c.EventID,
			Title:   c.Title,
			Date:    date,
			Blocks:  blocks,
		})
	}
	return out, nil
}

// FetchEmailThreads implements EmailSource.
func (s *Snapshot) FetchEmailThreads(w Window) ([]EmailThread, error) {
	var export threadsExport
	ok, err := s.readFile("threads.json", &export)
	if err != nil || !ok {
		return nil, err
	}

	var out []EmailThread
	for _, t := range export.Threads {
		if t.ID == "" {
			continue
		}
		var msgs []EmailMessage
		domains := make(map[string]struct{})
		for _, m := range t.Messages {
			ts, err := time.Parse(time.RFC3339, m.Timestamp)
			if err != nil || !w.Contains(ts) {
				continue
			}
			d := Domain(m.From)
			if d != "" {
				domains[d] = struct{}{}
			}
			msgs = append(msgs, EmailMessage{
				Timestamp:    ts,
				SenderDomain: d,
				Snippet:      m.Snippet,
				FromMe:       m.FromMe,
			})
		}
		if len(msgs) == 0 {
			continue
		}
		participants := make([]string, 0, len(domains))
		for d := range domains {
			participants = append(participants, d)
		}
		sort.Strings(participants)
		out = append(out, EmailThread{
			ID:                 t.ID,
			Subject:            t.Subject,
			ParticipantDomains: participants,
			Messages:           msgs,
		})
	}
	return out, nil
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
