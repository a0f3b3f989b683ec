package registry

import (
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Store is the registry's external persistence. The registry loads one
// snapshot per run and saves classification decisions and run states at
// end-of-run.
type Store interface {
	Load() ([]Account, error)
	Save(accounts []Account) error
	PriorRunStates() (map[string]string, error)
	SaveRunStates(states map[string]string) error
}

// SQLiteStore persists the registry in a local sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the registry database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Pragmas for performance + concurrency.
	// WAL allows concurrent readers while a writer is active.
	// busy_timeout reduces SQLITE_BUSY errors under contention.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load reads all accounts and their domain mappings.
func (s *SQLiteStore) Load() ([]Account, error) {
	rows, err := s.db.Query(`
		SELECT id, name, category, deadline, added_at
		FROM accounts
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*Account)
	var order []string
	for rows.Next() {
		var a Account
		var deadline sql.NullString
		var added int64
		if err := rows.Scan(&a.ID, &a.Name, (*string)(&a.Category), &deadline, &added); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		a.Added = time.Unix(added, 0).UTC()
		if deadline.Valid && deadline.String != "" {
			if t, err := time.Parse("2006-01-02", deadline.String); err == nil {
				a.Deadline = &t
			}
		}
		byID[a.ID] = &a
		order = append(order, a.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}

	domainRows, err := s.db.Query(`
		SELECT domain, account_id FROM account_domains ORDER BY domain
	`)
	if err != nil {
		return nil, fmt.Errorf("query domains: %w", err)
	}
	defer domainRows.Close()

	for domainRows.Next() {
		var domain, accountID string
		if err := domainRows.Scan(&domain, &accountID); err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		if a, ok := byID[accountID]; ok {
			a.Domains = append(a.Domains, domain)
		}
	}
	if err := domainRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate domains: %w", err)
	}

	out := make([]Account, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

// Save upserts the full snapshot. Each domain mapping is a single upsert, so
// an interrupted save leaves prior rows intact rather than half-deleted.
func (s *SQLiteStore) Save(accounts []Account) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	for _, a := range accounts {
		var deadline any
		if a.Deadline != nil {
			deadline = a.Deadline.Format("2006-01-02")
		}
		_, err := tx.Exec(`
			INSERT INTO accounts (id, name, category, deadline, added_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				category = excluded.category,
				deadline = excluded.deadline
		`, a.ID, a.Name, string(a.Category), deadline, a.Added.Unix())
		if err != nil {
			return fmt.Errorf("upsert account %s: %w", a.Name, err)
		}

		for _, d := range a.Domains {
			_, err := tx.Exec(`
				INSERT INTO account_domains (domain, account_id)
				VALUES (?, ?)
				ON CONFLICT(domain, account_id) DO NOTHING
			`, d, a.ID)
			if err != nil {
				return fmt.Errorf("upsert domain %s: %w", d, err)
			}
		}
	}

	return tx.Commit()
}

// PriorRunStates returns the per-account activity state saved by the last run.
func (s *SQLiteStore) PriorRunStates() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT account_id, state FROM run_states`)
	if err != nil {
		return nil, fmt.Errorf("query run states: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, state string
		if err := rows.Scan(&id, &state); err != nil {
			return nil, fmt.Errorf("scan run state: %w", err)
		}
		out[id] = state
	}
	return out, rows.Err()
}

// SaveRunStates upserts this run's per-account states.
func (s *SQLiteStore) SaveRunStates(states map[string]string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save states: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for id, state := range states {
		_, err := tx.Exec(`
			INSERT INTO run_states (account_id, state, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(account_id) DO UPDATE SET
				state = excluded.state,
				updated_at = excluded.updated_at
		`, id, state, now)
		if err != nil {
			return fmt.Errorf("upsert run state: %w", err)
		}
	}

	return tx.Commit()
}

// MemoryStore is an in-memory Store for tests and dry runs.
type MemoryStore struct {
	Accounts []Account
	States   map[string]string
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{States: make(map[string]string)}
}

func (m *MemoryStore) Load() ([]Account, error) {
	out := make([]Account, len(m.Accounts))
	copy(out, m.Accounts)
	return out, nil
}

func (m *MemoryStore) Save(accounts []Account) error {
	m.Accounts = make([]Account, len(accounts))
	copy(m.Accounts, accounts)
	return nil
}

func (m *MemoryStore) PriorRunStates() (map[string]string, error) {
	out := make(map[string]string, len(m.States))
	for k, v := range m.States {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) SaveRunStates(states map[string]string) error {
	if m.States == nil {
		m.States = make(map[string]string)
	}
	for k, v := range states {
		m.States[k] = v
	}
	return nil
}
