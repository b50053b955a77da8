// Package allowlist is the SQLite-backed network allowlist Gateway
// consults before dispatching any outbound network action (spec §4.5).
package allowlist

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Entry is one allowlist row.
type Entry struct {
	ID        int64
	Domain    string
	Protocol  string
	Reason    string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is the SQLite-backed allowlist.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the allowlist database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("allowlist: open database: %w", err)
	}
	for _, p := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("allowlist: set pragma: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("allowlist: run migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) runMigrations() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			description TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	_ = s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current)

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		parts := strings.SplitN(e.Name(), "_", 2)
		if len(parts) < 2 {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(parts[0], "%d", &version); err != nil {
			continue
		}
		if version <= current {
			continue
		}
		description := strings.TrimSuffix(parts[1], ".sql")

		content, err := migrationsFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration tx: %w", err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", e.Name(), err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description) VALUES (?, ?)",
			version, description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", e.Name(), err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

// Add inserts or reactivates an allowlist entry for (domain, protocol). If
// the pair already exists it is reactivated and its reason updated, rather
// than duplicated, since (domain, protocol) is a unique key.
func (s *Store) Add(domain, protocol, reason string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(`
		INSERT INTO allowlist_entries (domain, protocol, reason, is_active, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(domain, protocol) DO UPDATE SET
			reason     = excluded.reason,
			is_active  = 1,
			updated_at = excluded.updated_at
	`, domain, protocol, reason, now, now)
	if err != nil {
		return fmt.Errorf("allowlist: add entry: %w", err)
	}
	return nil
}

// Deactivate soft-deletes the (domain, protocol) entry by setting
// is_active = 0. Rows are never hard-deleted, so Contains can never
// resurrect a revoked entry by accident and history is preserved.
func (s *Store) Deactivate(domain, protocol string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(`
		UPDATE allowlist_entries
		SET is_active = 0, updated_at = ?
		WHERE domain = ? AND protocol = ?
	`, now, domain, protocol)
	if err != nil {
		return fmt.Errorf("allowlist: deactivate entry: %w", err)
	}
	return nil
}

// Contains reports whether (domain, protocol) has a currently active
// allowlist entry.
func (s *Store) Contains(domain, protocol string) (bool, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM allowlist_entries
		WHERE domain = ? AND protocol = ? AND is_active = 1
	`, domain, protocol).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("allowlist: check containment: %w", err)
	}
	return count > 0, nil
}

// List returns every entry, active and inactive, ordered by domain then
// protocol, for administrative inspection.
func (s *Store) List() ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT id, domain, protocol, reason, is_active, created_at, updated_at
		FROM allowlist_entries
		ORDER BY domain, protocol
	`)
	if err != nil {
		return nil, fmt.Errorf("allowlist: list entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var reason sql.NullString
		var isActive int
		var createdAt, updatedAt string
		if err := rows.Scan(&e.ID, &e.Domain, &e.Protocol, &reason, &isActive, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("allowlist: scan entry: %w", err)
		}
		e.Reason = reason.String
		e.IsActive = isActive == 1
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
