// Package approvals tracks the historical (actionType, subType) approval
// counters that drive policy escalation (spec §4.3 step 4, §4.4).
package approvals

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

// DefaultAutoExecuteThreshold is the consecutive-approval count at which a
// pattern becomes routine, absent an explicit override.
const DefaultAutoExecuteThreshold = 3

// Pattern is one (actionType, subType) row.
type Pattern struct {
	ActionType           string
	SubType              string
	ConsecutiveApprovals int
	TotalApprovals       int
	TotalRejections      int
	LastApprovalAt       time.Time
	LastRejectionAt      time.Time
	AutoExecuteThreshold int
}

// Tracker is the SQLite-backed Approval Pattern Tracker.
type Tracker struct {
	db *sql.DB
}

// New opens (or creates) the approval pattern database at dbPath.
func New(dbPath string) (*Tracker, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("approvals: open database: %w", err)
	}
	for _, p := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("approvals: set pragma: %w", err)
		}
	}

	tr := &Tracker{db: db}
	if err := tr.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("approvals: run migrations: %w", err)
	}
	return tr, nil
}

// Close closes the underlying database connection.
func (t *Tracker) Close() error { return t.db.Close() }

func (t *Tracker) runMigrations() error {
	_, err := t.db.Exec(`
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
	_ = t.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current)

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

		tx, err := t.db.Begin()
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

// RecordApproval upserts the row for (actionType, subType): increments
// consecutive and total approval counters and sets lastApprovalAt.
func (t *Tracker) RecordApproval(actionType, subType string) error {
	_, err := t.db.Exec(`
		INSERT INTO approval_patterns (action_type, sub_type, consecutive_approvals, total_approvals, last_approval_at, auto_execute_threshold)
		VALUES (?, ?, 1, 1, ?, ?)
		ON CONFLICT(action_type, sub_type) DO UPDATE SET
			consecutive_approvals = consecutive_approvals + 1,
			total_approvals       = total_approvals + 1,
			last_approval_at      = excluded.last_approval_at
	`, actionType, subType, time.Now().UTC().Format(time.RFC3339Nano), DefaultAutoExecuteThreshold)
	if err != nil {
		return fmt.Errorf("approvals: record approval: %w", err)
	}
	return nil
}

// RecordRejection upserts the row for (actionType, subType): zeros the
// consecutive counter, increments total rejections, and sets
// lastRejectionAt. A single rejection always resets consecutiveApprovals
// to 0, per spec's monotonicity invariant.
func (t *Tracker) RecordRejection(actionType, subType string) error {
	_, err := t.db.Exec(`
		INSERT INTO approval_patterns (action_type, sub_type, consecutive_approvals, total_rejections, last_rejection_at, auto_execute_threshold)
		VALUES (?, ?, 0, 1, ?, ?)
		ON CONFLICT(action_type, sub_type) DO UPDATE SET
			consecutive_approvals = 0,
			total_rejections      = total_rejections + 1,
			last_rejection_at     = excluded.last_rejection_at
	`, actionType, subType, time.Now().UTC().Format(time.RFC3339Nano), DefaultAutoExecuteThreshold)
	if err != nil {
		return fmt.Errorf("approvals: record rejection: %w", err)
	}
	return nil
}

// IsRoutine reports whether (actionType, subType) has accumulated enough
// consecutive approvals to be auto-executed, i.e. the internal/policy
// PatternProvider this Tracker backs.
func (t *Tracker) IsRoutine(actionType, subType string) (bool, error) {
	pattern, found, err := t.Get(actionType, subType)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	return pattern.ConsecutiveApprovals >= pattern.AutoExecuteThreshold, nil
}

// Get returns the current pattern row, or found=false if no decision has
// been recorded yet for (actionType, subType).
func (t *Tracker) Get(actionType, subType string) (Pattern, bool, error) {
	var p Pattern
	var lastApproval, lastRejection sql.NullString
	err := t.db.QueryRow(`
		SELECT action_type, sub_type, consecutive_approvals, total_approvals, total_rejections,
		       last_approval_at, last_rejection_at, auto_execute_threshold
		FROM approval_patterns
		WHERE action_type = ? AND sub_type = ?
	`, actionType, subType).Scan(
		&p.ActionType, &p.SubType, &p.ConsecutiveApprovals, &p.TotalApprovals, &p.TotalRejections,
		&lastApproval, &lastRejection, &p.AutoExecuteThreshold,
	)
	if err == sql.ErrNoRows {
		return Pattern{}, false, nil
	}
	if err != nil {
		return Pattern{}, false, fmt.Errorf("approvals: get pattern: %w", err)
	}
	if lastApproval.Valid {
		p.LastApprovalAt, _ = time.Parse(time.RFC3339Nano, lastApproval.String)
	}
	if lastRejection.Valid {
		p.LastRejectionAt, _ = time.Parse(time.RFC3339Nano, lastRejection.String)
	}
	return p, true, nil
}
