package attestation

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Witness is one issued attestation record. It deliberately never stores
// the action's raw payload, only a human-readable summary (spec §4.7,
// "no private data in attestation").
type Witness struct {
	ID              string
	AuditEntryID    string
	ActionSummary   string
	AutonomyTier    string
	DeviceID        string
	AttestationJSON string
	CreatedAt       time.Time
}

// Generator issues and stores Witness attestations for autonomous actions
// executed on behalf of a premium user.
type Generator struct {
	signer *Signer
	db     *sql.DB
}

// NewGenerator opens (or creates) the witness database at dbPath, backed
// by signer for producing attestation proofs.
func NewGenerator(dbPath string, signer *Signer) (*Generator, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("attestation: open database: %w", err)
	}
	for _, p := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("attestation: set pragma: %w", err)
		}
	}

	g := &Generator{signer: signer, db: db}
	if err := g.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("attestation: run migrations: %w", err)
	}
	return g, nil
}

// Close closes the underlying database connection.
func (g *Generator) Close() error { return g.db.Close() }

func (g *Generator) runMigrations() error {
	_, err := g.db.Exec(`
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
	_ = g.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current)

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

		tx, err := g.db.Begin()
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

// ActionSummary builds the short, content-free string stored in a
// Witness: action type and domain only, never payload fields.
func ActionSummary(actionType, domain string) string {
	return fmt.Sprintf("%s action in %s domain", actionType, domain)
}

// Issue signs an attestation over summary and persists the resulting
// Witness, returning it. Nothing from the originating action's raw
// payload is ever passed in or stored.
func (g *Generator) Issue(auditEntryID, actionSummary, autonomyTier, deviceID string) (Witness, error) {
	att, err := g.signer.Sign(map[string]string{"actionSummary": actionSummary})
	if err != nil {
		return Witness{}, fmt.Errorf("attestation: sign: %w", err)
	}
	attJSON, err := json.Marshal(att)
	if err != nil {
		return Witness{}, fmt.Errorf("attestation: marshal attestation: %w", err)
	}

	w := Witness{
		ID:              uuid.NewString(),
		AuditEntryID:    auditEntryID,
		ActionSummary:   actionSummary,
		AutonomyTier:    autonomyTier,
		DeviceID:        deviceID,
		AttestationJSON: string(attJSON),
		CreatedAt:       time.Now().UTC(),
	}

	_, err = g.db.Exec(`
		INSERT INTO witnesses (id, audit_entry_id, action_summary, autonomy_tier, device_id, attestation_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, w.ID, w.AuditEntryID, w.ActionSummary, w.AutonomyTier, w.DeviceID, w.AttestationJSON, w.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Witness{}, fmt.Errorf("attestation: insert witness: %w", err)
	}
	return w, nil
}

// Get returns the Witness with the given id.
func (g *Generator) Get(id string) (Witness, bool, error) {
	var w Witness
	var createdAt string
	err := g.db.QueryRow(`
		SELECT id, audit_entry_id, action_summary, autonomy_tier, device_id, attestation_json, created_at
		FROM witnesses WHERE id = ?
	`, id).Scan(&w.ID, &w.AuditEntryID, &w.ActionSummary, &w.AutonomyTier, &w.DeviceID, &w.AttestationJSON, &createdAt)
	if err == sql.ErrNoRows {
		return Witness{}, false, nil
	}
	if err != nil {
		return Witness{}, false, fmt.Errorf("attestation: get witness: %w", err)
	}
	w.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return w, true, nil
}
