// Package audit implements the hash-chained, append-only audit trail every
// Gateway outcome is recorded into.
package audit

import (
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/semblance-ai/semblance/common/canonjson"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// genesisHash is chainHash[-1], the fixed seed the first row chains against.
var genesisHash = sha256Hex([]byte("genesis"))

// Entry mirrors the AuditEntry data model of spec §3.
type Entry struct {
	ID                        string
	RequestID                 string
	Timestamp                 time.Time
	Action                    string
	Direction                 Direction
	Status                    string
	Payload                   interface{} // canonicalized and hashed, never stored verbatim
	Signature                 string
	Metadata                  map[string]interface{}
	EstimatedTimeSavedSeconds float64
	AutonomyTier              string
	ApprovalRequired          bool
	ApprovalGiven             *bool
}

// Direction is request or response, per spec §3.
type Direction string

const (
	DirectionRequest  Direction = "request"
	DirectionResponse Direction = "response"
)

// Store wraps the audit_trail SQLite database.
type Store struct {
	db *sql.DB

	// appendMu serializes Append calls: each one reads the previous row's
	// chain hash and writes the next, so the read-then-write must not race.
	// The Gateway design itself only ever has one connection active at a
	// time, but this mutex makes the invariant explicit rather than
	// incidental.
	appendMu sync.Mutex
}

// New opens (or creates) the audit database at dbPath and applies migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("audit: set pragma: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: run migrations: %w", err)
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

// Append writes one audit row, computing payloadHash and chainHash from the
// previous row inside a single transaction. The id must be unique (callers
// pass a uuid); returns the computed chainHash.
func (s *Store) Append(id string, e Entry) (chainHash string, err error) {
	payloadCanon, err := canonjson.Canonicalize(e.Payload)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize payload: %w", err)
	}
	payloadHash := sha256Hex(payloadCanon)

	var metadataJSON sql.NullString
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return "", fmt.Errorf("audit: marshal metadata: %w", err)
		}
		metadataJSON = sql.NullString{String: string(b), Valid: true}
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("audit: begin append: %w", err)
	}
	defer tx.Rollback()

	prevHash, err := s.latestChainHash(tx)
	if err != nil {
		return "", err
	}

	chainHash = sha256Hex([]byte(prevHash + payloadHash + id))

	var approvalGiven sql.NullBool
	if e.ApprovalGiven != nil {
		approvalGiven = sql.NullBool{Bool: *e.ApprovalGiven, Valid: true}
	}

	_, err = tx.Exec(`
		INSERT INTO audit_trail (
			id, request_id, timestamp, action, direction, status,
			payload_hash, signature, chain_hash, metadata_json,
			estimated_time_saved_seconds, autonomy_tier,
			approval_required, approval_given
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		id, e.RequestID, e.Timestamp.UTC().Format(time.RFC3339Nano), e.Action, string(e.Direction), e.Status,
		payloadHash, nullableString(e.Signature), chainHash, metadataJSON,
		e.EstimatedTimeSavedSeconds, nullableString(e.AutonomyTier),
		boolToInt(e.ApprovalRequired), approvalGiven,
	)
	if err != nil {
		return "", fmt.Errorf("audit: insert row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("audit: commit row: %w", err)
	}
	return chainHash, nil
}

// latestChainHash returns the chain hash of the most recently inserted row,
// or the genesis hash if the table is empty. Must be called with appendMu
// held, inside the append transaction tx.
func (s *Store) latestChainHash(tx *sql.Tx) (string, error) {
	var hash string
	err := tx.QueryRow(`
		SELECT chain_hash FROM audit_trail ORDER BY rowid DESC LIMIT 1
	`).Scan(&hash)
	if err == sql.ErrNoRows {
		return genesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("audit: read latest chain hash: %w", err)
	}
	return hash, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
