package inheritance

import (
	"database/sql"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the SQLite-backed persistence for TrustedParty registrations
// and Activation state (spec §3: Core exclusively owns TrustedParty and
// Activation). It also implements PartyActivationLister over the parties
// it knows about, so CheckDeletionConsensus can be evaluated against real
// state instead of a test double.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the inheritance database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("inheritance: open database: %w", err)
	}
	for _, p := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("inheritance: set pragma: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("inheritance: run migrations: %w", err)
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

// RegisterParty inserts a new trusted party, or replaces an existing
// registration with the same ID (re-issuing a passphrase, for instance).
func (s *Store) RegisterParty(p TrustedParty) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(`
		INSERT INTO trusted_parties (id, name, email, relationship, passphrase_hash, current_state, created_at)
		VALUES (?, ?, ?, ?, ?, 'inactive', ?)
		ON CONFLICT(id) DO UPDATE SET
			name            = excluded.name,
			email           = excluded.email,
			relationship    = excluded.relationship,
			passphrase_hash = excluded.passphrase_hash
	`, p.ID, p.Name, p.Email, p.Relationship, hex.EncodeToString(p.PassphraseHash[:]), now)
	if err != nil {
		return fmt.Errorf("inheritance: register party: %w", err)
	}
	return nil
}

// GetParty looks up a trusted party by ID.
func (s *Store) GetParty(id string) (TrustedParty, bool, error) {
	var p TrustedParty
	var hashHex string
	var email, relationship sql.NullString
	err := s.db.QueryRow(`
		SELECT id, name, email, relationship, passphrase_hash
		FROM trusted_parties WHERE id = ?
	`, id).Scan(&p.ID, &p.Name, &email, &relationship, &hashHex)
	if err == sql.ErrNoRows {
		return TrustedParty{}, false, nil
	}
	if err != nil {
		return TrustedParty{}, false, fmt.Errorf("inheritance: get party: %w", err)
	}
	p.Email = email.String
	p.Relationship = relationship.String
	if err := decodeHash(hashHex, &p.PassphraseHash); err != nil {
		return TrustedParty{}, false, fmt.Errorf("inheritance: decode passphrase hash: %w", err)
	}
	return p, true, nil
}

// ListParties returns every registered trusted party, ordered by name.
func (s *Store) ListParties() ([]TrustedParty, error) {
	rows, err := s.db.Query(`
		SELECT id, name, email, relationship, passphrase_hash
		FROM trusted_parties ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("inheritance: list parties: %w", err)
	}
	defer rows.Close()

	var out []TrustedParty
	for rows.Next() {
		var p TrustedParty
		var hashHex string
		var email, relationship sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &email, &relationship, &hashHex); err != nil {
			return nil, fmt.Errorf("inheritance: scan party: %w", err)
		}
		p.Email = email.String
		p.Relationship = relationship.String
		if err := decodeHash(hashHex, &p.PassphraseHash); err != nil {
			return nil, fmt.Errorf("inheritance: decode passphrase hash: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func decodeHash(hashHex string, out *[32]byte) error {
	raw, err := hex.DecodeString(hashHex)
	if err != nil {
		return err
	}
	if len(raw) != len(out) {
		return fmt.Errorf("passphrase hash is %d bytes, want %d", len(raw), len(out))
	}
	copy(out[:], raw)
	return nil
}

// SaveActivation upserts act by ID and mirrors its State onto the owning
// party's current_state column, so ActivationStates can answer without a
// join.
func (s *Store) SaveActivation(act Activation) error {
	actionsJSON, err := json.Marshal(act.Actions)
	if err != nil {
		return fmt.Errorf("inheritance: encode actions: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("inheritance: save activation: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO activations (
			id, party_id, state, activated_at, time_lock_expires_at,
			actions_total, actions_completed, current_action_id,
			requires_step_confirmation, cancelled_at, completed_at,
			actions_json, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state                      = excluded.state,
			actions_completed          = excluded.actions_completed,
			current_action_id          = excluded.current_action_id,
			cancelled_at               = excluded.cancelled_at,
			completed_at               = excluded.completed_at,
			actions_json               = excluded.actions_json,
			updated_at                 = excluded.updated_at
	`,
		act.ID, act.PartyID, act.State.String(),
		act.ActivatedAt.UTC().Format(time.RFC3339Nano),
		act.TimeLockExpiresAt.UTC().Format(time.RFC3339Nano),
		act.ActionsTotal, act.ActionsCompleted, act.CurrentActionID,
		boolToInt(act.RequiresStepConfirmation),
		nullableTime(act.CancelledAt), nullableTime(act.CompletedAt),
		string(actionsJSON), now,
	)
	if err != nil {
		return fmt.Errorf("inheritance: save activation: %w", err)
	}

	_, err = tx.Exec(`UPDATE trusted_parties SET current_state = ? WHERE id = ?`, act.State.String(), act.PartyID)
	if err != nil {
		return fmt.Errorf("inheritance: update party state: %w", err)
	}

	var nonTerminal int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM activations WHERE state NOT IN ('completed', 'cancelled')`).Scan(&nonTerminal); err != nil {
		return fmt.Errorf("inheritance: count non-terminal activations: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	// Guard lifecycle (spec §5): enabled the instant any party has a
	// non-terminal Activation, disabled the instant none do. Re-derived
	// from persisted truth on every save rather than toggled ad hoc, so a
	// crash mid-activation can never leave the guard stuck on or off.
	if nonTerminal > 0 {
		EnableGuard()
	} else {
		DisableGuard()
	}
	return nil
}

// SavePlan persists the ordered action plan a trusted party configured
// while alive — the input Activate consumes once a death-time package is
// opened with the matching passphrase.
func (s *Store) SavePlan(partyID string, actions []InheritanceAction, requiresStepConfirmation bool) error {
	for i := range actions {
		actions[i].PartyID = partyID
	}
	actionsJSON, err := json.Marshal(actions)
	if err != nil {
		return fmt.Errorf("inheritance: encode plan: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.Exec(`
		INSERT INTO inheritance_plans (party_id, requires_step_confirmation, actions_json, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(party_id) DO UPDATE SET
			requires_step_confirmation = excluded.requires_step_confirmation,
			actions_json               = excluded.actions_json,
			updated_at                 = excluded.updated_at
	`, partyID, boolToInt(requiresStepConfirmation), string(actionsJSON), now)
	if err != nil {
		return fmt.Errorf("inheritance: save plan: %w", err)
	}
	return nil
}

// GetPlan returns a trusted party's configured action plan, if one has
// been registered.
func (s *Store) GetPlan(partyID string) ([]InheritanceAction, bool, error) {
	var actionsJSON string
	var requiresStepConfirmation int
	err := s.db.QueryRow(`
		SELECT requires_step_confirmation, actions_json FROM inheritance_plans WHERE party_id = ?
	`, partyID).Scan(&requiresStepConfirmation, &actionsJSON)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("inheritance: get plan: %w", err)
	}
	var actions []InheritanceAction
	if err := json.Unmarshal([]byte(actionsJSON), &actions); err != nil {
		return nil, false, fmt.Errorf("inheritance: decode plan: %w", err)
	}
	return actions, requiresStepConfirmation == 1, nil
}

// RequiresStepConfirmation reports a party's registered plan flag, for
// callers that only need the flag without the full action list.
func (s *Store) RequiresStepConfirmation(partyID string) (bool, error) {
	var requiresStepConfirmation int
	err := s.db.QueryRow(`SELECT requires_step_confirmation FROM inheritance_plans WHERE party_id = ?`, partyID).Scan(&requiresStepConfirmation)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("inheritance: get plan flag: %w", err)
	}
	return requiresStepConfirmation == 1, nil
}

// GetActivation looks up an Activation by ID.
func (s *Store) GetActivation(id string) (Activation, bool, error) {
	return s.scanOne(`
		SELECT id, party_id, state, activated_at, time_lock_expires_at,
		       actions_total, actions_completed, current_action_id,
		       requires_step_confirmation, cancelled_at, completed_at, actions_json
		FROM activations WHERE id = ?
	`, id)
}

// NonTerminalForParty returns the one Activation for partyID that is not
// yet completed or cancelled, enforcing the exclusive-per-party invariant
// (spec §3: "at most one non-terminal Activation per partyId").
func (s *Store) NonTerminalForParty(partyID string) (Activation, bool, error) {
	return s.scanOne(`
		SELECT id, party_id, state, activated_at, time_lock_expires_at,
		       actions_total, actions_completed, current_action_id,
		       requires_step_confirmation, cancelled_at, completed_at, actions_json
		FROM activations
		WHERE party_id = ? AND state NOT IN ('completed', 'cancelled')
		ORDER BY activated_at DESC LIMIT 1
	`, partyID)
}

// ListExecuting returns every Activation currently in StateExecuting, for
// the executor's run-pending sweep.
func (s *Store) ListExecuting() ([]Activation, error) {
	rows, err := s.db.Query(`
		SELECT id, party_id, state, activated_at, time_lock_expires_at,
		       actions_total, actions_completed, current_action_id,
		       requires_step_confirmation, cancelled_at, completed_at, actions_json
		FROM activations WHERE state = ?
	`, StateExecuting.String())
	if err != nil {
		return nil, fmt.Errorf("inheritance: list executing: %w", err)
	}
	defer rows.Close()

	var out []Activation
	for rows.Next() {
		act, err := scanActivationRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, act)
	}
	return out, rows.Err()
}

// ActivationStates implements PartyActivationLister: every registered
// party's most recently saved state, defaulting to StateInactive for a
// party that has never been activated.
func (s *Store) ActivationStates() map[string]State {
	out := map[string]State{}
	rows, err := s.db.Query(`SELECT id, current_state FROM trusted_parties`)
	if err != nil {
		return out
	}
	defer rows.Close()

	for rows.Next() {
		var id, state string
		if err := rows.Scan(&id, &state); err != nil {
			continue
		}
		out[id] = stateFromString(state)
	}
	return out
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanOne(query string, args ...interface{}) (Activation, bool, error) {
	row := s.db.QueryRow(query, args...)
	act, err := scanActivationRow(row)
	if err == sql.ErrNoRows {
		return Activation{}, false, nil
	}
	if err != nil {
		return Activation{}, false, err
	}
	return act, true, nil
}

func scanActivationRow(row rowScanner) (Activation, error) {
	var act Activation
	var stateStr, activatedAt, expiresAt, actionsJSON string
	var currentActionID, cancelledAt, completedAt sql.NullString
	var requiresStepConfirmation int

	if err := row.Scan(
		&act.ID, &act.PartyID, &stateStr, &activatedAt, &expiresAt,
		&act.ActionsTotal, &act.ActionsCompleted, &currentActionID,
		&requiresStepConfirmation, &cancelledAt, &completedAt, &actionsJSON,
	); err != nil {
		return Activation{}, err
	}

	act.State = stateFromString(stateStr)
	act.ActivatedAt, _ = time.Parse(time.RFC3339Nano, activatedAt)
	act.TimeLockExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	act.CurrentActionID = currentActionID.String
	act.RequiresStepConfirmation = requiresStepConfirmation == 1
	if cancelledAt.Valid {
		act.CancelledAt, _ = time.Parse(time.RFC3339Nano, cancelledAt.String)
	}
	if completedAt.Valid {
		act.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt.String)
	}
	if err := json.Unmarshal([]byte(actionsJSON), &act.Actions); err != nil {
		return Activation{}, fmt.Errorf("inheritance: decode actions: %w", err)
	}
	return act, nil
}

func stateFromString(s string) State {
	switch s {
	case "time_locked":
		return StateTimeLocked
	case "paused_for_confirmation":
		return StatePausedForConfirmation
	case "executing":
		return StateExecuting
	case "completed":
		return StateCompleted
	case "cancelled":
		return StateCancelled
	default:
		return StateInactive
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
