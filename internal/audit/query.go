package audit

import (
	"fmt"
	"time"
)

// Filter narrows Query/Aggregate results. Zero-value fields are unfiltered.
type Filter struct {
	Action    string
	Status    string
	Direction Direction
	Since     time.Time
	Until     time.Time
}

// Row is one stored audit_trail record, read back out.
type Row struct {
	ID                        string
	RequestID                 string
	Timestamp                 time.Time
	Action                    string
	Direction                 Direction
	Status                    string
	PayloadHash               string
	ChainHash                 string
	AutonomyTier              string
	ApprovalRequired          bool
	EstimatedTimeSavedSeconds float64
}

// Query returns rows matching filter, ordered oldest first.
func (s *Store) Query(filter Filter) ([]Row, error) {
	where, args := filter.whereClause()
	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT id, request_id, timestamp, action, direction, status,
		       payload_hash, chain_hash, COALESCE(autonomy_tier, ''),
		       approval_required, estimated_time_saved_seconds
		FROM audit_trail
		%s
		ORDER BY rowid ASC
	`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var ts string
		var approvalRequired int
		if err := rows.Scan(
			&r.ID, &r.RequestID, &ts, &r.Action, &r.Direction, &r.Status,
			&r.PayloadHash, &r.ChainHash, &r.AutonomyTier,
			&approvalRequired, &r.EstimatedTimeSavedSeconds,
		); err != nil {
			return nil, fmt.Errorf("audit: scan row: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("audit: parse timestamp: %w", err)
		}
		r.Timestamp = parsed
		r.ApprovalRequired = approvalRequired != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// Aggregate summarises estimated time saved and entry count across filter.
type Aggregate struct {
	Count                     int
	TotalEstimatedTimeSavedSec float64
}

// Aggregate computes totals over rows matching filter.
func (s *Store) Aggregate(filter Filter) (Aggregate, error) {
	where, args := filter.whereClause()
	var agg Aggregate
	err := s.db.QueryRow(fmt.Sprintf(`
		SELECT COUNT(*), COALESCE(SUM(estimated_time_saved_seconds), 0)
		FROM audit_trail
		%s
	`, where), args...).Scan(&agg.Count, &agg.TotalEstimatedTimeSavedSec)
	if err != nil {
		return Aggregate{}, fmt.Errorf("audit: aggregate: %w", err)
	}
	return agg, nil
}

// VerifyChain recomputes the chain hash from the first row forward and
// returns the rowid-order index of the first row where the stored and
// recomputed chain hash diverge, or -1 if the whole chain is intact.
func (s *Store) VerifyChain() (int, error) {
	rows, err := s.db.Query(`
		SELECT id, payload_hash, chain_hash FROM audit_trail ORDER BY rowid ASC
	`)
	if err != nil {
		return -1, fmt.Errorf("audit: verify chain query: %w", err)
	}
	defer rows.Close()

	prev := genesisHash
	idx := 0
	for rows.Next() {
		var id, payloadHash, chainHash string
		if err := rows.Scan(&id, &payloadHash, &chainHash); err != nil {
			return -1, fmt.Errorf("audit: verify chain scan: %w", err)
		}
		want := sha256Hex([]byte(prev + payloadHash + id))
		if want != chainHash {
			return idx, nil
		}
		prev = chainHash
		idx++
	}
	return -1, rows.Err()
}

func (f Filter) whereClause() (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if f.Action != "" {
		clauses = append(clauses, "action = ?")
		args = append(args, f.Action)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if f.Direction != "" {
		clauses = append(clauses, "direction = ?")
		args = append(args, string(f.Direction))
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	where := "WHERE " + clauses[0]
	for _, c := range clauses[1:] {
		where += " AND " + c
	}
	return where, args
}
