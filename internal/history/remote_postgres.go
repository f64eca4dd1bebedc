package history

import (
	"context"
	"database/sql"
	"time"

	"mentorcall/pkg/utils"
)

// PostgresStore persists finished call records and serves history reads.
// EnsureSchema creates the single call_history table it needs.

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

// EnsureSchema creates the call_history table and its read index if missing.
// Table and index land in one transaction so a crash cannot leave half a schema.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	return utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		const table = `
CREATE TABLE IF NOT EXISTS call_history (
  call_id          TEXT PRIMARY KEY,
  caller_id        TEXT NOT NULL,
  receiver_id      TEXT NOT NULL,
  call_type        TEXT NOT NULL,
  started_at       TIMESTAMPTZ NOT NULL,
  accepted_at      TIMESTAMPTZ,
  ended_at         TIMESTAMPTZ,
  end_reason       TEXT NOT NULL DEFAULT '',
  duration_seconds BIGINT NOT NULL DEFAULT 0
)
`
		if _, err := tx.ExecContext(ctx, table); err != nil {
			return err
		}
		const index = `
CREATE INDEX IF NOT EXISTS call_history_caller_started_idx ON call_history (caller_id, started_at DESC)
`
		if _, err := tx.ExecContext(ctx, index); err != nil {
			return err
		}
		const index2 = `
CREATE INDEX IF NOT EXISTS call_history_receiver_started_idx ON call_history (receiver_id, started_at DESC)
`
		_, err := tx.ExecContext(ctx, index2)
		return err
	})
}

// Upsert writes the record keyed by call id. Replaying the same record after
// a partially failed drain overwrites the row with identical content.
func (s *PostgresStore) Upsert(ctx context.Context, rec Record) error {
	const q = `
INSERT INTO call_history (
  call_id, caller_id, receiver_id, call_type, started_at, accepted_at, ended_at, end_reason, duration_seconds
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9
)
ON CONFLICT (call_id)
DO UPDATE SET caller_id = EXCLUDED.caller_id,
              receiver_id = EXCLUDED.receiver_id,
              call_type = EXCLUDED.call_type,
              started_at = EXCLUDED.started_at,
              accepted_at = EXCLUDED.accepted_at,
              ended_at = EXCLUDED.ended_at,
              end_reason = EXCLUDED.end_reason,
              duration_seconds = EXCLUDED.duration_seconds
`
	_, err := s.db.ExecContext(ctx, q,
		rec.CallID,
		rec.CallerID,
		rec.ReceiverID,
		rec.CallType,
		rec.StartedAt,
		rec.AcceptedAt,
		rec.EndedAt,
		rec.EndReason,
		rec.DurationSeconds,
	)
	return err
}

// ListByUser returns calls where the user was caller or receiver, most
// recently started first.
func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT call_id, caller_id, receiver_id, call_type, started_at, accepted_at, ended_at, end_reason, duration_seconds
FROM call_history
WHERE caller_id = $1 OR receiver_id = $1
ORDER BY started_at DESC
LIMIT $2
`
	rows, err := s.db.QueryContext(ctx, q, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ListCalls returns the user's calls started within [from, to), oldest first.
// It backs the reporting repository.
func (s *PostgresStore) ListCalls(ctx context.Context, userID string, from, to time.Time) ([]Record, error) {
	const q = `
SELECT call_id, caller_id, receiver_id, call_type, started_at, accepted_at, ended_at, end_reason, duration_seconds
FROM call_history
WHERE (caller_id = $1 OR receiver_id = $1)
  AND started_at >= $2 AND started_at < $3
ORDER BY started_at ASC
`
	rows, err := s.db.QueryContext(ctx, q, userID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	out := make([]Record, 0)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.CallID,
			&rec.CallerID,
			&rec.ReceiverID,
			&rec.CallType,
			&rec.StartedAt,
			&rec.AcceptedAt,
			&rec.EndedAt,
			&rec.EndReason,
			&rec.DurationSeconds,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
