package registration

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/example/pickup-scheduler/internal/db"
)

// PgStore keeps the queue in the pending_registrations table and an
// append-only registration_attempts audit trail.
var _ Store = (*PgStore)(nil)

type PgStore struct{ db *db.DB }

func NewPgStore(d *db.DB) *PgStore { return &PgStore{db: d} }

func (s *PgStore) Enqueue(ctx context.Context, p Pending) error {
	return s.db.Exec(ctx, `
INSERT INTO pending_registrations(session_id, user_id, session_date, buy_window_at, cost, attempts, status)
VALUES ($1,$2,$3,$4,$5,0,'queued')
ON CONFLICT (session_id, user_id) DO NOTHING`,
		p.SessionID, p.UserID, p.SessionDate, p.OpensAt, p.Cost)
}

func (s *PgStore) Reschedule(ctx context.Context, sessionID, userID int64, opensAt time.Time) error {
	return s.db.Exec(ctx, `
UPDATE pending_registrations SET buy_window_at=$3, updated_at=now()
WHERE session_id=$1 AND user_id=$2`, sessionID, userID, opensAt)
}

func (s *PgStore) Remove(ctx context.Context, sessionID, userID int64) error {
	return s.db.Exec(ctx, `
DELETE FROM pending_registrations WHERE session_id=$1 AND user_id=$2`, sessionID, userID)
}

func (s *PgStore) List(ctx context.Context) ([]Pending, error) {
	rows, err := s.db.Query(ctx, `
SELECT session_id, user_id, session_date, buy_window_at, cost, attempts, status
FROM pending_registrations
ORDER BY buy_window_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Pending
	for rows.Next() {
		var p Pending
		if err := rows.Scan(&p.SessionID, &p.UserID, &p.SessionDate, &p.OpensAt, &p.Cost, &p.Attempts, &p.Status); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Claim flips queued to in_progress in one conditional UPDATE; the
// WHERE clause is what makes the gate atomic.
func (s *PgStore) Claim(ctx context.Context, sessionID, userID int64) (Pending, bool, error) {
	var p Pending
	err := s.db.QueryRow(ctx, `
UPDATE pending_registrations SET status='in_progress', updated_at=now()
WHERE session_id=$1 AND user_id=$2 AND status='queued'
RETURNING session_id, user_id, session_date, buy_window_at, cost, attempts, status`,
		sessionID, userID).
		Scan(&p.SessionID, &p.UserID, &p.SessionDate, &p.OpensAt, &p.Cost, &p.Attempts, &p.Status)
	if err != nil {
		if db.IsNotFound(err) {
			return Pending{}, false, nil
		}
		return Pending{}, false, err
	}
	return p, true, nil
}

func (s *PgStore) RecordAttempt(ctx context.Context, sessionID, userID int64, attempt int, success bool, message string) error {
	if err := s.db.Exec(ctx, `
INSERT INTO registration_attempts(id, session_id, user_id, attempt, success, message)
VALUES ($1,$2,$3,$4,$5,$6)`,
		uuid.NewString(), sessionID, userID, attempt, success, message); err != nil {
		return err
	}
	return s.db.Exec(ctx, `
UPDATE pending_registrations SET attempts=$3, updated_at=now()
WHERE session_id=$1 AND user_id=$2`, sessionID, userID, attempt)
}

func (s *PgStore) ResetInProgress(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
WITH reset AS (
	UPDATE pending_registrations SET status='queued', updated_at=now()
	WHERE status='in_progress'
	RETURNING 1
)
SELECT count(*) FROM reset`).Scan(&n)
	return n, err
}
