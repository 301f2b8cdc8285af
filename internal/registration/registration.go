// Package registration holds the durable queue of pending session
// registrations and the store contract the scheduler runs against.
package registration

import (
	"context"
	"fmt"
	"time"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusSucceeded  Status = "succeeded"
	StatusAbandoned  Status = "abandoned"
)

// Pending is a durable intent to buy a spot in one session for one user
// the moment its buy window opens.
type Pending struct {
	SessionID   int64     `json:"sessionId"`
	UserID      int64     `json:"userId"`
	SessionDate time.Time `json:"sessionDate"`
	OpensAt     time.Time `json:"buyWindowAt"`
	Cost        float64   `json:"cost"`
	Attempts    int       `json:"attempts"`
	Status      Status    `json:"status"`
}

func (p Pending) Key() string { return Key(p.SessionID, p.UserID) }

func Key(sessionID, userID int64) string {
	return fmt.Sprintf("%d:%d", sessionID, userID)
}

// Store is the single owner of persisted queue state. Implementations
// must make every mutation atomic with respect to concurrent calls from
// the same process; callers never cache entries and write them back.
type Store interface {
	// Enqueue inserts p with status queued. Inserting an existing
	// (session, user) key is a no-op so an in-flight attempt is never
	// clobbered; revising a window goes through Reschedule.
	Enqueue(ctx context.Context, p Pending) error

	// Reschedule replaces the buy-window instant of an existing entry.
	Reschedule(ctx context.Context, sessionID, userID int64, opensAt time.Time) error

	// Remove deletes an entry. Removing an absent key is a no-op.
	Remove(ctx context.Context, sessionID, userID int64) error

	// List returns every entry, in no particular order.
	List(ctx context.Context) ([]Pending, error)

	// Claim transitions an entry from queued to in_progress and returns
	// it. It reports false when the entry is absent or already claimed;
	// this is the per-entry mutual-exclusion gate and the cancellation
	// re-check rolled into one.
	Claim(ctx context.Context, sessionID, userID int64) (Pending, bool, error)

	// RecordAttempt persists the attempt counter after each executor
	// call so a crash mid-retry resumes from the right attempt.
	RecordAttempt(ctx context.Context, sessionID, userID int64, attempt int, success bool, message string) error

	// ResetInProgress requeues entries left in_progress by a crash.
	// Called once at scheduler startup; at-least-once beats dropped.
	ResetInProgress(ctx context.Context) (int, error)
}
