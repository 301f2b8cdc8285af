// Package scheduler owns the lifecycle of queued registrations: it
// polls the store, wakes up at each entry's buy-window instant and
// drives the purchase with bounded retry.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/pickup-scheduler/internal/notify"
	"github.com/example/pickup-scheduler/internal/registration"
)

type Result struct {
	Success bool
	Message string
}

// Executor performs the actual purchase against the remote system.
type Executor interface {
	Execute(ctx context.Context, sessionID, userID int64) (Result, error)
}

type Scheduler struct {
	Store    registration.Store
	Executor Executor
	Notifier notify.Notifier
	Log      zerolog.Logger

	Interval       time.Duration
	MaxAttempts    int
	Backoff        time.Duration
	AttemptTimeout time.Duration

	// Now is the clock; tests swap it out. Nil means time.Now.
	Now func() time.Time

	wg sync.WaitGroup
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Run polls until ctx is cancelled. Entries left in_progress by a
// previous process are requeued first so a crash never drops them.
func (s *Scheduler) Run(ctx context.Context) error {
	if n, err := s.Store.ResetInProgress(ctx); err != nil {
		return fmt.Errorf("scheduler: requeue interrupted entries: %w", err)
	} else if n > 0 {
		s.Log.Info().Int("count", n).Msg("requeued entries interrupted by restart")
	}

	t := time.NewTicker(s.Interval)
	defer t.Stop()

	// kick immediately: overdue windows fire on startup, not next tick
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-t.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	entries, err := s.Store.List(ctx)
	if err != nil {
		s.Log.Error().Err(err).Msg("listing pending registrations failed")
		return
	}

	now := s.now()
	for _, p := range entries {
		if p.Status != registration.StatusQueued {
			continue
		}
		// Fire up to half an interval early to absorb ticker jitter;
		// anything overdue fires immediately.
		if p.OpensAt.Sub(now) > s.Interval/2 {
			continue
		}

		p := p
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runEntry(ctx, p.SessionID, p.UserID)
		}()
	}
}

// runEntry is the per-entry state machine. Claim is taken immediately
// before executing so a removal racing the wake-up wins, and so two
// overlapping wake-ups resolve to a single attempt sequence.
func (s *Scheduler) runEntry(ctx context.Context, sessionID, userID int64) {
	log := s.Log.With().Int64("session_id", sessionID).Int64("user_id", userID).Logger()

	p, ok, err := s.Store.Claim(ctx, sessionID, userID)
	if err != nil {
		log.Error().Err(err).Msg("claim failed")
		return
	}
	if !ok {
		// removed, or another wake-up got here first
		return
	}

	// A crash after the final recorded failure can leave an exhausted
	// entry behind; finish the abandonment instead of re-attempting.
	if p.Attempts >= s.MaxAttempts {
		if rerr := s.Store.Remove(ctx, sessionID, userID); rerr != nil {
			log.Error().Err(rerr).Msg("removing exhausted entry failed")
		}
		s.Notifier.Notify(ctx, fmt.Sprintf("❌ Registration failed after %d attempts for session %d. Giving up.", p.Attempts, sessionID), false)
		return
	}

	log.Info().Time("buy_window", p.OpensAt).Int("attempts_so_far", p.Attempts).Msg("buy window open, attempting registration")
	s.Notifier.Notify(ctx, fmt.Sprintf("⏰ Buy window open! Attempting to register for session %d...", sessionID), false)

	for attempt := p.Attempts + 1; attempt <= s.MaxAttempts; attempt++ {
		res, err := s.attempt(ctx, sessionID, userID)

		if err == nil && res.Success {
			if rerr := s.Store.RecordAttempt(ctx, sessionID, userID, attempt, true, res.Message); rerr != nil {
				log.Error().Err(rerr).Msg("recording successful attempt failed")
			}
			if rerr := s.Store.Remove(ctx, sessionID, userID); rerr != nil {
				log.Error().Err(rerr).Msg("removing completed entry failed")
			}
			log.Info().Int("attempt", attempt).Msg("registration succeeded")
			s.Notifier.Notify(ctx, successMessage(p, res), true)
			return
		}

		reason := failureReason(res, err)
		log.Warn().Int("attempt", attempt).Str("reason", reason).Msg("registration attempt failed")
		if rerr := s.Store.RecordAttempt(ctx, sessionID, userID, attempt, false, reason); rerr != nil {
			log.Error().Err(rerr).Msg("recording failed attempt failed")
		}

		if attempt >= s.MaxAttempts {
			if rerr := s.Store.Remove(ctx, sessionID, userID); rerr != nil {
				log.Error().Err(rerr).Msg("removing abandoned entry failed")
			}
			log.Error().Int("attempts", attempt).Msg("registration abandoned")
			s.Notifier.Notify(ctx, fmt.Sprintf("❌ Registration failed after %d attempts for session %d. Giving up: %s", attempt, sessionID, reason), false)
			return
		}

		// one intermediate notice per entry, not one per attempt
		if attempt == 1 {
			s.Notifier.Notify(ctx, fmt.Sprintf("⚠️ Registration attempt for session %d failed (%s). Retrying...", sessionID, reason), false)
		}

		select {
		case <-ctx.Done():
			// shutdown mid-retry: entry stays in_progress and is
			// requeued with its attempt count on next start
			return
		case <-time.After(s.Backoff):
		}
	}
}

// attempt runs one executor call under the configured timeout. A call
// that neither succeeds nor fails in time counts as a failed attempt.
func (s *Scheduler) attempt(ctx context.Context, sessionID, userID int64) (Result, error) {
	actx, cancel := context.WithTimeout(ctx, s.AttemptTimeout)
	defer cancel()
	return s.Executor.Execute(actx, sessionID, userID)
}

func failureReason(res Result, err error) string {
	if err != nil {
		return err.Error()
	}
	if res.Message != "" {
		return res.Message
	}
	return "registration rejected"
}

func successMessage(p registration.Pending, res Result) string {
	msg := fmt.Sprintf("✅ Registered for session %d on %s!", p.SessionID, p.SessionDate.Format("Mon Jan 2 15:04"))
	if p.Cost > 0 {
		msg += fmt.Sprintf("\n💰 Please send $%.2f to settle your spot.", p.Cost)
	}
	if res.Message != "" {
		msg += "\n" + res.Message
	}
	return msg
}
