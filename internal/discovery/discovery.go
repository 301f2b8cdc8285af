// Package discovery finds matching upcoming sessions and feeds them
// into the pending-registration queue.
package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/example/pickup-scheduler/internal/buywindow"
	"github.com/example/pickup-scheduler/internal/notify"
	"github.com/example/pickup-scheduler/internal/pickup"
	"github.com/example/pickup-scheduler/internal/registration"
)

// Directory is the slice of the pickup API the bridge consumes.
type Directory interface {
	Sessions(ctx context.Context) ([]pickup.Session, error)
}

const (
	ModeAuto   = "auto"   // queue every matching session directly
	ModeManual = "manual" // prompt the user, queueing happens via the bot
)

type Policy struct {
	Weekdays  []time.Weekday
	Lookahead int // days
	Mode      string
}

type Bridge struct {
	Directory Directory
	Store     registration.Store
	Calc      buywindow.Calculator
	Notifier  notify.Notifier
	Policy    Policy
	UserID    int64
	Log       zerolog.Logger

	// Now is the clock; tests swap it out. Nil means time.Now.
	Now func() time.Time
}

func (b *Bridge) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// Start runs Sync once immediately, then on the given cron spec in the
// buy-window zone, until ctx is cancelled.
func (b *Bridge) Start(ctx context.Context, spec string) error {
	if err := b.Sync(ctx); err != nil {
		b.Log.Error().Err(err).Msg("initial discovery sync failed")
	}

	c := cron.New(cron.WithLocation(b.Calc.Loc))
	_, err := c.AddFunc(spec, func() {
		if err := b.Sync(ctx); err != nil {
			b.Log.Error().Err(err).Msg("discovery sync failed")
		}
	})
	if err != nil {
		return fmt.Errorf("discovery: bad cron spec %q: %w", spec, err)
	}
	c.Start()

	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return nil
}

// Sync is idempotent: re-running it with an unchanged session list adds
// nothing and never disturbs attempt counters. When a queued session's
// schedule moved upstream, only its buy window is re-derived.
func (b *Bridge) Sync(ctx context.Context) error {
	sessions, err := b.Directory.Sessions(ctx)
	if err != nil {
		return fmt.Errorf("discovery: list sessions: %w", err)
	}

	queued := map[string]registration.Pending{}
	if existing, err := b.Store.List(ctx); err != nil {
		b.Log.Error().Err(err).Msg("listing pending registrations failed")
	} else {
		for _, p := range existing {
			queued[p.Key()] = p
		}
	}

	now := b.now()
	matched := 0
	for _, s := range sessions {
		if !b.matches(s, now) {
			continue
		}
		matched++
		opensAt := b.Calc.OpenAt(s.Date, s.BuyDayMinimum)

		if p, ok := queued[registration.Key(s.ID, b.UserID)]; ok {
			// the session moved upstream: the stored window follows it
			if !p.OpensAt.Equal(opensAt) {
				if err := b.Store.Reschedule(ctx, s.ID, b.UserID, opensAt); err != nil {
					b.Log.Error().Err(err).Int64("session_id", s.ID).Msg("rescheduling buy window failed")
				} else {
					b.Log.Info().Int64("session_id", s.ID).Time("buy_window", opensAt).Msg("buy window moved with session schedule")
				}
			}
			continue
		}

		if b.Policy.Mode == ModeManual {
			b.Notifier.Notify(ctx, fmt.Sprintf(
				"🏒 Upcoming session %d on %s ($%.2f). Buy window opens %s.\nReply 'yes %d' to auto-register.",
				s.ID, s.Date.Format("Mon Jan 2 15:04"), s.Cost, opensAt.Format("Mon Jan 2 15:04"), s.ID), false)
			continue
		}

		p := registration.Pending{
			SessionID:   s.ID,
			UserID:      b.UserID,
			SessionDate: s.Date,
			OpensAt:     opensAt,
			Cost:        s.Cost,
		}
		if err := b.enqueueDurably(ctx, p); err != nil {
			b.Log.Error().Err(err).Int64("session_id", s.ID).Msg("queueing session failed")
			continue
		}
		b.Log.Info().Int64("session_id", s.ID).Time("buy_window", opensAt).Msg("session queued for auto-registration")
	}

	b.Log.Info().Int("sessions", len(sessions)).Int("matched", matched).Msg("discovery sync complete")
	return nil
}

// enqueueDurably retries the persistence write once before giving up;
// an entry is not considered queued until the store accepted it.
func (b *Bridge) enqueueDurably(ctx context.Context, p registration.Pending) error {
	err := b.Store.Enqueue(ctx, p)
	if err == nil {
		return nil
	}
	b.Log.Warn().Err(err).Int64("session_id", p.SessionID).Msg("enqueue failed, retrying")
	return b.Store.Enqueue(ctx, p)
}

func (b *Bridge) matches(s pickup.Session, now time.Time) bool {
	local := s.Date.In(b.Calc.Loc)
	if !local.After(now) {
		return false
	}
	if local.After(now.AddDate(0, 0, b.Policy.Lookahead)) {
		return false
	}
	for _, wd := range b.Policy.Weekdays {
		if local.Weekday() == wd {
			return true
		}
	}
	return false
}
