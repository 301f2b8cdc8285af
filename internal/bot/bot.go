// Package bot is the Telegram command surface: listing sessions,
// showing queue status and the yes/no opt-in flow. It stays thin; all
// queue semantics live in the store and scheduler.
package bot

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	tele "gopkg.in/telebot.v4"

	"github.com/example/pickup-scheduler/internal/buywindow"
	"github.com/example/pickup-scheduler/internal/pickup"
	"github.com/example/pickup-scheduler/internal/registration"
)

type Bot struct {
	tb     *tele.Bot
	api    *pickup.Client
	store  registration.Store
	calc   buywindow.Calculator
	userID int64
	log    zerolog.Logger
}

func New(token string, api *pickup.Client, store registration.Store, calc buywindow.Calculator, userID int64, log zerolog.Logger) (*Bot, error) {
	tb, err := tele.NewBot(tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &Bot{
		tb:     tb,
		api:    api,
		store:  store,
		calc:   calc,
		userID: userID,
		log:    log.With().Str("component", "bot").Logger(),
	}, nil
}

// Telebot exposes the underlying bot so the notifier can share it.
func (b *Bot) Telebot() *tele.Bot { return b.tb }

// Start registers handlers and long-polls until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) {
	_ = b.tb.SetCommands([]tele.Command{
		{Text: "start", Description: "Initialize the bot"},
		{Text: "sessions", Description: "Show upcoming sessions"},
		{Text: "status", Description: "Show queued registrations"},
		{Text: "help", Description: "Show help"},
	})

	b.tb.Handle("/start", b.handleStart)
	b.tb.Handle("/help", b.handleHelp)
	b.tb.Handle("/sessions", b.handleSessions)
	b.tb.Handle("/status", b.handleStatus)
	b.tb.Handle(tele.OnText, b.handleText)

	go func() {
		<-ctx.Done()
		b.tb.Stop()
	}()
	b.tb.Start()
}

func (b *Bot) handleStart(c tele.Context) error {
	b.log.Info().Int64("chat_id", c.Chat().ID).Msg("/start")
	return c.Send(strings.Join([]string{
		"🏒 Welcome to the pickup scheduler!",
		"",
		"I watch the session directory and buy your spot the moment",
		"each buy window opens.",
		"",
		"• /sessions — upcoming sessions",
		"• /status — what is queued",
		"• /help — all commands",
	}, "\n"))
}

func (b *Bot) handleHelp(c tele.Context) error {
	return c.Send(strings.Join([]string{
		"Commands:",
		"• /sessions — upcoming sessions with their buy windows",
		"• /status — queued registrations",
		"",
		"Reply 'yes <session id>' to queue a registration,",
		"'no <session id>' to cancel one.",
	}, "\n"))
}

func (b *Bot) handleSessions(c tele.Context) error {
	sessions, err := b.api.Sessions(context.Background())
	if err != nil {
		b.log.Error().Err(err).Msg("listing sessions failed")
		return c.Send("❌ Could not reach the session directory, try again later.")
	}
	if len(sessions) == 0 {
		return c.Send("ℹ️ No upcoming sessions found.")
	}

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Date.Before(sessions[j].Date) })
	if len(sessions) > 5 {
		sessions = sessions[:5]
	}

	var sb strings.Builder
	sb.WriteString("📅 Upcoming sessions:\n")
	for _, s := range sessions {
		opensAt := b.calc.OpenAt(s.Date, s.BuyDayMinimum)
		note := s.Note
		if note == "" {
			note = "no note"
		}
		fmt.Fprintf(&sb, "\n#%d — %s ($%.2f, %s)\n   buy window opens %s\n",
			s.ID, s.Date.Format("Mon Jan 2 15:04"), s.Cost, note,
			opensAt.In(b.calc.Loc).Format("Mon Jan 2 15:04"))
	}
	sb.WriteString("\nReply 'yes <id>' to queue auto-registration.")
	return c.Send(sb.String())
}

func (b *Bot) handleStatus(c tele.Context) error {
	pending, err := b.store.List(context.Background())
	if err != nil {
		b.log.Error().Err(err).Msg("listing queue failed")
		return c.Send("❌ Could not read the registration queue.")
	}
	if len(pending) == 0 {
		return c.Send("ℹ️ Nothing queued.")
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].OpensAt.Before(pending[j].OpensAt) })
	var sb strings.Builder
	fmt.Fprintf(&sb, "⏳ %d queued registration(s):\n", len(pending))
	for _, p := range pending {
		fmt.Fprintf(&sb, "\n#%d — session %s, fires %s (%s, attempts %d)",
			p.SessionID,
			p.SessionDate.Format("Mon Jan 2"),
			p.OpensAt.In(b.calc.Loc).Format("Mon Jan 2 15:04"),
			p.Status, p.Attempts)
	}
	return c.Send(sb.String())
}

// handleText implements the opt-in replies: "yes 42" queues session 42,
// "no 42" cancels it.
func (b *Bot) handleText(c tele.Context) error {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(c.Text())))
	if len(fields) != 2 {
		return nil
	}
	verb := fields[0]
	if verb != "yes" && verb != "no" {
		return nil
	}
	sessionID, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return c.Send("I didn't catch that session id, use e.g. 'yes 42'.")
	}

	ctx := context.Background()
	if verb == "no" {
		if err := b.store.Remove(ctx, sessionID, b.userID); err != nil {
			b.log.Error().Err(err).Int64("session_id", sessionID).Msg("cancel failed")
			return c.Send("❌ Could not cancel, try again.")
		}
		return c.Send(fmt.Sprintf("🗑 Session %d removed from the queue.", sessionID))
	}

	d, err := b.api.SessionDetails(ctx, sessionID)
	if err != nil {
		b.log.Error().Err(err).Int64("session_id", sessionID).Msg("session lookup failed")
		return c.Send(fmt.Sprintf("❌ Could not find session %d.", sessionID))
	}

	opensAt := b.calc.OpenAt(d.Date, d.BuyDayMinimum)
	err = b.store.Enqueue(ctx, registration.Pending{
		SessionID:   d.ID,
		UserID:      b.userID,
		SessionDate: d.Date,
		OpensAt:     opensAt,
		Cost:        d.Cost,
	})
	if err != nil {
		b.log.Error().Err(err).Int64("session_id", sessionID).Msg("enqueue failed")
		return c.Send("❌ Could not queue that session, try again.")
	}
	return c.Send(fmt.Sprintf("✅ Queued! I'll register you for session %d when the window opens on %s.",
		d.ID, opensAt.In(b.calc.Loc).Format("Mon Jan 2 15:04")))
}
