// Package notify delivers human-readable status messages. Delivery is
// best effort: failures are logged here and never reach the scheduler.
package notify

import (
	"context"

	"github.com/rs/zerolog"
	tele "gopkg.in/telebot.v4"
)

type Notifier interface {
	Notify(ctx context.Context, text string, markdown bool)
}

// Telegram sends messages to a single configured chat.
type Telegram struct {
	bot    *tele.Bot
	chatID int64
	log    zerolog.Logger
}

func NewTelegram(bot *tele.Bot, chatID int64, log zerolog.Logger) *Telegram {
	return &Telegram{bot: bot, chatID: chatID, log: log.With().Str("component", "notify").Logger()}
}

func (t *Telegram) Notify(_ context.Context, text string, markdown bool) {
	if t.chatID == 0 {
		t.log.Warn().Msg("no chat id configured, message dropped")
		return
	}
	var opts []interface{}
	if markdown {
		opts = append(opts, tele.ModeMarkdown)
	}
	if _, err := t.bot.Send(&tele.Chat{ID: t.chatID}, text, opts...); err != nil {
		t.log.Error().Err(err).Msg("telegram send failed")
	}
}

// Logger is the fallback sink when no bot token is configured.
type Logger struct {
	log zerolog.Logger
}

func NewLogger(log zerolog.Logger) *Logger {
	return &Logger{log: log.With().Str("component", "notify").Logger()}
}

func (l *Logger) Notify(_ context.Context, text string, _ bool) {
	l.log.Info().Msg(text)
}
