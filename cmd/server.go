package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/pickup-scheduler/internal/bot"
	"github.com/example/pickup-scheduler/internal/buywindow"
	"github.com/example/pickup-scheduler/internal/config"
	"github.com/example/pickup-scheduler/internal/creds"
	"github.com/example/pickup-scheduler/internal/discovery"
	"github.com/example/pickup-scheduler/internal/notify"
	"github.com/example/pickup-scheduler/internal/pickup"
	"github.com/example/pickup-scheduler/internal/scheduler"
)

func newServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Run the discovery bridge, scheduler and Telegram bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			log := newLogger()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			store, d, closeStore, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			apiCreds := pickup.Credentials{Email: cfg.UserEmail, Password: cfg.UserPassword}
			if d != nil && cfg.CredsPassphrase != "" {
				aead, err := creds.NewFromPassphrase(cfg.CredsPassphrase)
				if err != nil {
					return err
				}
				stored, err := creds.NewService(d, aead).Get(ctx, cfg.UserID)
				if err == nil && stored.APIEmail != "" {
					apiCreds = pickup.Credentials{Email: stored.APIEmail, Password: stored.APIPassword}
				}
			}
			if apiCreds.Email == "" {
				return fmt.Errorf("no API credentials: set USER_EMAIL/USER_PASSWORD or store them via 'pickupsched user set'")
			}

			api := pickup.New(cfg.APIBaseURL, apiCreds, cfg.BuyWindowZone, log)
			calc := buywindow.New(cfg.BuyWindowHour, cfg.BuyWindowMinute, cfg.BuyWindowZone)

			var notifier notify.Notifier = notify.NewLogger(log)
			if cfg.TelegramToken != "" {
				tgBot, err := bot.New(cfg.TelegramToken, api, store, calc, cfg.UserID, log)
				if err != nil {
					return fmt.Errorf("telegram bot: %w", err)
				}
				notifier = notify.NewTelegram(tgBot.Telebot(), cfg.TelegramChatID, log)
				go tgBot.Start(ctx)
			}

			s := &scheduler.Scheduler{
				Store:          store,
				Executor:       buyExecutor{api: api},
				Notifier:       notifier,
				Log:            log.With().Str("component", "scheduler").Logger(),
				Interval:       cfg.PollInterval,
				MaxAttempts:    cfg.MaxAttempts,
				Backoff:        cfg.RetryBackoff,
				AttemptTimeout: cfg.AttemptTimeout,
			}
			schedErr := make(chan error, 1)
			go func() { schedErr <- s.Run(ctx) }()

			bridge := &discovery.Bridge{
				Directory: api,
				Store:     store,
				Calc:      calc,
				Notifier:  notifier,
				Policy: discovery.Policy{
					Weekdays:  cfg.TargetWeekdays,
					Lookahead: cfg.LookaheadDays,
					Mode:      cfg.DiscoveryMode,
				},
				UserID: cfg.UserID,
				Log:    log.With().Str("component", "discovery").Logger(),
			}
			if err := bridge.Start(ctx, cfg.DiscoveryCron); err != nil {
				return err
			}

			log.Info().
				Str("store", cfg.StoreBackend).
				Str("mode", cfg.DiscoveryMode).
				Dur("poll_interval", cfg.PollInterval).
				Msg("pickupsched running")

			select {
			case <-ctx.Done():
				return nil
			case err := <-schedErr:
				// Run only returns before shutdown when it could not
				// recover persisted state; that is fatal.
				if err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			}
		},
	}
}

// buyExecutor adapts the pickup client to the scheduler's executor.
type buyExecutor struct{ api *pickup.Client }

func (e buyExecutor) Execute(ctx context.Context, sessionID, userID int64) (scheduler.Result, error) {
	res, err := e.api.Buy(ctx, sessionID)
	if err != nil {
		return scheduler.Result{}, err
	}
	return scheduler.Result{Success: res.Success, Message: res.Message}, nil
}
