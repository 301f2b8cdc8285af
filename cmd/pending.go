package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/pickup-scheduler/internal/buywindow"
	"github.com/example/pickup-scheduler/internal/config"
	"github.com/example/pickup-scheduler/internal/registration"
)

func newPendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Manage the pending-registration queue",
	}
	cmd.AddCommand(newPendingListCmd())
	cmd.AddCommand(newPendingAddCmd())
	cmd.AddCommand(newPendingRemoveCmd())
	return cmd
}

func newPendingListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued registrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			ctx := context.Background()
			store, _, closeStore, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			pending, err := store.List(ctx)
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Fprintln(os.Stdout, "queue is empty")
				return nil
			}
			for _, p := range pending {
				fmt.Fprintf(os.Stdout, "session=%-8d user=%-6d fires=%s status=%s attempts=%d\n",
					p.SessionID, p.UserID,
					p.OpensAt.In(cfg.BuyWindowZone).Format(time.RFC3339),
					p.Status, p.Attempts)
			}
			return nil
		},
	}
}

func newPendingAddCmd() *cobra.Command {
	var (
		sessionID   int64
		sessionDate string
		leadDays    int
		cost        float64
	)

	c := &cobra.Command{
		Use:   "add",
		Short: "Queue a registration by hand",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}

			date, err := time.ParseInLocation("2006-01-02T15:04", sessionDate, cfg.BuyWindowZone)
			if err != nil {
				return fmt.Errorf("--date: want YYYY-MM-DDTHH:MM, got %q", sessionDate)
			}

			ctx := context.Background()
			store, _, closeStore, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			calc := buywindow.New(cfg.BuyWindowHour, cfg.BuyWindowMinute, cfg.BuyWindowZone)
			opensAt := calc.OpenAt(date, leadDays)
			err = store.Enqueue(ctx, registration.Pending{
				SessionID:   sessionID,
				UserID:      cfg.UserID,
				SessionDate: date,
				OpensAt:     opensAt,
				Cost:        cost,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "queued session %d, fires %s\n", sessionID, opensAt.Format(time.RFC3339))
			return nil
		},
	}

	c.Flags().Int64Var(&sessionID, "session", 0, "session id")
	c.Flags().StringVar(&sessionDate, "date", "", "session date, YYYY-MM-DDTHH:MM in the buy-window zone")
	c.Flags().IntVar(&leadDays, "lead-days", 6, "minimum days before the session that buying opens")
	c.Flags().Float64Var(&cost, "cost", 0, "session cost")
	_ = c.MarkFlagRequired("session")
	_ = c.MarkFlagRequired("date")
	return c
}

func newPendingRemoveCmd() *cobra.Command {
	var sessionID int64

	c := &cobra.Command{
		Use:   "remove",
		Short: "Cancel a queued registration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			ctx := context.Background()
			store, _, closeStore, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			if err := store.Remove(ctx, sessionID, cfg.UserID); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "removed session %d\n", sessionID)
			return nil
		},
	}

	c.Flags().Int64Var(&sessionID, "session", 0, "session id")
	_ = c.MarkFlagRequired("session")
	return c
}
