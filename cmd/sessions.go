package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/example/pickup-scheduler/internal/buywindow"
	"github.com/example/pickup-scheduler/internal/config"
	"github.com/example/pickup-scheduler/internal/pickup"
)

func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List upcoming sessions and their buy windows",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			log := newLogger()

			api := pickup.New(cfg.APIBaseURL, pickup.Credentials{Email: cfg.UserEmail, Password: cfg.UserPassword}, cfg.BuyWindowZone, log)
			calc := buywindow.New(cfg.BuyWindowHour, cfg.BuyWindowMinute, cfg.BuyWindowZone)

			sessions, err := api.Sessions(context.Background())
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(os.Stdout, "no upcoming sessions")
				return nil
			}

			sort.Slice(sessions, func(i, j int) bool { return sessions[i].Date.Before(sessions[j].Date) })
			for _, s := range sessions {
				opensAt := calc.OpenAt(s.Date, s.BuyDayMinimum)
				fmt.Fprintf(os.Stdout, "%-8d %-22s $%-8.2f window opens %s\n",
					s.ID,
					s.Date.In(cfg.BuyWindowZone).Format("Mon Jan 2 15:04"),
					s.Cost,
					opensAt.Format("Mon Jan 2 15:04"))
			}
			return nil
		},
	}
}
