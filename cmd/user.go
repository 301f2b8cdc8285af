package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/pickup-scheduler/internal/config"
	"github.com/example/pickup-scheduler/internal/creds"
	"github.com/example/pickup-scheduler/internal/db"
	"github.com/example/pickup-scheduler/internal/migrate"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage stored API credentials (postgres backend only)",
	}
	cmd.AddCommand(newUserSetCmd())
	cmd.AddCommand(newUserShowCmd())
	return cmd
}

func openCredsService(ctx context.Context, cfg config.Config) (*creds.Service, func(), error) {
	if cfg.CredsPassphrase == "" {
		return nil, nil, fmt.Errorf("CREDS_PASSPHRASE is required (generate one with 'pickupsched keys')")
	}
	aead, err := creds.NewFromPassphrase(cfg.CredsPassphrase)
	if err != nil {
		return nil, nil, err
	}
	d, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Up(ctx, d); err != nil {
		d.Close()
		return nil, nil, err
	}
	return creds.NewService(d, aead), d.Close, nil
}

func newUserSetCmd() *cobra.Command {
	var email, password string

	c := &cobra.Command{
		Use:   "set",
		Short: "Store remote API credentials, password encrypted at rest",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			ctx := context.Background()
			svc, closeDB, err := openCredsService(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeDB()

			if err := svc.EnsureUser(ctx, cfg.UserID, email); err != nil {
				return err
			}
			err = svc.Update(ctx, creds.Credentials{
				UserID:      cfg.UserID,
				APIEmail:    email,
				APIPassword: password,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "stored credentials for user %d (%s)\n", cfg.UserID, email)
			return nil
		},
	}

	c.Flags().StringVar(&email, "email", "", "remote API login email")
	c.Flags().StringVar(&password, "password", "", "remote API password")
	_ = c.MarkFlagRequired("email")
	_ = c.MarkFlagRequired("password")
	return c
}

func newUserShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show stored credentials (password redacted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			ctx := context.Background()
			svc, closeDB, err := openCredsService(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeDB()

			c, err := svc.Get(ctx, cfg.UserID)
			if err != nil {
				return err
			}
			masked := "(not set)"
			if c.APIPassword != "" {
				masked = "********"
			}
			fmt.Fprintf(os.Stdout, "user=%d email=%s password=%s updated=%s\n",
				c.UserID, c.APIEmail, masked, c.UpdatedAt.Format("2006-01-02 15:04"))
			return nil
		},
	}
}
