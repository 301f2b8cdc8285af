package cmd

import (
	"context"
	"fmt"

	"github.com/example/pickup-scheduler/internal/config"
	"github.com/example/pickup-scheduler/internal/db"
	"github.com/example/pickup-scheduler/internal/migrate"
	"github.com/example/pickup-scheduler/internal/registration"
)

// openStore builds the configured store backend. The *db.DB is nil for
// the file backend; the cleanup func is always safe to call once.
func openStore(ctx context.Context, cfg config.Config) (registration.Store, *db.DB, func(), error) {
	if cfg.StoreBackend == "file" {
		if err := registration.EnsureDir(cfg.StorePath); err != nil {
			return nil, nil, nil, err
		}
		s, err := registration.NewFileStore(cfg.StorePath)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, nil, func() {}, nil
	}

	d, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := d.Ping(ctx); err != nil {
		d.Close()
		return nil, nil, nil, fmt.Errorf("db ping: %w", err)
	}
	if err := migrate.Up(ctx, d); err != nil {
		d.Close()
		return nil, nil, nil, err
	}
	return registration.NewPgStore(d), d, d.Close, nil
}
