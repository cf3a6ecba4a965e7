// Package store selects the session store backend from configuration.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"marketsim/internal/config"
	"marketsim/internal/db"
	"marketsim/internal/game"
	"marketsim/internal/store/memory"
	"marketsim/internal/store/postgres"
)

// Open returns the configured store and a close function. The Postgres schema is
// applied on open.
func Open(ctx context.Context, cfg config.CoreConfig, logger *slog.Logger) (game.Store, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Store {
	case config.StoreMemory:
		logger.Warn("using in-memory session store; state is lost on exit")
		return memory.New(), func() {}, nil
	case config.StorePostgres:
		pool, err := db.Connect(ctx, cfg.DatabaseURL, db.DefaultPoolConfig())
		if err != nil {
			return nil, nil, err
		}
		pg := postgres.New(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return pg, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}
