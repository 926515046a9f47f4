// Package app wires a workspace database, the ticketing gateway, the engine
// and the reconciler from a loaded configuration.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"onboardline/internal/config"
	"onboardline/internal/db"
	"onboardline/internal/engine"
	"onboardline/internal/jira"
	"onboardline/internal/migrate"
	"onboardline/internal/reconcile"
)

type App struct {
	DB         *sql.DB
	Config     *config.Config
	Gateway    *jira.Client
	Engine     engine.Engine
	Reconciler *reconcile.Reconciler
	Logger     *slog.Logger
}

// Open opens (creating if needed) the workspace database, applies pending
// migrations and builds the services on top of it.
func Open(ctx context.Context, workspace string, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		d := config.Default()
		cfg = &d
	}
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open workspace %s: %w", workspace, err)
	}
	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if applied > 0 {
		logger.Debug("applied migrations", "count", applied, "db", db.Path(workspace))
	}

	gw := jira.New(cfg.Gateway())
	e := engine.New(conn, gw)
	e.Logger = logger
	rec := reconcile.New(conn, gw)
	rec.Logger = logger
	rec.Workers = cfg.Sync.Workers

	return &App{
		DB:         conn,
		Config:     cfg,
		Gateway:    gw,
		Engine:     e,
		Reconciler: rec,
		Logger:     logger,
	}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}
