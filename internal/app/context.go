package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"ppscore/internal/config"
	"ppscore/internal/db"
	"ppscore/internal/engine"
	"ppscore/internal/migrate"
)

// Context bundles the open workspace: database, config and the engine built on them.
type Context struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
	Logger    *slog.Logger
}

// Open opens (creating if needed) the workspace database, applies pending
// migrations and loads pps.yml, falling back to defaults when it is absent.
func Open(ctx context.Context, workspace string, logger *slog.Logger) (*Context, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	eng := engine.New(conn, cfg)
	eng.Logger = logger
	if _, err := eng.CheckGraph(ctx); err != nil {
		logger.Warn("dependency graph is not acyclic", "err", err)
	}
	logger.Debug("workspace opened", "workspace", workspace, "db", db.Path(workspace))
	return &Context{
		Workspace: workspace,
		DB:        conn,
		Config:    cfg,
		Engine:    eng,
		Logger:    logger,
	}, nil
}

func (c *Context) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}

// ParseLevel maps a config level name to slog; unknown names mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// NewLogger builds the process logger: JSON for the server, text for the CLI.
func NewLogger(w io.Writer, level string, asJSON bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if asJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
