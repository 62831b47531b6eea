package app

import (
	"database/sql"
	"fmt"

	"pharmaline/internal/config"
	"pharmaline/internal/db"
	"pharmaline/internal/engine"
	"pharmaline/internal/events"
	"pharmaline/internal/metrics"
	"pharmaline/internal/migrate"
)

// Open prepares the workspace, opens the database, runs migrations and
// loads plant config. Callers own closing the returned connection.
func Open(workspace string) (*sql.DB, *config.Config, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, cfg, nil
}

// NewEngine wires a fully equipped engine for the server: live event
// bus plus prometheus collectors. CLI one-shot commands use
// engine.New directly.
func NewEngine(conn *sql.DB, cfg *config.Config) engine.Engine {
	e := engine.New(conn, cfg)
	e.Events.Bus = events.NewBus()
	e.Metrics = metrics.New()
	return e
}
