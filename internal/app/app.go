package app

import (
	"database/sql"
	"fmt"

	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/config"
	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/db"
	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/engine"
	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/migrate"
)

// App bundles what a CLI command needs to work against a workspace:
// the open database, the effective config, and an engine on top.
type App struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
}

// Open prepares the workspace at dir. Missing pieces are created on
// the way in: the .tower directory, the database schema, and an
// in-memory default config when no tower.yml exists yet.
func Open(dir string) (*App, error) {
	if _, err := db.EnsureWorkspace(dir); err != nil {
		return nil, fmt.Errorf("ensure workspace: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("tower")
	}
	return &App{
		Workspace: dir,
		DB:        conn,
		Config:    cfg,
		Engine:    engine.New(conn, cfg),
	}, nil
}

// Close releases the database handle.
func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
