package app

import (
	"database/sql"

	"taskfleet/internal/config"
	"taskfleet/internal/db"
	"taskfleet/internal/engine"
	"taskfleet/internal/migrate"
)

// App bundles the open database, engine, and workspace config that every
// CLI command needs.
type App struct {
	Workspace string
	DB        *sql.DB
	Engine    engine.Engine
	Config    *config.Config
}

// Open prepares the workspace: database opened, schema migrated, config
// loaded (defaults when taskfleet.yml is absent).
func Open(workspace string) (*App, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &App{
		Workspace: workspace,
		DB:        conn,
		Engine:    engine.New(conn),
		Config:    cfg,
	}, nil
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
