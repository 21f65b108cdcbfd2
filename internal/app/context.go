package app

import (
	"database/sql"
	"fmt"
	"path/filepath"

	"envline/internal/config"
	"envline/internal/db"
	"envline/internal/driver"
	"envline/internal/engine"
	"envline/internal/migrate"
	"envline/internal/storage"
)

// App bundles the opened workspace: database, config, driver registry
// and the engine wired on top of them. Every CLI command and the serve
// entrypoint go through Open.
type App struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    *engine.Engine
}

// Open bootstraps a workspace. Missing envline.yml falls back to the
// default config so read commands work before config init.
func Open(workspace string) (*App, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, fmt.Errorf("ensure workspace: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	driversDir := cfg.Drivers.Dir
	if !filepath.IsAbs(driversDir) {
		driversDir = filepath.Join(workspace, driversDir)
	}
	filesDir := cfg.Storage.Dir
	if !filepath.IsAbs(filesDir) {
		filesDir = filepath.Join(workspace, filesDir)
	}
	files, err := storage.NewLocal(filesDir)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("file storage: %w", err)
	}
	registry := driver.NewRegistry(driversDir)
	return &App{
		Workspace: workspace,
		DB:        conn,
		Config:    cfg,
		Engine:    engine.New(conn, cfg, registry, files),
	}, nil
}

// Close releases the database handle.
func (a *App) Close() error {
	if a.DB != nil {
		return a.DB.Close()
	}
	return nil
}
