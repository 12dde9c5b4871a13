package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"rolegate/internal/config"
	"rolegate/internal/db"
	"rolegate/internal/engine"
	"rolegate/internal/fsutil"
	"rolegate/internal/handler"
	"rolegate/internal/logging"
	"rolegate/internal/metrics"
	"rolegate/internal/migrate"
)

// Workspace is an opened rolegate workspace: config, migrated database, and
// an engine with handlers wired from the role config.
type Workspace struct {
	Dir     string
	Config  *config.Config
	DB      *sql.DB
	Engine  engine.Engine
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

type OpenOptions struct {
	Dir     string
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Optional allows a workspace without rolegate.yml, using defaults.
	Optional bool
}

// Open loads config from dir, migrates the state database, and builds the
// engine. Callers must Close the workspace.
func Open(ctx context.Context, opts OpenOptions) (*Workspace, error) {
	dir := opts.Dir
	if dir == "" {
		dir = "."
	}
	log := logging.OrNop(opts.Logger)
	load := config.Load
	if opts.Optional {
		load = config.LoadOptional
	}
	cfg, err := load(dir)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{StateDir: cfg.StateDir(dir)})
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e, err := engine.New(ctx, conn, cfg, engine.Options{Workspace: dir, Logger: log, Metrics: opts.Metrics})
	if err != nil {
		conn.Close()
		return nil, err
	}
	for role, h := range handler.FromConfig(cfg, dir, log) {
		e.Handlers[role] = h
	}
	log.Debug("workspace opened", zap.String("dir", dir), zap.String("project", cfg.Project.ID),
		zap.Int("handlers", len(e.Handlers)))
	return &Workspace{Dir: dir, Config: cfg, DB: conn, Engine: e, Metrics: opts.Metrics, Logger: log}, nil
}

func (w *Workspace) Close() error {
	if w == nil || w.DB == nil {
		return nil
	}
	return w.DB.Close()
}

// Init writes a default rolegate.yml and creates the state and artifact
// directories. An existing config is kept unless force is set.
func Init(dir, projectID string, force bool) (string, error) {
	if dir == "" {
		dir = "."
	}
	if projectID == "" {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return "", err
		}
		projectID = filepath.Base(abs)
	}
	path := config.Path(dir)
	if _, err := os.Stat(path); err == nil && !force {
		return path, fmt.Errorf("%s already exists; use --force to overwrite", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return path, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return path, err
	}
	body := config.GenerateDefault(projectID)
	cfg, err := config.FromYAML([]byte(body))
	if err != nil {
		return path, fmt.Errorf("default config: %w", err)
	}
	if err := fsutil.WriteFileAtomic(path, []byte(body), 0o644); err != nil {
		return path, err
	}
	if _, err := db.EnsureStateDir(cfg.StateDir(dir)); err != nil {
		return path, err
	}
	return path, os.MkdirAll(cfg.ArtifactsDir(dir), 0o755)
}
