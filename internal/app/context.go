package app

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"raidline/internal/artifacts"
	"raidline/internal/config"
	"raidline/internal/db"
	"raidline/internal/engine"
	"raidline/internal/migrate"
)

// Instance is an opened workspace: its database, config and engine.
type Instance struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
}

// Open migrates the workspace database and builds an engine over it. A
// missing raidline.yml falls back to the default config. Artifact paths are
// resolved under the workspace unless the config names an absolute root.
func Open(ctx context.Context, workspace string, logger zerolog.Logger) (*Instance, error) {
	if workspace == "" {
		workspace = "."
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	eng := engine.New(conn, cfg)
	eng.Artifacts = artifacts.NewOS(ArtifactRoot(workspace, cfg.Artifacts.Root))
	eng.Logger = logger.With().Str("instance", cfg.Instance).Logger()
	return &Instance{Workspace: workspace, DB: conn, Config: cfg, Engine: eng}, nil
}

func (i *Instance) Close() error {
	return i.DB.Close()
}

// ArtifactRoot resolves the configured artifact root against the workspace.
func ArtifactRoot(workspace, root string) string {
	if root == "" {
		root = "."
	}
	if filepath.IsAbs(root) {
		return root
	}
	return filepath.Join(workspace, root)
}
