package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/stevedimarzio/tidal-mcp/internal/repositories"
	"github.com/stevedimarzio/tidal-mcp/internal/shared"
	"github.com/stevedimarzio/tidal-mcp/internal/ui"
	"github.com/urfave/cli/v3"
)

// Setup writes the config file if needed, then creates the storage directory, the
// encryption key and, for the sqlite backend, the migrated database.
func (r *Runner) Setup(ctx context.Context, cmd *cli.Command) error {
	configPath := cmp.Or(cmd.String("config"), r.configPath, "config.toml")

	if cmd.Bool("force") {
		if err := os.Remove(configPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove config file: %w", err)
		}
	}

	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		r.logger.Info("config file not found, creating from template", "path", configPath)
		if err := shared.CreateConfigFile(configPath); err != nil {
			return err
		}
	} else {
		r.logger.Info("using existing config file", "path", configPath)
	}

	config, err := shared.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := config.ApplyEnv(r.getenv); err != nil {
		return err
	}
	if err := config.Validate(); err != nil {
		return err
	}
	r.config, r.configPath = config, configPath

	r.logger.Info("initializing session store", "backend", config.Storage.Backend, "dir", config.StorageDir())
	store, err := repositories.Open(ctx, config, r.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize session store: %w", err)
	}
	if cmd.Bool("rollback") {
		return errors.Join(r.rollback(ctx, store), store.Close())
	}
	if err := store.Close(); err != nil {
		return err
	}

	r.writePlain("%s\n", ui.Success("✓ Setup complete"))
	r.writePlain("Config:   %s\n", configPath)
	r.writePlain("Storage:  %s (%s)\n", config.StorageDir(), config.Storage.Backend)
	r.writePlainln("Next steps:")
	if config.Tidal.ClientID == "" || config.Tidal.ClientID == "your_tidal_client_id" {
		r.writePlain("1. Set tidal.client_id and tidal.client_secret in %s\n", configPath)
	} else {
		r.writePlain("1. TIDAL client id is configured\n")
	}
	r.writePlain("2. Run 'tidal-mcp login --wait' to authorize a session\n")
	return nil
}

// rollback undoes the most recent schema migration of a sqlite store.
func (r *Runner) rollback(ctx context.Context, store repositories.SessionStore) error {
	sq, ok := store.(*repositories.SQLiteStore)
	if !ok {
		return fmt.Errorf("%w: --rollback requires the sqlite storage backend", shared.ErrInvalidArgument)
	}
	if err := shared.RollbackMigration(ctx, sq.DB()); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrStorage, err)
	}
	r.writePlain("%s\n", ui.Success("✓ Rolled back the latest schema migration"))
	return nil
}
