package main

import (
	"github.com/SDU-eScience/UCloud-sub028/internal/config"
	"github.com/SDU-eScience/UCloud-sub028/internal/store"
	"github.com/SDU-eScience/UCloud-sub028/pkg/migrations"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate the db",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New()
		if err != nil {
			zap.S().Fatalw("reading configuration", "error", err)
		}

		undo := setupLogging(cfg)
		defer undo()

		defer zap.S().Info("Db migrated")

		zap.S().Info("Initializing data store")
		db, err := store.InitDB(cfg)
		if err != nil {
			zap.S().Fatalw("initializing data store", "error", err)
		}

		store := store.NewStore(db)
		defer store.Close()

		if cfg.Service.MigrationFolder == "" {
			if err := store.InitialMigration(cmd.Context()); err != nil {
				zap.S().Fatalw("running initial migration", "error", err)
			}
			return nil
		}

		if err := migrations.MigrateStore(cmd.Context(), db, cfg); err != nil {
			zap.S().Fatalw("running migrations", "error", err)
		}

		return nil
	},
}
