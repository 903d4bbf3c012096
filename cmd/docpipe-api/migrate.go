package main

import (
	"context"

	"github.com/carbontrack/docpipeline/internal/queue/maintenance"
	"github.com/carbontrack/docpipeline/internal/store"
	"github.com/carbontrack/docpipeline/pkg/migrations"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate the db",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, flush, err := setup()
		if err != nil {
			return err
		}
		defer flush()

		zap.S().Info("Initializing data store")
		db, err := store.InitDB(cfg)
		if err != nil {
			zap.S().Fatalw("initializing data store", "error", err)
		}

		s := store.NewStore(db)
		defer s.Close()

		var pool *pgxpool.Pool
		if isPostgres(cfg) {
			pool, err = maintenance.NewPool(context.Background(), cfg)
			if err != nil {
				zap.S().Fatalw("creating pgx pool", "error", err)
			}
			defer pool.Close()
		}

		if err := migrations.MigrateStore(db, cfg.Service.MigrationFolder, pool); err != nil {
			zap.S().Fatalw("running migrations", "error", err)
		}

		version, err := migrations.Version(db)
		if err != nil {
			return err
		}
		zap.S().Infow("Db migrated", "version", version)
		return nil
	},
}
