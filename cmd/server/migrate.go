package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"vpcal-service/internal/config"
	"vpcal-service/internal/store/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cfg.Database.URL == "" {
			return errors.New("DATABASE_URL required")
		}
		ctx := context.Background()
		pool, err := postgres.Open(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to db: %w", err)
		}
		defer pool.Close()

		version, err := postgres.Migrate(ctx, pool)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
		return nil
	},
}
