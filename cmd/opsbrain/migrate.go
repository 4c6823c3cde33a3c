package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xela07ax/opsbrain/internal/infra"
	"github.com/xela07ax/opsbrain/internal/repository/postgres"
)

func migrateCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return errors.New("migrate: database.url is not set")
			}
			logger, err := infra.NewLogger(cfg.Logger)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if err := postgres.Migrate(ctx, cfg.Database.URL); err != nil {
				return err
			}
			logger.Info("migrations applied", zap.Duration("timeout", timeout))
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "migration timeout")
	return cmd
}
