package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xela07ax/opsbrain/internal/infra"
	"github.com/xela07ax/opsbrain/internal/repository/postgres"
)

func serveCmd() *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, schedulers and the event bus consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := infra.NewLogger(cfg.Logger)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if migrate && cfg.Database.URL != "" {
				if err := postgres.Migrate(cmd.Context(), cfg.Database.URL); err != nil {
					return err
				}
				logger.Info("migrations applied")
			}

			// Сигнал только инициирует остановку; сами компоненты живут на отдельном контексте
			sigCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := build(context.Background(), cfg, logger)
			if err != nil {
				logger.Error("bootstrap failed", zap.Error(err))
				return err
			}
			return a.run(sigCtx)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply database migrations before start")
	return cmd
}
