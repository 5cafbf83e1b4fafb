package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kiranshivaraju/stockpilot/internal/config"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume ingestion and forecast jobs from the broker",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runWorker(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Broker.Kind == "memory" {
		return errors.New("the memory broker is process-local; use serve --embedded-workers")
	}
	logger := setupLogger(cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.close()

	pool, err := a.newWorkerPool()
	if err != nil {
		return err
	}
	if err := pool.Run(ctx); err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}

	m := pool.Metrics()
	logger.Info("worker stopped", "processed", m.Processed, "failed", m.Failed,
		"released", m.Released, "panics", m.Panics)
	return nil
}
