package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/stockpilot/internal/api"
	"github.com/kiranshivaraju/stockpilot/internal/api/handler"
	mw "github.com/kiranshivaraju/stockpilot/internal/api/middleware"
	"github.com/kiranshivaraju/stockpilot/internal/catalog"
	"github.com/kiranshivaraju/stockpilot/internal/config"
	"github.com/kiranshivaraju/stockpilot/internal/jobs"
	"github.com/kiranshivaraju/stockpilot/internal/store"
	"github.com/kiranshivaraju/stockpilot/internal/worker"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

type serveOptions struct {
	migrationsDir   string
	skipMigrations  bool
	embeddedWorkers bool
}

var serveOpts serveOptions

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long: `Start the HTTP API. Jobs are dispatched to the configured broker; with
--embedded-workers the same process also consumes them.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context(), serveOpts)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveOpts.migrationsDir, "migrations", "migrations", "Directory of SQL migrations applied on startup")
	serveCmd.Flags().BoolVar(&serveOpts.skipMigrations, "skip-migrations", false, "Do not apply migrations on startup")
	serveCmd.Flags().BoolVar(&serveOpts.embeddedWorkers, "embedded-workers", false, "Run the worker pool inside the API process")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, opts serveOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.embeddedWorkers {
		cfg.Server.EmbeddedWorkers = true
	}
	logger := setupLogger(cfg.Server.LogLevel)
	logger.Info("config loaded", "env", cfg.Server.Env, "broker", cfg.Broker.Kind,
		"embedded_workers", cfg.Server.EmbeddedWorkers)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, cfg, logger, cfg.Server.EmbeddedWorkers)
	if err != nil {
		return err
	}
	defer a.close()

	if !opts.skipMigrations {
		if err := store.RunMigrations(cfg.Database.URL, opts.migrationsDir); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		logger.Info("database migrations applied")
	}

	var pool *worker.Pool
	if cfg.Server.EmbeddedWorkers {
		if pool, err = a.newWorkerPool(); err != nil {
			return err
		}
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.NewRouter(a.dependencies()),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received, draining connections...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if pool != nil {
		g.Go(func() error { return pool.Run(gctx) })
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped gracefully")
	return nil
}

// dependencies wires the services, middleware and handlers of the API.
func (a *app) dependencies() api.Dependencies {
	jobSvc := jobs.NewService(a.store, a.broker, a.logger)
	catalogSvc := catalog.NewService(a.store, a.cache, a.logger)

	return api.Dependencies{
		Auth:      mw.NewAuth(a.store),
		RateLimit: mw.NewRateLimit(a.cache, a.cfg.Server.RateLimitPerMin),

		HealthHandler:         healthHandler(a.store, a.cache, a.broker),
		UploadSalesHandler:    handler.NewUploadSalesHandler(jobSvc, handler.DefaultMaxUploadBytes),
		SubmitForecastHandler: handler.NewSubmitForecastHandler(jobSvc),
		GetJobHandler:         handler.NewGetJobHandler(jobSvc),
		ListJobsHandler:       handler.NewListJobsHandler(jobSvc),
		WatchJobHandler:       handler.NewWatchJobHandler(jobSvc, a.cache),
		DashboardHandler:      handler.NewDashboardHandler(a.newDashboardService()),

		CreateProductHandler: handler.NewCreateProductHandler(catalogSvc),
		ListProductsHandler:  handler.NewListProductsHandler(catalogSvc),
		GetProductHandler:    handler.NewGetProductHandler(catalogSvc),
		UpdateProductHandler: handler.NewUpdateProductHandler(catalogSvc),
		DeleteProductHandler: handler.NewDeleteProductHandler(catalogSvc),
	}
}
