package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/stockpilot/internal/api/response"
	"github.com/kiranshivaraju/stockpilot/internal/cache"
	"github.com/kiranshivaraju/stockpilot/internal/config"
	"github.com/kiranshivaraju/stockpilot/internal/dashboard"
	"github.com/kiranshivaraju/stockpilot/internal/forecast"
	"github.com/kiranshivaraju/stockpilot/internal/queue"
	"github.com/kiranshivaraju/stockpilot/internal/store"
	"github.com/kiranshivaraju/stockpilot/internal/tasks"
	"github.com/kiranshivaraju/stockpilot/internal/worker"
	"github.com/redis/go-redis/v9"
)

// app holds the process-wide resources shared by the serve and worker commands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	pool   *pgxpool.Pool
	store  *store.PostgresStore
	cache  *cache.RedisCache
	redis  *redis.Client
	broker queue.Broker
	engine *forecast.Engine
}

// bootstrap connects every dependency in order and fails fast on the first
// error. consume selects whether the broker registers as a consumer.
func bootstrap(ctx context.Context, cfg *config.Config, logger *slog.Logger, consume bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.pool = pool
	a.store = store.NewPostgresStore(pool)
	logger.Info("database connected")

	rc, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("create redis cache: %w", err)
	}
	a.cache = rc
	if err := a.cache.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("redis connected")

	broker, err := a.openBroker(ctx, consume)
	if err != nil {
		return nil, fmt.Errorf("open %s broker: %w", cfg.Broker.Kind, err)
	}
	a.broker = broker
	logger.Info("broker ready", "kind", cfg.Broker.Kind)

	predictor, err := loadPredictor(ctx, cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	engine, err := forecast.NewEngine(predictor, forecast.WithRecursive(cfg.Forecast.Recursive))
	if err != nil {
		return nil, fmt.Errorf("create forecast engine: %w", err)
	}
	a.engine = engine
	logger.Info("model loaded",
		"kind", cfg.Model.Kind,
		"version", modelVersion(predictor),
		"features", len(predictor.Features()),
		"recursive", cfg.Forecast.Recursive)

	ok = true
	return a, nil
}

func (a *app) openBroker(ctx context.Context, consume bool) (queue.Broker, error) {
	b := a.cfg.Broker
	switch b.Kind {
	case "rabbitmq":
		broker, err := queue.DialAMQP(b.AMQPURL, queue.AMQPOptions{
			Queue:              b.AMQPQueue,
			DeadLetterExchange: b.AMQPDeadLetter,
			Prefetch:           a.cfg.Worker.Concurrency,
			PublishOnly:        !consume,
		})
		if err != nil {
			return nil, err
		}
		return broker, nil
	case "memory":
		return queue.NewMemoryBroker(queue.WithVisibilityTimeout(b.VisibilityTimeout)), nil
	default:
		opts, err := redis.ParseURL(a.cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		a.redis = redis.NewClient(opts)
		broker, err := queue.NewRedisBroker(ctx, a.redis, queue.RedisOptions{
			Stream:            b.Stream,
			Group:             b.Group,
			Consumer:          consumerName(),
			DeadLetterStream:  b.DeadLetterStream,
			DeadLetterMaxLen:  int64(b.DeadLetterMaxLen),
			VisibilityTimeout: b.VisibilityTimeout,
			BlockTimeout:      b.BlockTimeout,
		})
		if err != nil {
			return nil, err
		}
		return broker, nil
	}
}

func loadPredictor(ctx context.Context, cfg config.ModelConfig) (forecast.Predictor, error) {
	if cfg.Kind != "http" {
		m, err := forecast.LoadFileModel(cfg.Path, cfg.FeaturesPath)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	var features []string
	if cfg.FeaturesPath != "" {
		var err error
		if features, err = forecast.LoadFeatureList(cfg.FeaturesPath); err != nil {
			return nil, err
		}
	}
	p, err := forecast.NewRemotePredictor(ctx, cfg.RemoteURL, features, cfg.RemoteTimeout)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// modelVersion reports the artefact version of file models.
func modelVersion(p forecast.Predictor) string {
	if v, ok := p.(interface{ Version() string }); ok {
		return v.Version()
	}
	return "remote"
}

// newWorkerPool registers one handler per job kind on a pool over the app's broker.
func (a *app) newWorkerPool() (*worker.Pool, error) {
	w := a.cfg.Worker
	pool, err := worker.NewPool(a.broker, worker.Config{
		Concurrency:     w.Concurrency,
		TaskTimeout:     w.TaskTimeout,
		ShutdownTimeout: w.ShutdownTimeout,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	pool.Register(queue.KindIngestSales, tasks.NewIngestTask(a.store, a.cache, w.Lease, a.logger))
	pool.Register(queue.KindForecast, tasks.NewForecastTask(a.store, a.cache, a.engine, a.cfg.Forecast, w.Lease, a.logger))
	return pool, nil
}

func (a *app) newDashboardService() *dashboard.Service {
	return dashboard.NewService(a.store, a.cache, a.engine, a.cfg.Forecast, a.logger)
}

func (a *app) close() {
	if a.broker != nil {
		if err := a.broker.Close(); err != nil && !errors.Is(err, queue.ErrClosed) {
			a.logger.Warn("close broker", "error", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func consumerName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database, cache and broker connectivity.
func healthHandler(db, c, b pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
			"broker":   "ok",
		}
		degraded := false
		for name, p := range map[string]pinger{"database": db, "cache": c, "broker": b} {
			if err := p.Ping(r.Context()); err != nil {
				slog.Warn("health check failed", "service", name, "error", err)
				checks[name] = "degraded"
				degraded = true
			}
		}

		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
