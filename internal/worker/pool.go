// Package worker runs queue consumers and dispatches tasks to handlers by kind.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/kiranshivaraju/stockpilot/internal/queue"
	"golang.org/x/sync/errgroup"
)

// Handler executes one task. Returning nil acks the delivery, queue.ErrRetryLater
// hands it back to the broker, any other error rejects it.
type Handler interface {
	Handle(ctx context.Context, task queue.Task) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task queue.Task) error

func (f HandlerFunc) Handle(ctx context.Context, task queue.Task) error { return f(ctx, task) }

// Config represents pool configuration.
type Config struct {
	Concurrency     int
	TaskTimeout     time.Duration
	ShutdownTimeout time.Duration
	// ErrorBackoff is the pause after a failed Dequeue.
	ErrorBackoff time.Duration
}

// Validate validates configuration.
func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return errors.New("concurrency must be greater than 0")
	}
	if c.TaskTimeout < 0 || c.ShutdownTimeout < 0 {
		return errors.New("timeouts must be greater than or equal to 0")
	}
	return nil
}

// Metrics tracks the pool's operational counters.
type Metrics struct {
	Active    atomic.Int64
	Processed atomic.Int64
	Failed    atomic.Int64
	Released  atomic.Int64
	Panics    atomic.Int64
}

// Snapshot is a point-in-time copy of Metrics.
type Snapshot struct {
	Active    int64 `json:"active"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Released  int64 `json:"released"`
	Panics    int64 `json:"panics"`
}

// Pool consumes a broker with a fixed number of goroutines.
type Pool struct {
	broker   queue.Broker
	cfg      Config
	handlers map[queue.Kind]Handler
	logger   *slog.Logger
	metrics  Metrics
}

func NewPool(broker queue.Broker, cfg Config, logger *slog.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		broker:   broker,
		cfg:      cfg,
		handlers: make(map[queue.Kind]Handler),
		logger:   logger,
	}, nil
}

// Register binds a handler to a task kind. It must be called before Run.
func (p *Pool) Register(kind queue.Kind, h Handler) {
	p.handlers[kind] = h
}

// Metrics returns the current counters.
func (p *Pool) Metrics() Snapshot {
	return Snapshot{
		Active:    p.metrics.Active.Load(),
		Processed: p.metrics.Processed.Load(),
		Failed:    p.metrics.Failed.Load(),
		Released:  p.metrics.Released.Load(),
		Panics:    p.metrics.Panics.Load(),
	}
}

// Run consumes until ctx is cancelled or the broker closes. In-flight tasks are
// allowed to finish for up to ShutdownTimeout after ctx is done; tasks cut off
// there stay unacked and are redelivered by the broker.
func (p *Pool) Run(ctx context.Context) error {
	taskCtx, cancelTasks := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelTasks()

	stopDrain := context.AfterFunc(ctx, func() {
		if p.cfg.ShutdownTimeout <= 0 {
			return
		}
		timer := time.NewTimer(p.cfg.ShutdownTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			p.logger.Warn("shutdown timeout reached, abandoning in-flight tasks")
			cancelTasks()
		case <-taskCtx.Done():
		}
	})
	defer stopDrain()

	p.logger.Info("worker pool started", "concurrency", p.cfg.Concurrency)

	g := new(errgroup.Group)
	for i := 0; i < p.cfg.Concurrency; i++ {
		consumer := i
		g.Go(func() error {
			return p.consume(ctx, taskCtx, consumer)
		})
	}
	err := g.Wait()

	p.logger.Info("worker pool stopped", "processed", p.metrics.Processed.Load(), "failed", p.metrics.Failed.Load())
	return err
}

func (p *Pool) consume(ctx, taskCtx context.Context, consumer int) error {
	for {
		d, err := p.broker.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			p.logger.Error("dequeue failed", "consumer", consumer, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.cfg.ErrorBackoff):
			}
			continue
		}
		p.process(taskCtx, d)
	}
}

// process runs one delivery and settles it with the broker.
func (p *Pool) process(ctx context.Context, d *queue.Delivery) {
	p.metrics.Active.Add(1)
	defer p.metrics.Active.Add(-1)

	log := p.logger.With("job_id", d.Task.JobID, "kind", d.Task.Kind, "delivery", d.ID)
	if d.Redelivered {
		log.Info("processing redelivered task")
	}

	start := time.Now()
	err := p.dispatch(ctx, d.Task)

	switch {
	case err == nil:
		p.metrics.Processed.Add(1)
		if aerr := p.broker.Ack(ctx, d); aerr != nil {
			log.Error("ack failed", "error", aerr)
		}
		log.Info("task done", "duration_ms", time.Since(start).Milliseconds())
	case errors.Is(err, queue.ErrRetryLater):
		p.metrics.Released.Add(1)
		if rerr := p.broker.Release(ctx, d); rerr != nil {
			log.Error("release failed", "error", rerr)
		}
		log.Info("task released for a later attempt", "reason", err)
	default:
		p.metrics.Failed.Add(1)
		if rerr := p.broker.Reject(ctx, d, err.Error()); rerr != nil {
			log.Error("reject failed", "error", rerr)
		}
		log.Error("task failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
	}
}

func (p *Pool) dispatch(ctx context.Context, task queue.Task) (err error) {
	h, ok := p.handlers[task.Kind]
	if !ok {
		return fmt.Errorf("%w: %q", queue.ErrUnknownKind, task.Kind)
	}

	defer func() {
		if r := recover(); r != nil {
			p.metrics.Panics.Add(1)
			p.logger.Error("handler panicked", "job_id", task.JobID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	if p.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.TaskTimeout)
		defer cancel()
	}
	return h.Handle(ctx, task)
}
