// Package tasks implements the worker side of each job kind: claiming the job
// record, running the pipeline and writing the terminal status.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/stockpilot/internal/cache"
	"github.com/kiranshivaraju/stockpilot/internal/queue"
	"github.com/kiranshivaraju/stockpilot/internal/store"
	"github.com/kiranshivaraju/stockpilot/pkg/models"
)

// ErrJobNotFound is returned when a task references a job record that does not
// exist. Nothing can be recorded about it; the failure is only logged.
var ErrJobNotFound = errors.New("job not found")

const finishTimeout = 10 * time.Second

// Store is the slice of the store the tasks need.
type Store interface {
	ClaimJob(ctx context.Context, id uuid.UUID, lease time.Duration) (*models.Job, error)
	CompleteJob(ctx context.Context, id uuid.UUID, result string) error
	FailJob(ctx context.Context, id uuid.UUID, message string) error

	GetProduct(ctx context.Context, id uuid.UUID) (*models.Product, error)
	ListSales(ctx context.Context, productID uuid.UUID) ([]models.Sale, error)
	ProductSKUMap(ctx context.Context, companyID uuid.UUID) (map[string]uuid.UUID, error)
	InsertSales(ctx context.Context, jobID uuid.UUID, sales []models.Sale) (int64, error)
	IngestedSales(ctx context.Context, jobID uuid.UUID) (int64, []uuid.UUID, error)
}

// Notifier receives job status changes and cache invalidations. Failures are
// logged and never fail the job.
type Notifier interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Delete(ctx context.Context, keys ...string) error
}

// stepFunc is the body of a job. It returns the result payload recorded on success.
type stepFunc func(ctx context.Context, job *models.Job) (string, error)

// runner owns the job record around a step: claim, then exactly one terminal write.
type runner struct {
	store    Store
	notifier Notifier
	lease    time.Duration
	logger   *slog.Logger
}

func newRunner(s Store, n Notifier, lease time.Duration, logger *slog.Logger) runner {
	if logger == nil {
		logger = slog.Default()
	}
	return runner{store: s, notifier: n, lease: lease, logger: logger}
}

// run claims the job and executes step. Any error or panic from step is recorded
// as FAILED and returned so the broker sees the failure too.
//
// A job that is already terminal is skipped. A job running under another
// worker's live lease is handed back with queue.ErrRetryLater; once that lease
// expires the next delivery takes it over. Any other claim error fails the job.
func (r runner) run(ctx context.Context, task queue.Task, step stepFunc) (err error) {
	log := r.logger.With("job_id", task.JobID, "kind", task.Kind)

	job, err := r.store.ClaimJob(ctx, task.JobID, r.lease)
	switch {
	case errors.Is(err, store.ErrNotFound):
		log.Error("job record not found, nothing to update")
		return fmt.Errorf("%w: %s", ErrJobNotFound, task.JobID)
	case errors.Is(err, store.ErrJobNotClaimable):
		if job != nil && job.Status.IsTerminal() {
			log.Info("job already finished, skipping delivery", "status", job.Status)
			return nil
		}
		log.Info("job is running under a live lease")
		return fmt.Errorf("%w: %v", queue.ErrRetryLater, err)
	case err != nil:
		// RUNNING could not be recorded. The record is failed when it can be
		// and the delivery is rejected rather than retried.
		err = fmt.Errorf("claim job: %w", err)
		log.Error("claim failed", "error", err)
		r.fail(ctx, task.JobID, err, log)
		return err
	}

	log = log.With("attempt", job.Attempts)
	log.Info("job started")
	r.notify(ctx, job.ID, models.JobStatusRunning)

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("job panicked", "panic", rec, "stack", string(debug.Stack()))
			err = fmt.Errorf("job panic: %v", rec)
			r.fail(ctx, job.ID, err, log)
		}
	}()

	start := time.Now()
	result, err := step(ctx, job)
	if err != nil {
		r.fail(ctx, job.ID, err, log)
		return err
	}
	return r.complete(ctx, job.ID, result, log, time.Since(start))
}

// finishCtx outlives the task deadline so the terminal write still lands.
func finishCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
}

func (r runner) complete(ctx context.Context, id uuid.UUID, result string, log *slog.Logger, took time.Duration) error {
	fctx, cancel := finishCtx(ctx)
	defer cancel()

	err := r.store.CompleteJob(fctx, id, result)
	switch {
	case errors.Is(err, store.ErrInvalidTransition):
		log.Warn("job finished elsewhere, result discarded", "error", err)
		return nil
	case err != nil:
		// The lease runs out and a redelivery redoes the job.
		log.Error("recording success failed", "error", err)
		return fmt.Errorf("%w: complete job: %v", queue.ErrRetryLater, err)
	}

	log.Info("job succeeded", "duration_ms", took.Milliseconds())
	r.notify(fctx, id, models.JobStatusSuccess)
	return nil
}

func (r runner) fail(ctx context.Context, id uuid.UUID, cause error, log *slog.Logger) {
	fctx, cancel := finishCtx(ctx)
	defer cancel()

	log.Warn("job failed", "error", cause)
	if err := r.store.FailJob(fctx, id, cause.Error()); err != nil {
		log.Error("recording failure failed", "error", err)
		return
	}
	r.notify(fctx, id, models.JobStatusFailed)
}

func (r runner) notify(ctx context.Context, id uuid.UUID, status models.JobStatus) {
	if r.notifier == nil {
		return
	}
	payload, err := json.Marshal(models.JobEvent{JobID: id, Status: status})
	if err != nil {
		return
	}
	if err := r.notifier.Publish(ctx, cache.JobEventsChannel(id), payload); err != nil {
		r.logger.Warn("publishing job event failed", "job_id", id, "error", err)
	}
}

func (r runner) invalidate(ctx context.Context, productIDs []uuid.UUID) {
	if r.notifier == nil || len(productIDs) == 0 {
		return
	}
	keys := make([]string, len(productIDs))
	for i, id := range productIDs {
		keys[i] = cache.DashboardKey(id)
	}
	if err := r.notifier.Delete(ctx, keys...); err != nil {
		r.logger.Warn("dashboard cache invalidation failed", "products", len(keys), "error", err)
	}
}
