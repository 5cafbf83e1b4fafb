package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/stockpilot/internal/ingest"
	"github.com/kiranshivaraju/stockpilot/internal/queue"
	"github.com/kiranshivaraju/stockpilot/internal/store"
	"github.com/kiranshivaraju/stockpilot/pkg/models"
)

// IngestResult is the payload of a successful ingestion job.
type IngestResult struct {
	RecordsImported int64  `json:"records_imported"`
	Message         string `json:"message"`
}

// IngestTask validates an uploaded sales table and bulk loads it.
type IngestTask struct {
	runner
}

func NewIngestTask(s Store, n Notifier, lease time.Duration, logger *slog.Logger) *IngestTask {
	return &IngestTask{runner: newRunner(s, n, lease, logger)}
}

func (t *IngestTask) Handle(ctx context.Context, task queue.Task) error {
	return t.run(ctx, task, func(ctx context.Context, job *models.Job) (string, error) {
		return t.ingest(ctx, job, task)
	})
}

func (t *IngestTask) ingest(ctx context.Context, job *models.Job, task queue.Task) (string, error) {
	if job.IngestCommittedAt != nil {
		return t.resume(ctx, job.ID)
	}

	skus, err := t.store.ProductSKUMap(ctx, task.CompanyID)
	if err != nil {
		return "", fmt.Errorf("load products: %w", err)
	}

	sales, err := ingest.Parse(strings.NewReader(task.Payload), skus)
	if err != nil {
		return "", err
	}

	n, err := t.store.InsertSales(ctx, job.ID, sales)
	if errors.Is(err, store.ErrAlreadyIngested) {
		return t.resume(ctx, job.ID)
	}
	if err != nil {
		return "", fmt.Errorf("insert sales: %w", err)
	}

	t.invalidate(ctx, productIDs(sales))
	return ingestResult(n)
}

// resume finishes a job whose rows were committed by an earlier attempt.
func (t *IngestTask) resume(ctx context.Context, jobID uuid.UUID) (string, error) {
	n, products, err := t.store.IngestedSales(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("count ingested sales: %w", err)
	}
	t.logger.Info("sales already committed, resuming", "job_id", jobID, "records", n)
	t.invalidate(ctx, products)
	return ingestResult(n)
}

func ingestResult(n int64) (string, error) {
	out, err := json.Marshal(IngestResult{
		RecordsImported: n,
		Message:         fmt.Sprintf("%d sales records successfully imported.", n),
	})
	if err != nil {
		return "", fmt.Errorf("encode ingest result: %w", err)
	}
	return string(out), nil
}

func productIDs(sales []models.Sale) []uuid.UUID {
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	for _, s := range sales {
		if !seen[s.ProductID] {
			seen[s.ProductID] = true
			out = append(out, s.ProductID)
		}
	}
	return out
}
