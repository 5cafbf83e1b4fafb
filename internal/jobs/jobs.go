// Package jobs is the request-side boundary of the job system: it creates job
// records, dispatches their tasks and renders their status.
package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/stockpilot/internal/queue"
	"github.com/kiranshivaraju/stockpilot/internal/store"
	"github.com/kiranshivaraju/stockpilot/pkg/models"
)

var (
	ErrInvalidSubmission = errors.New("invalid submission")
	ErrProductNotFound   = errors.New("product not found")
	ErrJobNotFound       = errors.New("job not found")
)

var validate = validator.New()

type Store interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID, companyID uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error)
	FailJob(ctx context.Context, id uuid.UUID, message string) error
	GetProduct(ctx context.Context, id uuid.UUID) (*models.Product, error)
}

// Submission identifies who submits a job.
type Submission struct {
	CompanyID uuid.UUID `validate:"required"`
	OwnerID   uuid.UUID `validate:"required"`
}

// StatusView is the public shape of a job record. Result holds the decoded
// JSON object of a successful job, or the message string otherwise.
type StatusView struct {
	JobID       uuid.UUID        `json:"job_id"`
	Kind        models.JobKind   `json:"kind"`
	Status      models.JobStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Result      any              `json:"result"`
}

// NewStatusView renders a job record.
func NewStatusView(j *models.Job) *StatusView {
	v := &StatusView{
		JobID:       j.ID,
		Kind:        j.Kind,
		Status:      j.Status,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
	if j.Result != nil {
		raw := []byte(*j.Result)
		if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed) {
			v.Result = json.RawMessage(trimmed)
		} else {
			v.Result = *j.Result
		}
	}
	return v
}

type Service struct {
	store  Store
	broker queue.Broker
	logger *slog.Logger
	now    func() time.Time
}

func NewService(s Store, b queue.Broker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, broker: b, logger: logger, now: time.Now}
}

// SubmitIngestion records a PENDING ingestion job for csv and dispatches it.
func (s *Service) SubmitIngestion(ctx context.Context, sub Submission, csv string) (*models.Job, error) {
	if err := s.check(sub); err != nil {
		return nil, err
	}
	return s.submit(ctx, sub, queue.Task{Kind: queue.KindIngestSales, Payload: csv})
}

// SubmitForecast records a PENDING forecast job for a product of the
// submitting company and dispatches it.
func (s *Service) SubmitForecast(ctx context.Context, sub Submission, productID uuid.UUID) (*models.Job, error) {
	if err := s.check(sub); err != nil {
		return nil, err
	}
	product, err := s.store.GetProduct(ctx, productID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load product: %w", err)
	}
	if product.CompanyID != sub.CompanyID {
		return nil, ErrProductNotFound
	}
	return s.submit(ctx, sub, queue.Task{Kind: queue.KindForecast, ProductID: productID})
}

func (s *Service) check(sub Submission) error {
	if err := validate.Struct(sub); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
	}
	return nil
}

func (s *Service) submit(ctx context.Context, sub Submission, task queue.Task) (*models.Job, error) {
	now := s.now().UTC()
	job := &models.Job{
		ID:        uuid.New(),
		CompanyID: sub.CompanyID,
		OwnerID:   sub.OwnerID,
		Kind:      task.Kind,
		Status:    models.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	task.JobID = job.ID
	task.CompanyID = sub.CompanyID
	if err := s.broker.Enqueue(ctx, task); err != nil {
		msg := fmt.Sprintf("enqueue failed: %v", err)
		if ferr := s.store.FailJob(context.WithoutCancel(ctx), job.ID, msg); ferr != nil {
			s.logger.Error("failing undispatched job", "job_id", job.ID, "error", ferr)
		}
		return nil, fmt.Errorf("enqueue %s task: %w", task.Kind, err)
	}

	s.logger.Info("job submitted", "job_id", job.ID, "kind", job.Kind, "company_id", sub.CompanyID)
	return job, nil
}

// Status returns the job if it belongs to companyID.
func (s *Service) Status(ctx context.Context, jobID, companyID uuid.UUID) (*StatusView, error) {
	j, err := s.store.GetJob(ctx, jobID, companyID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return NewStatusView(j), nil
}

// List returns one page of the company's jobs, newest first, and the total count.
func (s *Service) List(ctx context.Context, filter store.JobFilter) ([]*StatusView, int, error) {
	if filter.CompanyID == uuid.Nil {
		return nil, 0, fmt.Errorf("%w: company is required", ErrInvalidSubmission)
	}
	list, total, err := s.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	views := make([]*StatusView, len(list))
	for i, j := range list {
		views[i] = NewStatusView(j)
	}
	return views, total, nil
}
