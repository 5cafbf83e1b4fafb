package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/stockpilot/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrInvalidTransition is returned when a status write would move a job backwards
// or out of a terminal state. Nothing is written in that case.
var ErrInvalidTransition = errors.New("invalid job status transition")

// CheckTransition returns ErrInvalidTransition unless current -> next is a
// forward move of the job lifecycle.
func CheckTransition(current, next models.JobStatus) error {
	if !current.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}
	return nil
}

// ErrJobNotClaimable is returned by ClaimJob when the job is terminal or already
// running under a live lease.
var ErrJobNotClaimable = errors.New("job not claimable")

// ErrAlreadyIngested is returned by InsertSales when the job already committed its rows.
var ErrAlreadyIngested = errors.New("sales already ingested for job")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error

	JobStore
	CatalogStore
}

// JobStore owns the job record lifecycle. Every method is an independent short
// statement; none may be held open across compute.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID, companyID uuid.UUID) (*models.Job, error)
	GetJobByID(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)
	ClaimJob(ctx context.Context, id uuid.UUID, lease time.Duration) (*models.Job, error)
	CompleteJob(ctx context.Context, id uuid.UUID, result string) error
	FailJob(ctx context.Context, id uuid.UUID, message string) error
}

// CatalogStore reads products and sales and appends ingested sales.
type CatalogStore interface {
	CreateCompany(ctx context.Context, company *models.Company) error
	CreateProduct(ctx context.Context, product *models.Product) error
	GetProduct(ctx context.Context, id uuid.UUID) (*models.Product, error)
	ListProducts(ctx context.Context, companyID uuid.UUID, page, limit int) ([]*models.Product, int, error)
	UpdateProduct(ctx context.Context, product *models.Product) error
	DeleteProduct(ctx context.Context, id, companyID uuid.UUID) error
	ProductSKUMap(ctx context.Context, companyID uuid.UUID) (map[string]uuid.UUID, error)
	ListSales(ctx context.Context, productID uuid.UUID) ([]models.Sale, error)
	ListRecentSales(ctx context.Context, productID uuid.UUID, limit int) ([]models.Sale, error)
	InsertSales(ctx context.Context, jobID uuid.UUID, sales []models.Sale) (int64, error)
	IngestedSales(ctx context.Context, jobID uuid.UUID) (int64, []uuid.UUID, error)
}

type JobFilter struct {
	CompanyID uuid.UUID
	OwnerID   uuid.UUID
	Kind      models.JobKind
	Status    models.JobStatus
	Page      int
	Limit     int
}
