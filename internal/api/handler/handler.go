// Package handler implements the HTTP endpoints of the API. Handlers depend on
// narrow service interfaces so they can be tested with hand-written fakes.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/stockpilot/internal/api/middleware"
	"github.com/kiranshivaraju/stockpilot/internal/api/response"
	"github.com/kiranshivaraju/stockpilot/internal/cache"
	"github.com/kiranshivaraju/stockpilot/internal/catalog"
	"github.com/kiranshivaraju/stockpilot/internal/dashboard"
	"github.com/kiranshivaraju/stockpilot/internal/jobs"
	"github.com/kiranshivaraju/stockpilot/internal/store"
	"github.com/kiranshivaraju/stockpilot/pkg/models"
)

const productNotFoundMessage = "Product not found or you don't have access to it."

// JobService submits jobs and reports their status. *jobs.Service satisfies it.
type JobService interface {
	SubmitIngestion(ctx context.Context, sub jobs.Submission, csv string) (*models.Job, error)
	SubmitForecast(ctx context.Context, sub jobs.Submission, productID uuid.UUID) (*models.Job, error)
	Status(ctx context.Context, jobID, companyID uuid.UUID) (*jobs.StatusView, error)
	List(ctx context.Context, filter store.JobFilter) ([]*jobs.StatusView, int, error)
}

// DashboardService renders product dashboards. *dashboard.Service satisfies it.
type DashboardService interface {
	ProductDashboard(ctx context.Context, companyID, productID uuid.UUID, onHand *float64) (*dashboard.Dashboard, error)
}

// ProductService manages the calling company's catalogue. *catalog.Service
// satisfies it.
type ProductService interface {
	Create(ctx context.Context, companyID uuid.UUID, in catalog.ProductInput) (*models.Product, error)
	Get(ctx context.Context, companyID, id uuid.UUID) (*models.Product, error)
	List(ctx context.Context, companyID uuid.UUID, page, limit int) ([]*models.Product, int, error)
	Update(ctx context.Context, companyID, id uuid.UUID, in catalog.ProductInput) (*models.Product, error)
	Delete(ctx context.Context, companyID, id uuid.UUID) error
}

// Subscriber opens a pub/sub subscription. *cache.RedisCache satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (*cache.Subscription, error)
}

type submitResponse struct {
	JobID   uuid.UUID        `json:"job_id"`
	Status  models.JobStatus `json:"status"`
	Message string           `json:"message"`
}

func principal(w http.ResponseWriter, r *http.Request) (mw.Principal, bool) {
	p, ok := mw.GetPrincipal(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing principal", nil)
	}
	return p, ok
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_ID", name+" must be a valid UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

func submission(p mw.Principal) jobs.Submission {
	return jobs.Submission{CompanyID: p.CompanyID, OwnerID: p.UserID}
}

func internalError(w http.ResponseWriter) {
	response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
}
