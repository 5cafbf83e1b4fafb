package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/stockpilot/internal/api/middleware"
	"github.com/kiranshivaraju/stockpilot/internal/api/response"
)

// ScopeWrite is required on every route that submits a job or changes the catalogue.
const ScopeWrite = "write"

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler         http.HandlerFunc
	UploadSalesHandler    http.HandlerFunc
	SubmitForecastHandler http.HandlerFunc
	GetJobHandler         http.HandlerFunc
	ListJobsHandler       http.HandlerFunc
	WatchJobHandler       http.HandlerFunc
	DashboardHandler      http.HandlerFunc

	CreateProductHandler http.HandlerFunc
	ListProductsHandler  http.HandlerFunc
	GetProductHandler    http.HandlerFunc
	UpdateProductHandler http.HandlerFunc
	DeleteProductHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Resource not found", nil)
	})

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Get("/api/v1/jobs", orNotImplemented(deps.ListJobsHandler))
		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJobHandler))
		r.Get("/api/v1/jobs/{jobID}/watch", orNotImplemented(deps.WatchJobHandler))
		r.Get("/api/v1/dashboard/product/{productID}", orNotImplemented(deps.DashboardHandler))
		r.Get("/api/v1/products", orNotImplemented(deps.ListProductsHandler))
		r.Get("/api/v1/products/{productID}", orNotImplemented(deps.GetProductHandler))

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(ScopeWrite))

			r.Post("/api/v1/sales/upload", orNotImplemented(deps.UploadSalesHandler))
			r.Post("/api/v1/predictions/product/{productID}", orNotImplemented(deps.SubmitForecastHandler))
			r.Post("/api/v1/products", orNotImplemented(deps.CreateProductHandler))
			r.Put("/api/v1/products/{productID}", orNotImplemented(deps.UpdateProductHandler))
			r.Delete("/api/v1/products/{productID}", orNotImplemented(deps.DeleteProductHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
