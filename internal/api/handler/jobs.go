package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/kiranshivaraju/stockpilot/internal/api/response"
	"github.com/kiranshivaraju/stockpilot/internal/jobs"
	"github.com/kiranshivaraju/stockpilot/internal/store"
	"github.com/kiranshivaraju/stockpilot/pkg/models"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

const jobNotFoundMessage = "Job not found."

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}
		jobID, ok := pathUUID(w, r, "jobID")
		if !ok {
			return
		}

		view, err := svc.Status(r.Context(), jobID, p.CompanyID)
		if errors.Is(err, jobs.ErrJobNotFound) {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", jobNotFoundMessage, nil)
			return
		}
		if err != nil {
			slog.Error("job status failed", "job_id", jobID, "error", err)
			internalError(w)
			return
		}
		response.JSON(w, view)
	}
}

// pageParams reads page and limit, capping limit at maxLimit.
func pageParams(q url.Values, maxLimit int) (page, limit int, problems []string) {
	page, limit = 1, defaultPageLimit
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			problems = append(problems, "page must be a positive integer")
		} else {
			page = n
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			problems = append(problems, "limit must be a positive integer")
		} else {
			limit = min(n, maxLimit)
		}
	}
	return page, limit, problems
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs. It
// accepts page, limit, status, kind and mine=true (jobs of the calling user).
func NewListJobsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}

		q := r.URL.Query()
		filter := store.JobFilter{CompanyID: p.CompanyID}
		var problems []string
		filter.Page, filter.Limit, problems = pageParams(q, maxPageLimit)

		if v := q.Get("status"); v != "" {
			status := models.JobStatus(strings.ToUpper(v))
			switch status {
			case models.JobStatusPending, models.JobStatusRunning, models.JobStatusSuccess, models.JobStatusFailed:
				filter.Status = status
			default:
				problems = append(problems, "status must be one of PENDING, RUNNING, SUCCESS, FAILED")
			}
		}
		if v := q.Get("kind"); v != "" {
			kind := models.JobKind(v)
			switch kind {
			case models.JobKindIngestSales, models.JobKindForecast:
				filter.Kind = kind
			default:
				problems = append(problems, "kind must be one of ingest_sales, forecast")
			}
		}
		if q.Get("mine") == "true" {
			filter.OwnerID = p.UserID
		}
		if len(problems) > 0 {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid query parameters", problems)
			return
		}

		views, total, err := svc.List(r.Context(), filter)
		if err != nil {
			slog.Error("list jobs failed", "company_id", p.CompanyID, "error", err)
			internalError(w)
			return
		}
		if views == nil {
			views = []*jobs.StatusView{}
		}
		response.Collection(w, views, response.NewPaginationMeta(filter.Page, filter.Limit, total))
	}
}
