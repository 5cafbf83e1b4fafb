package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/stockpilot/internal/api/response"
	"github.com/kiranshivaraju/stockpilot/internal/jobs"
)

// NewSubmitForecastHandler returns an http.HandlerFunc for
// POST /api/v1/predictions/product/{productID}.
func NewSubmitForecastHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}
		productID, ok := pathUUID(w, r, "productID")
		if !ok {
			return
		}

		job, err := svc.SubmitForecast(r.Context(), submission(p), productID)
		if err != nil {
			switch {
			case errors.Is(err, jobs.ErrProductNotFound):
				response.Error(w, http.StatusNotFound, "PRODUCT_NOT_FOUND", productNotFoundMessage, nil)
			case errors.Is(err, jobs.ErrInvalidSubmission):
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			default:
				slog.Error("forecast submission failed", "product_id", productID, "error", err)
				internalError(w)
			}
			return
		}

		response.Accepted(w, submitResponse{
			JobID:   job.ID,
			Status:  job.Status,
			Message: fmt.Sprintf("Prediction job for product %s has been scheduled.", productID),
		})
	}
}
