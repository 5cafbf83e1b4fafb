package handler

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/kiranshivaraju/stockpilot/internal/api/response"
	"github.com/kiranshivaraju/stockpilot/internal/dashboard"
)

// NewDashboardHandler returns an http.HandlerFunc for
// GET /api/v1/dashboard/product/{productID}. The optional on_hand query
// parameter adds the stock coverage KPI.
func NewDashboardHandler(svc DashboardService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}
		productID, ok := pathUUID(w, r, "productID")
		if !ok {
			return
		}

		var onHand *float64
		if raw := r.URL.Query().Get("on_hand"); raw != "" {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil || v < 0 || math.IsInf(v, 0) || math.IsNaN(v) {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"on_hand must be a non-negative number", nil)
				return
			}
			onHand = &v
		}

		d, err := svc.ProductDashboard(r.Context(), p.CompanyID, productID, onHand)
		if err != nil {
			if errors.Is(err, dashboard.ErrProductNotFound) {
				response.Error(w, http.StatusNotFound, "PRODUCT_NOT_FOUND", productNotFoundMessage, nil)
				return
			}
			slog.Error("dashboard failed", "product_id", productID, "error", err)
			internalError(w)
			return
		}
		if d.Empty() {
			response.Error(w, http.StatusBadRequest, "INSUFFICIENT_DATA",
				"Not enough historical data to generate a dashboard for this product.", nil)
			return
		}

		response.JSON(w, d)
	}
}
