package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/stockpilot/internal/config"
	"github.com/kiranshivaraju/stockpilot/internal/forecast"
	"github.com/kiranshivaraju/stockpilot/internal/inventory"
	"github.com/kiranshivaraju/stockpilot/internal/queue"
	"github.com/kiranshivaraju/stockpilot/internal/store"
	"github.com/kiranshivaraju/stockpilot/pkg/models"
)

var (
	ErrAccessDenied     = errors.New("access denied")
	ErrInsufficientData = errors.New("insufficient sales history")
)

// jobError pairs a sentinel with the exact message recorded on the job.
type jobError struct {
	kind error
	msg  string
}

func (e *jobError) Error() string { return e.msg }
func (e *jobError) Unwrap() error { return e.kind }

func accessDenied() error {
	return &jobError{kind: ErrAccessDenied, msg: "Product not found or access denied."}
}

func insufficientData(sku string, min int) error {
	return &jobError{
		kind: ErrInsufficientData,
		msg:  fmt.Sprintf("Not enough sales data for product %s. At least %d data points are required.", sku, min),
	}
}

// ForecastSeries is the predicted demand per date.
type ForecastSeries struct {
	Dates           []string  `json:"dates"`
	PredictedDemand []float64 `json:"predicted_demand"`
}

// ForecastTask predicts demand for one product and derives its reorder
// recommendation. The store is only touched before and after the computation.
type ForecastTask struct {
	runner
	engine *forecast.Engine
	params config.ForecastConfig
}

func NewForecastTask(s Store, n Notifier, engine *forecast.Engine, params config.ForecastConfig, lease time.Duration, logger *slog.Logger) *ForecastTask {
	return &ForecastTask{
		runner: newRunner(s, n, lease, logger),
		engine: engine,
		params: params,
	}
}

func (t *ForecastTask) Handle(ctx context.Context, task queue.Task) error {
	return t.run(ctx, task, func(ctx context.Context, job *models.Job) (string, error) {
		series, err := t.loadHistory(ctx, task)
		if err != nil {
			return "", err
		}
		return t.compute(ctx, series)
	})
}

// loadHistory checks ownership and history length and returns the series.
func (t *ForecastTask) loadHistory(ctx context.Context, task queue.Task) ([]forecast.SeriesPoint, error) {
	product, err := t.store.GetProduct(ctx, task.ProductID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, accessDenied()
	}
	if err != nil {
		return nil, fmt.Errorf("load product: %w", err)
	}
	if product.CompanyID != task.CompanyID {
		return nil, accessDenied()
	}

	sales, err := t.store.ListSales(ctx, product.ID)
	if err != nil {
		return nil, fmt.Errorf("load sales history: %w", err)
	}
	if len(sales) < t.params.MinHistoryPoints {
		return nil, insufficientData(product.SKU, t.params.MinHistoryPoints)
	}
	return SalesSeries(sales), nil
}

func (t *ForecastTask) compute(ctx context.Context, series []forecast.SeriesPoint) (string, error) {
	f, err := t.engine.Forecast(ctx, series, t.params.HorizonDays)
	if err != nil {
		return "", fmt.Errorf("forecast: %w", err)
	}

	rec, err := inventory.Optimize(inventory.Params{
		AvgDailyDemand:  f.AverageDemand(),
		ErrorStd:        t.params.ModelErrorStd,
		LeadTimeDays:    t.params.LeadTimeDays,
		LeadTimeStdDays: t.params.LeadTimeStdDays,
		ServiceLevel:    t.params.ServiceLevel,
	})
	if err != nil {
		return "", fmt.Errorf("stock optimization: %w", err)
	}

	out, err := json.Marshal(map[string]any{
		fmt.Sprintf("forecast_%d_days", t.params.HorizonDays): ForecastSeries{
			Dates:           f.Dates(),
			PredictedDemand: f.Values(),
		},
		"stock_optimization": rec,
	})
	if err != nil {
		return "", fmt.Errorf("encode forecast result: %w", err)
	}
	return string(out), nil
}

// SalesSeries converts stored sales to the forecast input series.
func SalesSeries(sales []models.Sale) []forecast.SeriesPoint {
	out := make([]forecast.SeriesPoint, len(sales))
	for i, s := range sales {
		out[i] = forecast.SeriesPoint{Date: s.TransactionDate, Quantity: float64(s.QuantitySold)}
	}
	return out
}
