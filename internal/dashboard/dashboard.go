// Package dashboard builds the forecast-versus-actual view of a product on
// demand. Unlike forecasts it runs synchronously on the request path.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/stockpilot/internal/cache"
	"github.com/kiranshivaraju/stockpilot/internal/config"
	"github.com/kiranshivaraju/stockpilot/internal/forecast"
	"github.com/kiranshivaraju/stockpilot/internal/store"
	"github.com/kiranshivaraju/stockpilot/pkg/models"
)

// ErrProductNotFound covers both a missing product and one owned by another company.
var ErrProductNotFound = errors.New("product not found")

const (
	kpiWindowDays = 30
	// z for a two-sided 95% interval.
	confidenceZ = 1.96
)

var influencingFactors = map[string]string{
	"General trend": "Stable growth observed.",
	"Seasonality":   "Demand peaks identified at the end of the month.",
}

type Store interface {
	GetProduct(ctx context.Context, id uuid.UUID) (*models.Product, error)
	ListRecentSales(ctx context.Context, productID uuid.UUID, limit int) ([]models.Sale, error)
}

// Cache stores rendered dashboards. Set and Get failures only cost a recompute.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type KPIs struct {
	ModelAccuracyPercent float64  `json:"model_accuracy_percent"`
	TotalForecast30d     int      `json:"total_forecast_30d"`
	AvgDailyDemand30d    float64  `json:"avg_daily_demand_30d"`
	StockCoverageDays    *float64 `json:"stock_coverage_days,omitempty"`
}

// ChartPoint is one day of the chart. ActualSales is only set on history days.
type ChartPoint struct {
	Date          string   `json:"date"`
	ActualSales   *float64 `json:"actual_sales,omitempty"`
	Prediction    float64  `json:"prediction"`
	ConfidenceMin float64  `json:"confidence_min"`
	ConfidenceMax float64  `json:"confidence_max"`
}

type Dashboard struct {
	ProductID          uuid.UUID         `json:"product_id"`
	ProductSKU         string            `json:"product_sku"`
	ProductName        string            `json:"product_name"`
	KPIs               *KPIs             `json:"kpis,omitempty"`
	ChartData          []ChartPoint      `json:"chart_data"`
	InfluencingFactors map[string]string `json:"influencing_factors"`
}

// Empty reports whether the product had no history to chart.
func (d *Dashboard) Empty() bool {
	return len(d.ChartData) == 0
}

type Service struct {
	store  Store
	cache  Cache
	engine *forecast.Engine
	params config.ForecastConfig
	logger *slog.Logger
}

// NewService creates a dashboard service. c may be nil to disable caching.
func NewService(s Store, c Cache, engine *forecast.Engine, params config.ForecastConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, cache: c, engine: engine, params: params, logger: logger}
}

// ProductDashboard returns the dashboard of a product owned by companyID. When
// onHand is set the stock coverage in days is added to the KPIs.
func (s *Service) ProductDashboard(ctx context.Context, companyID, productID uuid.UUID, onHand *float64) (*Dashboard, error) {
	product, err := s.store.GetProduct(ctx, productID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load product: %w", err)
	}
	if product.CompanyID != companyID {
		return nil, ErrProductNotFound
	}

	d, ok := s.cached(ctx, productID)
	if !ok {
		d, err = s.build(ctx, product)
		if err != nil {
			return nil, err
		}
		if !d.Empty() {
			s.save(ctx, d)
		}
	}

	if onHand != nil && d.KPIs != nil && d.KPIs.AvgDailyDemand30d > 0 {
		days := forecast.Round2(*onHand / d.KPIs.AvgDailyDemand30d)
		d.KPIs.StockCoverageDays = &days
	}
	return d, nil
}

func (s *Service) build(ctx context.Context, product *models.Product) (*Dashboard, error) {
	d := &Dashboard{
		ProductID:          product.ID,
		ProductSKU:         product.SKU,
		ProductName:        product.Name,
		ChartData:          []ChartPoint{},
		InfluencingFactors: map[string]string{},
	}

	sales, err := s.store.ListRecentSales(ctx, product.ID, s.params.DashboardWindow)
	if err != nil {
		return nil, fmt.Errorf("load recent sales: %w", err)
	}
	if len(sales) == 0 {
		return d, nil
	}

	series := make([]forecast.SeriesPoint, len(sales))
	for i, sale := range sales {
		series[i] = forecast.SeriesPoint{Date: sale.TransactionDate, Quantity: float64(sale.QuantitySold)}
	}
	m := forecast.BuildFeatures(series, s.params.HorizonDays)
	predictions, err := s.engine.PredictAll(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("predict dashboard: %w", err)
	}

	d.KPIs = kpis(m, predictions)
	d.ChartData = chart(m, predictions, s.params.ModelErrorStd*confidenceZ)
	d.InfluencingFactors = influencingFactors
	return d, nil
}

func kpis(m *forecast.Matrix, predictions []float64) *KPIs {
	// MAPE over history days with non-zero sales.
	var sum float64
	var n int
	for i := 0; i < m.History; i++ {
		actual := m.Rows[i].Target
		if actual == 0 {
			continue
		}
		sum += math.Abs(actual-predictions[i]) / actual
		n++
	}
	accuracy := 0.0
	if n > 0 {
		accuracy = math.Max(0, 100*(1-sum/float64(n)))
	}

	future := predictions[m.History:]
	total := 0.0
	for i := 0; i < kpiWindowDays && i < len(future); i++ {
		total += future[i]
	}

	return &KPIs{
		ModelAccuracyPercent: forecast.Round2(accuracy),
		TotalForecast30d:     int(total),
		AvgDailyDemand30d:    forecast.Round2(total / kpiWindowDays),
	}
}

func chart(m *forecast.Matrix, predictions []float64, confidence float64) []ChartPoint {
	points := make([]ChartPoint, len(m.Rows))
	for i, row := range m.Rows {
		p := predictions[i]
		points[i] = ChartPoint{
			Date:          row.Date.Format(time.DateOnly),
			Prediction:    p,
			ConfidenceMin: forecast.Clean(p - confidence),
			ConfidenceMax: forecast.Clean(p + confidence),
		}
		if !row.Future {
			actual := row.Target
			points[i].ActualSales = &actual
		}
	}
	return points
}

func (s *Service) cached(ctx context.Context, productID uuid.UUID) (*Dashboard, bool) {
	if s.cache == nil {
		return nil, false
	}
	raw, ok, err := s.cache.Get(ctx, cache.DashboardKey(productID))
	if err != nil {
		s.logger.Warn("dashboard cache read failed", "product_id", productID, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var d Dashboard
	if err := json.Unmarshal(raw, &d); err != nil {
		s.logger.Warn("dashboard cache entry unreadable", "product_id", productID, "error", err)
		return nil, false
	}
	return &d, true
}

func (s *Service) save(ctx context.Context, d *Dashboard) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cache.DashboardKey(d.ProductID), raw, s.params.DashboardTTL); err != nil {
		s.logger.Warn("dashboard cache write failed", "product_id", d.ProductID, "error", err)
	}
}
