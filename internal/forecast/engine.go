package forecast

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrPredictorUnavailable is returned when the model cannot be reached or loaded.
var ErrPredictorUnavailable = errors.New("predictor unavailable")

// Predictor is a trained demand model. X holds one row per date with columns in
// the order given by Features.
type Predictor interface {
	Predict(ctx context.Context, X [][]float64) ([]float64, error)
	Features() []string
}

// PredictorFunc adapts a plain function to Predictor.
type PredictorFunc struct {
	FeatureNames []string
	Fn           func(ctx context.Context, X [][]float64) ([]float64, error)
}

func (p PredictorFunc) Predict(ctx context.Context, X [][]float64) ([]float64, error) {
	return p.Fn(ctx, X)
}

func (p PredictorFunc) Features() []string { return p.FeatureNames }

// Point is one forecast day.
type Point struct {
	Date            time.Time
	PredictedDemand float64
}

// Forecast is the prediction over the horizon following the history.
type Forecast struct {
	Points []Point
}

// Dates returns the forecast dates formatted as YYYY-MM-DD.
func (f *Forecast) Dates() []string {
	out := make([]string, len(f.Points))
	for i, p := range f.Points {
		out[i] = p.Date.Format(time.DateOnly)
	}
	return out
}

func (f *Forecast) Values() []float64 {
	out := make([]float64, len(f.Points))
	for i, p := range f.Points {
		out[i] = p.PredictedDemand
	}
	return out
}

// AverageDemand is the mean predicted daily demand over the whole horizon.
func (f *Forecast) AverageDemand() float64 {
	if len(f.Points) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range f.Points {
		sum += p.PredictedDemand
	}
	return sum / float64(len(f.Points))
}

// Engine wraps a Predictor and enforces the output contract: every prediction
// is non-negative and rounded to two decimals.
type Engine struct {
	predictor Predictor
	recursive bool
}

// Option customises an Engine.
type Option func(*Engine)

// WithRecursive makes Forecast predict the horizon one day at a time, feeding
// each prediction back as the target of later lag and rolling features.
func WithRecursive(enabled bool) Option {
	return func(e *Engine) { e.recursive = enabled }
}

// NewEngine checks that the predictor only asks for features the builder produces.
func NewEngine(p Predictor, opts ...Option) (*Engine, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: no predictor configured", ErrPredictorUnavailable)
	}
	known := make(map[string]bool, len(FeatureNames))
	for _, n := range FeatureNames {
		known[n] = true
	}
	for _, n := range p.Features() {
		if !known[n] {
			return nil, fmt.Errorf("%w: model expects %q", ErrUnknownFeature, n)
		}
	}

	e := &Engine{predictor: p}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Predict runs the model over rows [from, to) of m.
func (e *Engine) Predict(ctx context.Context, m *Matrix, from, to int) ([]float64, error) {
	X, err := m.Select(e.predictor.Features(), from, to)
	if err != nil {
		return nil, err
	}
	if len(X) == 0 {
		return []float64{}, nil
	}

	raw, err := e.predictor.Predict(ctx, X)
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}
	if len(raw) != len(X) {
		return nil, fmt.Errorf("predict: model returned %d values for %d rows", len(raw), len(X))
	}

	out := make([]float64, len(raw))
	for i, v := range raw {
		out[i] = Clean(v)
	}
	return out, nil
}

// PredictAll runs the model over history and horizon in one call.
func (e *Engine) PredictAll(ctx context.Context, m *Matrix) ([]float64, error) {
	return e.Predict(ctx, m, 0, len(m.Rows))
}

// Forecast predicts horizon days after the last date of series.
func (e *Engine) Forecast(ctx context.Context, series []SeriesPoint, horizon int) (*Forecast, error) {
	m := BuildFeatures(series, horizon)
	if m.History == 0 {
		return &Forecast{Points: []Point{}}, nil
	}

	var values []float64
	var err error
	if e.recursive {
		values, err = e.predictRecursive(ctx, m)
	} else {
		values, err = e.Predict(ctx, m, m.History, len(m.Rows))
	}
	if err != nil {
		return nil, err
	}

	f := &Forecast{Points: make([]Point, len(values))}
	for i, row := range m.Future() {
		f.Points[i] = Point{Date: row.Date, PredictedDemand: values[i]}
	}
	return f, nil
}

func (e *Engine) predictRecursive(ctx context.Context, m *Matrix) ([]float64, error) {
	values := make([]float64, 0, len(m.Rows)-m.History)
	for i := m.History; i < len(m.Rows); i++ {
		m.Recompute(i)
		v, err := e.Predict(ctx, m, i, i+1)
		if err != nil {
			return nil, err
		}
		m.SetTarget(i, v[0])
		values = append(values, v[0])
	}
	return values, nil
}

// Clean clamps a raw model output to >= 0 and rounds it to two decimals.
// Non-finite outputs are treated as zero demand.
func Clean(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return Round2(v)
}

// Round2 rounds to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
