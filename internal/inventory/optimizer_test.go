package inventory

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultParams() Params {
	return Params{
		AvgDailyDemand:  50,
		ErrorStd:        17.06,
		LeadTimeDays:    30,
		LeadTimeStdDays: 5,
		ServiceLevel:    0.95,
	}
}

func TestOptimize_ReferenceScenario(t *testing.T) {
	rec, err := Optimize(defaultParams())
	require.NoError(t, err)

	assert.Equal(t, 95.0, rec.ServiceLevelPercent)
	assert.Equal(t, 439, rec.RecommendedSafetyStock)
	assert.Equal(t, 1939, rec.ReorderPoint)

	in := rec.InputsSummary
	assert.Equal(t, 50.0, in.AvgDailyDemandForecast)
	assert.Equal(t, 17.06, in.ModelErrorStdDev)
	assert.Equal(t, 30, in.LeadTimeDays)
	assert.Equal(t, 5.0, in.LeadTimeStdDays)
	assert.InDelta(t, 1.64, in.ZScore, 0.011)
	assert.InDelta(t, 266.89, in.CombinedStdDev, 0.011)
}

func TestOptimize_ZeroUncertainty(t *testing.T) {
	p := defaultParams()
	p.ErrorStd = 0
	p.LeadTimeStdDays = 0

	rec, err := Optimize(p)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.RecommendedSafetyStock)
	assert.Equal(t, 1500, rec.ReorderPoint)
}

func TestOptimize_ZeroDemand(t *testing.T) {
	p := defaultParams()
	p.AvgDailyDemand = 0

	rec, err := Optimize(p)
	require.NoError(t, err)
	// Only model error remains: 1.645 * sqrt(30 * 17.06^2).
	assert.Equal(t, 154, rec.RecommendedSafetyStock)
	assert.Equal(t, 154, rec.ReorderPoint)
}

func TestOptimize_RejectsInvalidServiceLevel(t *testing.T) {
	for _, sl := range []float64{0, 1, -0.5, 1.2, math.NaN()} {
		p := defaultParams()
		p.ServiceLevel = sl

		rec, err := Optimize(p)
		assert.ErrorIs(t, err, ErrInvalidArgument, "service level %v", sl)
		assert.Nil(t, rec)
	}
}

func TestOptimize_RejectsInvalidInputs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Params)
	}{
		{"negative demand", func(p *Params) { p.AvgDailyDemand = -1 }},
		{"negative error std", func(p *Params) { p.ErrorStd = -0.1 }},
		{"zero lead time", func(p *Params) { p.LeadTimeDays = 0 }},
		{"negative lead time std", func(p *Params) { p.LeadTimeStdDays = -2 }},
		{"infinite demand", func(p *Params) { p.AvgDailyDemand = math.Inf(1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := defaultParams()
			tt.mutate(&p)
			_, err := Optimize(p)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
}

func TestOptimize_LowServiceLevelFloorsSafetyStock(t *testing.T) {
	for _, sl := range []float64{0.5, 0.2, 0.001} {
		p := defaultParams()
		p.ServiceLevel = sl

		rec, err := Optimize(p)
		require.NoError(t, err)
		assert.Equal(t, 0, rec.RecommendedSafetyStock, "service level %v", sl)
		assert.Equal(t, 1500, rec.ReorderPoint, "service level %v", sl)
		assert.LessOrEqual(t, rec.InputsSummary.ZScore, 0.0)
	}
}

func TestOptimize_Properties(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		p := Params{
			AvgDailyDemand:  r.Float64() * 500,
			ErrorStd:        r.Float64() * 40,
			LeadTimeDays:    1 + r.Intn(90),
			LeadTimeStdDays: r.Float64() * 10,
			ServiceLevel:    0.0001 + r.Float64()*0.9998,
		}
		rec, err := Optimize(p)
		require.NoError(t, err)

		assert.GreaterOrEqual(t, rec.RecommendedSafetyStock, 0, "%+v", p)
		// Rounding can cost at most half a unit against the unrounded bound.
		assert.GreaterOrEqual(t, float64(rec.ReorderPoint), p.AvgDailyDemand*float64(p.LeadTimeDays)-0.5, "%+v", p)
	}
}
