// Package forecast turns a daily sales series into a feature matrix and runs a
// demand model over it.
package forecast

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// ErrUnknownFeature is returned when a model asks for a column the builder does not produce.
var ErrUnknownFeature = errors.New("unknown feature")

// Feature column names, in the order the builder produces them.
const (
	FeatureDayOfWeek     = "day_of_week"
	FeatureDayOfMonth    = "day_of_month"
	FeatureDayOfYear     = "day_of_year"
	FeatureWeekOfYear    = "week_of_year"
	FeatureMonth         = "month"
	FeatureYear          = "year"
	FeatureSalesLag7     = "sales_lag_7"
	FeatureSalesLag14    = "sales_lag_14"
	FeatureSalesLag30    = "sales_lag_30"
	FeatureRollingMean7  = "rolling_mean_7"
	FeatureRollingMean14 = "rolling_mean_14"
)

// FeatureNames lists every column the builder produces.
var FeatureNames = []string{
	FeatureDayOfWeek, FeatureDayOfMonth, FeatureDayOfYear, FeatureWeekOfYear, FeatureMonth, FeatureYear,
	FeatureSalesLag7, FeatureSalesLag14, FeatureSalesLag30, FeatureRollingMean7, FeatureRollingMean14,
}

var (
	lags    = []int{7, 14, 30}
	windows = []int{7, 14}
)

// SeriesPoint is one observation of quantity sold.
type SeriesPoint struct {
	Date     time.Time
	Quantity float64
}

// Row is one date of the feature matrix. Target is NaN on future rows until a
// prediction is written into it.
type Row struct {
	Date   time.Time
	Target float64
	Future bool

	DayOfWeek  int
	DayOfMonth int
	DayOfYear  int
	WeekOfYear int
	Month      int
	Year       int

	Lags         map[int]float64
	RollingMeans map[int]float64
}

// Value returns the named feature of the row.
func (r Row) Value(name string) (float64, error) {
	switch name {
	case FeatureDayOfWeek:
		return float64(r.DayOfWeek), nil
	case FeatureDayOfMonth:
		return float64(r.DayOfMonth), nil
	case FeatureDayOfYear:
		return float64(r.DayOfYear), nil
	case FeatureWeekOfYear:
		return float64(r.WeekOfYear), nil
	case FeatureMonth:
		return float64(r.Month), nil
	case FeatureYear:
		return float64(r.Year), nil
	case FeatureSalesLag7:
		return r.Lags[7], nil
	case FeatureSalesLag14:
		return r.Lags[14], nil
	case FeatureSalesLag30:
		return r.Lags[30], nil
	case FeatureRollingMean7:
		return r.RollingMeans[7], nil
	case FeatureRollingMean14:
		return r.RollingMeans[14], nil
	}
	return math.NaN(), fmt.Errorf("%w: %q", ErrUnknownFeature, name)
}

// Matrix is the feature matrix of a history followed by a forecast horizon.
type Matrix struct {
	Rows []Row
	// History is the number of leading rows with a known target.
	History int
}

// Day truncates t to its calendar date in UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Daily sums quantities per calendar date and returns them in date order.
func Daily(series []SeriesPoint) []SeriesPoint {
	totals := make(map[time.Time]float64, len(series))
	for _, p := range series {
		totals[Day(p.Date)] += p.Quantity
	}
	out := make([]SeriesPoint, 0, len(totals))
	for d, q := range totals {
		out = append(out, SeriesPoint{Date: d, Quantity: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// BuildFeatures aggregates series per day and appends horizon future days after
// the last observed date.
//
// Lag and rolling features read targets of earlier rows only; a rolling mean
// needs its full window of known targets. Any feature that would depend on a
// not yet predicted future target is NaN.
func BuildFeatures(series []SeriesPoint, horizon int) *Matrix {
	daily := Daily(series)
	m := &Matrix{History: len(daily)}
	if len(daily) == 0 {
		return m
	}
	if horizon < 0 {
		horizon = 0
	}

	m.Rows = make([]Row, 0, len(daily)+horizon)
	for _, p := range daily {
		m.Rows = append(m.Rows, calendarRow(p.Date, p.Quantity, false))
	}
	last := daily[len(daily)-1].Date
	for i := 1; i <= horizon; i++ {
		m.Rows = append(m.Rows, calendarRow(last.AddDate(0, 0, i), math.NaN(), true))
	}

	for i := range m.Rows {
		m.Recompute(i)
	}
	return m
}

func calendarRow(date time.Time, target float64, future bool) Row {
	_, week := date.ISOWeek()
	return Row{
		Date:   date,
		Target: target,
		Future: future,
		// Monday is 0.
		DayOfWeek:    (int(date.Weekday()) + 6) % 7,
		DayOfMonth:   date.Day(),
		DayOfYear:    date.YearDay(),
		WeekOfYear:   week,
		Month:        int(date.Month()),
		Year:         date.Year(),
		Lags:         make(map[int]float64, len(lags)),
		RollingMeans: make(map[int]float64, len(windows)),
	}
}

// SetTarget records a known or predicted target for row i. Rows after i keep
// their features until recomputed.
func (m *Matrix) SetTarget(i int, v float64) {
	m.Rows[i].Target = v
}

// Recompute refreshes the lag and rolling features of row i from the targets
// currently held by earlier rows.
func (m *Matrix) Recompute(i int) {
	r := &m.Rows[i]
	for _, lag := range lags {
		if i-lag >= 0 {
			r.Lags[lag] = m.Rows[i-lag].Target
		} else {
			r.Lags[lag] = math.NaN()
		}
	}
	for _, w := range windows {
		r.RollingMeans[w] = m.rollingMean(i, w)
	}
}

func (m *Matrix) rollingMean(i, window int) float64 {
	if i < window {
		return math.NaN()
	}
	sum := 0.0
	for j := i - window; j < i; j++ {
		v := m.Rows[j].Target
		if math.IsNaN(v) {
			return math.NaN()
		}
		sum += v
	}
	return sum / float64(window)
}

// Select returns rows [from, to) as a dense matrix with the given column order.
func (m *Matrix) Select(names []string, from, to int) ([][]float64, error) {
	if from < 0 || to > len(m.Rows) || from > to {
		return nil, fmt.Errorf("row range [%d, %d) out of bounds for %d rows", from, to, len(m.Rows))
	}
	X := make([][]float64, 0, to-from)
	for i := from; i < to; i++ {
		row := make([]float64, len(names))
		for j, name := range names {
			v, err := m.Rows[i].Value(name)
			if err != nil {
				return nil, err
			}
			row[j] = v
		}
		X = append(X, row)
	}
	return X, nil
}

// Future returns the rows appended after the history.
func (m *Matrix) Future() []Row {
	return m.Rows[m.History:]
}
