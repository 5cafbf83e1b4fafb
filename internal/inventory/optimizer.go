// Package inventory computes safety stock and reorder points from a demand
// forecast under demand and lead-time uncertainty.
package inventory

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-playground/validator/v10"
	"gonum.org/v1/gonum/stat/distuv"
)

// ErrInvalidArgument is returned when a parameter is outside its domain.
var ErrInvalidArgument = errors.New("invalid argument")

var validate = validator.New()

// Params are the inputs of a single optimization.
type Params struct {
	AvgDailyDemand  float64 `validate:"gte=0"`
	ErrorStd        float64 `validate:"gte=0"`
	LeadTimeDays    int     `validate:"gt=0"`
	LeadTimeStdDays float64 `validate:"gte=0"`
	ServiceLevel    float64 `validate:"gt=0,lt=1"`
}

// InputsSummary echoes the inputs, rounded to two decimals.
type InputsSummary struct {
	AvgDailyDemandForecast float64 `json:"avg_daily_demand_forecast"`
	ModelErrorStdDev       float64 `json:"model_error_std_dev"`
	LeadTimeDays           int     `json:"lead_time_days"`
	LeadTimeStdDays        float64 `json:"lead_time_std_days"`
	ZScore                 float64 `json:"z_score"`
	CombinedStdDev         float64 `json:"combined_std_dev"`
}

// Recommendation is the optimizer result embedded in a forecast job's payload.
type Recommendation struct {
	ServiceLevelPercent    float64       `json:"service_level_percent"`
	RecommendedSafetyStock int           `json:"recommended_safety_stock"`
	ReorderPoint           int           `json:"reorder_point"`
	InputsSummary          InputsSummary `json:"inputs_summary"`
}

// Optimize returns the safety stock and reorder point that keep the probability
// of not stocking out during lead time at p.ServiceLevel.
//
//	z        = Φ⁻¹(service level)
//	combined = √(L·σe² + d²·σL²)
//	safety   = max(0, z·combined)
//	reorder  = d·L + safety
//
// Below a 50% service level z is negative; safety stock is floored at zero
// rather than recommending a reorder point under expected lead-time demand.
func Optimize(p Params) (*Recommendation, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	z := distuv.UnitNormal.Quantile(p.ServiceLevel)
	lead := float64(p.LeadTimeDays)

	demandVariance := lead * p.ErrorStd * p.ErrorStd
	leadTimeVariance := p.AvgDailyDemand * p.AvgDailyDemand * p.LeadTimeStdDays * p.LeadTimeStdDays
	combined := math.Sqrt(demandVariance + leadTimeVariance)

	safety := math.Max(0, z*combined)
	reorder := p.AvgDailyDemand*lead + safety

	return &Recommendation{
		ServiceLevelPercent:    round2(p.ServiceLevel * 100),
		RecommendedSafetyStock: int(math.Round(safety)),
		ReorderPoint:           int(math.Round(reorder)),
		InputsSummary: InputsSummary{
			AvgDailyDemandForecast: round2(p.AvgDailyDemand),
			ModelErrorStdDev:       round2(p.ErrorStd),
			LeadTimeDays:           p.LeadTimeDays,
			LeadTimeStdDays:        round2(p.LeadTimeStdDays),
			ZScore:                 round2(z),
			CombinedStdDev:         round2(combined),
		},
	}, nil
}

// Validate reports the first out-of-range parameter as ErrInvalidArgument.
func (p Params) Validate() error {
	for _, v := range []float64{p.AvgDailyDemand, p.ErrorStd, p.LeadTimeStdDays, p.ServiceLevel} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: parameters must be finite", ErrInvalidArgument)
		}
	}
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			if fe.Field() == "ServiceLevel" {
				return fmt.Errorf("%w: service level must be between 0 and 1 exclusive, got %v", ErrInvalidArgument, p.ServiceLevel)
			}
			return fmt.Errorf("%w: %s must satisfy %s=%s, got %v", ErrInvalidArgument, fe.Field(), fe.Tag(), fe.Param(), fe.Value())
		}
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
