package metrics

import (
	"fmt"
	"math"

	"github.com/cwbudde/crowdcalib/internal/sim"
)

// Weights are the objective weights. They must be non-negative and sum to 1.
type Weights struct {
	RMSE        float64 `json:"rmse" yaml:"rmse"`
	P95         float64 `json:"percentile95" yaml:"percentile95"`
	TimeGrowth  float64 `json:"timeGrowth" yaml:"timeGrowth"`
	DensityDiff float64 `json:"densityDiff" yaml:"densityDiff"`
}

// DefaultWeights returns the documented weight set.
func DefaultWeights() Weights {
	return Weights{RMSE: 0.40, P95: 0.25, TimeGrowth: 0.15, DensityDiff: 0.20}
}

const weightSumTolerance = 1e-9

// Validate checks the weights for negatives and the unit sum.
func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"rmse": w.RMSE, "percentile95": w.P95, "timeGrowth": w.TimeGrowth, "densityDiff": w.DensityDiff,
	} {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("weight %s must be non-negative, got %g", name, v)
		}
	}
	sum := w.RMSE + w.P95 + w.TimeGrowth + w.DensityDiff
	if math.Abs(sum-1) > weightSumTolerance {
		return fmt.Errorf("weights must sum to 1.0, got %g", sum)
	}
	return nil
}

// Breakdown is the per-metric view of one scored result.
type Breakdown struct {
	RMSE        float64 `json:"rmse"`
	P95         float64 `json:"percentile95"`
	TimeGrowth  float64 `json:"timeGrowth"`
	DensityDiff float64 `json:"densityDiff"`

	WeightedRMSE        float64 `json:"weightedRmse"`
	WeightedP95         float64 `json:"weightedPercentile95"`
	WeightedTimeGrowth  float64 `json:"weightedTimeGrowth"`
	WeightedDensityDiff float64 `json:"weightedDensityDiff"`

	Objective float64 `json:"objective"`
}

// Scorer computes the objective from a simulation result. A Scorer is an
// immutable value and safe for concurrent use.
type Scorer struct {
	weights Weights
}

// NewScorer returns a scorer with the given weights.
func NewScorer(w Weights) (*Scorer, error) {
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("failed to create scorer: %w", err)
	}
	return &Scorer{weights: w}, nil
}

// Weights returns the weights in use.
func (s *Scorer) Weights() Weights { return s.weights }

// Evaluate scores r. Lower is better. Missing density data contributes 0;
// missing agentErrors or averageError is a sim.DataError.
func (s *Scorer) Evaluate(r *sim.Result) (float64, Breakdown, error) {
	if r == nil {
		return 0, Breakdown{}, &sim.DataError{Reason: "no result"}
	}
	if err := r.Validate(); err != nil {
		return 0, Breakdown{}, err
	}

	b := Breakdown{
		RMSE:        RMSE(r.AgentErrors),
		P95:         P95(r.AgentErrors),
		TimeGrowth:  TimeGrowthPenalty(r.AgentErrors),
		DensityDiff: r.DensityDiff(),
	}
	b.WeightedRMSE = s.weights.RMSE * b.RMSE
	b.WeightedP95 = s.weights.P95 * b.P95
	b.WeightedTimeGrowth = s.weights.TimeGrowth * b.TimeGrowth
	b.WeightedDensityDiff = s.weights.DensityDiff * b.DensityDiff
	b.Objective = b.WeightedRMSE + b.WeightedP95 + b.WeightedTimeGrowth + b.WeightedDensityDiff

	return b.Objective, b, nil
}
