package metrics

import (
	"errors"
	"math"
	"testing"

	"github.com/cwbudde/crowdcalib/internal/sim"
)

const eps = 1e-9

func agentWithMean(id int, mean float64) sim.AgentError {
	return sim.AgentError{AgentID: id, MeanError: mean}
}

func agentWithSeries(id int, errs ...float64) sim.AgentError {
	a := sim.AgentError{AgentID: id, TrajectoryLength: len(errs)}
	for i, e := range errs {
		a.Errors = append(a.Errors, sim.ErrorSample{TimeIndex: i, Error: e})
	}
	return a
}

func TestEmptyInputs(t *testing.T) {
	if v := RMSE(nil); v != 0 {
		t.Errorf("RMSE(nil) = %v", v)
	}
	if v := P95(nil); v != 0 {
		t.Errorf("P95(nil) = %v", v)
	}
	if v := P95([]sim.AgentError{}); v != 0 {
		t.Errorf("P95([]) = %v", v)
	}
	if v := TimeGrowthPenalty(nil); v != 0 {
		t.Errorf("TimeGrowthPenalty(nil) = %v", v)
	}
	if v := QuartileGrowth(nil); v != 0 {
		t.Errorf("QuartileGrowth(nil) = %v", v)
	}
}

func TestRMSEAndP95OfMeans(t *testing.T) {
	agents := []sim.AgentError{
		agentWithMean(1, 1.0),
		agentWithMean(2, 2.0),
		agentWithMean(3, 3.0),
		agentWithMean(4, 4.0),
	}
	// Per-sample data must not influence RMSE-of-means.
	agents[0].Errors = []sim.ErrorSample{{TimeIndex: 0, Error: 100}}

	wantRMSE := math.Sqrt((1.0 + 4.0 + 9.0 + 16.0) / 4.0)
	if got := RMSE(agents); math.Abs(got-wantRMSE) > eps {
		t.Errorf("RMSE = %v, want %v", got, wantRMSE)
	}
	if got := P95(agents); math.Abs(got-3.85) > eps {
		t.Errorf("P95 = %v, want 3.85", got)
	}
	// Order of agents does not matter.
	reversed := []sim.AgentError{agents[3], agents[2], agents[1], agents[0]}
	if got := P95(reversed); math.Abs(got-3.85) > eps {
		t.Errorf("P95 (reversed) = %v, want 3.85", got)
	}
}

func TestPercentile(t *testing.T) {
	tests := []struct {
		values []float64
		p      float64
		want   float64
	}{
		{[]float64{5}, 95, 5},
		{[]float64{1, 2}, 50, 1.5},
		{[]float64{1, 2, 3, 4, 5}, 100, 5},
		{[]float64{1, 2, 3, 4, 5}, 0, 1},
		{[]float64{10, 0, 20}, 50, 10},
	}
	for _, tt := range tests {
		if got := Percentile(tt.values, tt.p); math.Abs(got-tt.want) > eps {
			t.Errorf("Percentile(%v, %v) = %v, want %v", tt.values, tt.p, got, tt.want)
		}
	}
}

func TestTimeGrowthConstantError(t *testing.T) {
	agents := []sim.AgentError{agentWithSeries(1, 0.7, 0.7, 0.7, 0.7, 0.7)}
	if got := TimeGrowthPenalty(agents); got != 0 {
		t.Errorf("Constant error should give exactly 0, got %v", got)
	}

	// A constant agent still counts in the average.
	agents = append(agents, agentWithSeries(2, 0, 1, 2, 3))
	if got := TimeGrowthPenalty(agents); math.Abs(got-0.5) > eps {
		t.Errorf("Expected (0 + 1)/2 = 0.5, got %v", got)
	}
}

func TestTimeGrowthIncreasingAndDecreasing(t *testing.T) {
	inc := []sim.AgentError{agentWithSeries(1, 1, 2, 3, 4)}
	if got := TimeGrowthPenalty(inc); math.Abs(got-1.0) > eps {
		t.Errorf("Increasing slope = %v, want 1", got)
	}

	dec := []sim.AgentError{agentWithSeries(1, 4, 3, 2, 1)}
	if got := TimeGrowthPenalty(dec); got != 0 {
		t.Errorf("Decreasing slope should clamp to 0, got %v", got)
	}

	mixed := []sim.AgentError{agentWithSeries(1, 4, 3, 2, 1), agentWithSeries(2, 0, 2, 4, 6)}
	if got := TimeGrowthPenalty(mixed); math.Abs(got-1.0) > eps {
		t.Errorf("Mixed = %v, want (0 + 2)/2 = 1", got)
	}
}

func TestTimeGrowthExcludesShortSeries(t *testing.T) {
	agents := []sim.AgentError{
		agentWithSeries(1, 0, 10, 20),
		agentWithSeries(2, 0, 1, 2, 3),
	}
	if got := TimeGrowthPenalty(agents); math.Abs(got-1.0) > eps {
		t.Errorf("Short series must be excluded, not averaged as 0: got %v", got)
	}
	if got := TimeGrowthPenalty(agents[:1]); got != 0 {
		t.Errorf("No qualifying agent should give 0, got %v", got)
	}
}

func TestTimeGrowthUsesTimeIndex(t *testing.T) {
	a := sim.AgentError{Errors: []sim.ErrorSample{
		{TimeIndex: 0, Error: 0},
		{TimeIndex: 10, Error: 1},
		{TimeIndex: 20, Error: 2},
		{TimeIndex: 30, Error: 3},
	}}
	if got := TimeGrowthPenalty([]sim.AgentError{a}); math.Abs(got-0.1) > eps {
		t.Errorf("Slope per time index = %v, want 0.1", got)
	}
}

func TestQuartileGrowth(t *testing.T) {
	a := agentWithSeries(3, 1, 1, 1, 1, 2, 2, 2, 2)
	got := QuartileGrowth([]sim.AgentError{a})
	if math.Abs(got-1.0) > eps {
		t.Errorf("QuartileGrowth = %v, want 1", got)
	}

	small := agentWithSeries(4, 0.05, 0.05, 1, 1)
	if got := QuartileGrowth([]sim.AgentError{small}); got != 0 {
		t.Errorf("Tiny early mean should give 0, got %v", got)
	}

	top := TopGrowthAgents([]sim.AgentError{small, a, agentWithSeries(5, 1, 1, 1, 3)}, 2)
	if len(top) != 2 {
		t.Fatalf("Expected 2 agents, got %d", len(top))
	}
	if top[0].AgentID != 5 || top[1].AgentID != 3 {
		t.Errorf("Unexpected order: %+v", top)
	}
}

func TestWeightsValidate(t *testing.T) {
	if err := DefaultWeights().Validate(); err != nil {
		t.Errorf("Default weights invalid: %v", err)
	}
	if err := (Weights{RMSE: 0.5, P95: 0.3, TimeGrowth: 0.2}).Validate(); err != nil {
		t.Errorf("Three-metric weights should be valid: %v", err)
	}
	if err := (Weights{RMSE: 0.5, P95: 0.5, TimeGrowth: 0.5}).Validate(); err == nil {
		t.Error("Expected error for sum != 1")
	}
	if err := (Weights{RMSE: 1.2, P95: -0.2}).Validate(); err == nil {
		t.Error("Expected error for negative weight")
	}
	if _, err := NewScorer(Weights{}); err == nil {
		t.Error("NewScorer accepted zero weights")
	}
}

func TestScorerWeightedSum(t *testing.T) {
	scorer, err := NewScorer(DefaultWeights())
	if err != nil {
		t.Fatal(err)
	}

	r := &sim.Result{
		AverageError: sim.Float(2.5),
		AgentErrors: []sim.AgentError{
			agentWithSeries(1, 1, 2, 3, 4),
			agentWithSeries(2, 2, 2, 2, 2),
		},
	}
	r.AgentErrors[0].MeanError = 2.5
	r.AgentErrors[1].MeanError = 2.0

	objective, b, err := scorer.Evaluate(r)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	rmse := math.Sqrt((2.5*2.5 + 2.0*2.0) / 2)
	p95 := 2.0 + 0.95*0.5
	growth := 0.5
	want := 0.40*rmse + 0.25*p95 + 0.15*growth

	if math.Abs(b.RMSE-rmse) > eps || math.Abs(b.P95-p95) > eps || math.Abs(b.TimeGrowth-growth) > eps {
		t.Errorf("Unexpected breakdown: %+v", b)
	}
	if b.DensityDiff != 0 || b.WeightedDensityDiff != 0 {
		t.Errorf("Density should default to 0: %+v", b)
	}
	if math.Abs(objective-want) > eps || objective != b.Objective {
		t.Errorf("Objective = %v (breakdown %v), want %v", objective, b.Objective, want)
	}
	if math.Abs(b.WeightedRMSE-0.40*rmse) > eps {
		t.Errorf("WeightedRMSE = %v", b.WeightedRMSE)
	}
}

func TestScorerDensity(t *testing.T) {
	scorer, _ := NewScorer(DefaultWeights())
	r := &sim.Result{
		AverageError:   sim.Float(0),
		AgentErrors:    []sim.AgentError{},
		DensityMetrics: &sim.DensityMetrics{MeanDensityDifference: 1.5},
	}
	objective, _, err := scorer.Evaluate(r)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(objective-0.3) > eps {
		t.Errorf("Objective = %v, want 0.20*1.5", objective)
	}
}

func TestScorerMissingFields(t *testing.T) {
	scorer, _ := NewScorer(DefaultWeights())
	cases := []*sim.Result{
		nil,
		{AverageError: sim.Float(1)},
		{AgentErrors: []sim.AgentError{}},
	}
	for i, r := range cases {
		if _, _, err := scorer.Evaluate(r); !errors.Is(err, sim.ErrDataError) {
			t.Errorf("case %d: expected DataError, got %v", i, err)
		}
	}
}
