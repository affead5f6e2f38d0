package opt

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/cwbudde/crowdcalib/internal/params"
)

// countingObjective stands in for the simulator-backed objective.
type countingObjective struct {
	f      func([]float64) float64
	count  int
	gen    int
	gens   []int
	best   []float64
	bestF  float64
	failAt int
	err    error
	hook   func(n int)
}

func newCountingObjective(f func([]float64) float64) *countingObjective {
	return &countingObjective{f: f}
}

func (o *countingObjective) Evaluate(_ context.Context, x []float64) (float64, error) {
	if o.failAt > 0 && o.count+1 == o.failAt {
		return 0, o.err
	}
	v := o.f(x)
	o.count++
	o.gens = append(o.gens, o.gen)
	if o.best == nil || v < o.bestF {
		o.best = append([]float64(nil), x...)
		o.bestF = v
	}
	if o.hook != nil {
		o.hook(o.count)
	}
	return v, nil
}

func (o *countingObjective) SetGeneration(g int) { o.gen = g }
func (o *countingObjective) Count() int          { return o.count }

func (o *countingObjective) BestPoint() ([]float64, float64, bool) {
	return o.best, o.bestF, o.best != nil
}

// normalizedSphere has its minimum in the middle of the default space.
func normalizedSphere(x []float64) float64 {
	space := params.DefaultSpace()
	var sum float64
	for i, v := range x {
		r := space.Range(i)
		d := (v - (r.Min+r.Max)/2) / (r.Max - r.Min)
		sum += d * d
	}
	return sum
}

func testConfig(algorithm string, maxEvals int) Config {
	cfg := DefaultConfig()
	cfg.Algorithm = algorithm
	cfg.MaxEvaluations = maxEvals
	seed := int64(42)
	cfg.Seed = &seed
	return cfg
}

func newTestOptimizer(t *testing.T, cfg Config) *Optimizer {
	t.Helper()
	space := params.DefaultSpace()
	o, err := New(cfg, space.Lower(), space.Upper())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return o
}

func TestExactBudget(t *testing.T) {
	for _, budget := range []int{36, 37, 40, 72, 100} {
		obj := newCountingObjective(normalizedSphere)
		o := newTestOptimizer(t, testConfig(AlgorithmDE, budget))
		res, err := o.Run(context.Background(), obj, nil)
		if err != nil {
			t.Fatalf("budget %d: Run failed: %v", budget, err)
		}
		if obj.count != budget {
			t.Errorf("budget %d: performed %d evaluations", budget, obj.count)
		}
		if !res.Success || res.Evaluations != budget {
			t.Errorf("budget %d: result %+v", budget, res)
		}
	}
}

func TestBudgetFromGenerations(t *testing.T) {
	cfg := testConfig(AlgorithmDE, 0)
	cfg.Generations = 3
	if got := cfg.Budget(params.Dim); got != 108 {
		t.Fatalf("Budget = %d, want 2*18*3", got)
	}
	obj := newCountingObjective(normalizedSphere)
	if _, err := newTestOptimizer(t, cfg).Run(context.Background(), obj, nil); err != nil {
		t.Fatal(err)
	}
	if obj.count != 108 {
		t.Errorf("performed %d evaluations, want 108", obj.count)
	}
}

func TestGenerationTagging(t *testing.T) {
	obj := newCountingObjective(normalizedSphere)
	o := newTestOptimizer(t, testConfig(AlgorithmDE, 80))

	var boundaries []GenerationStats
	o.OnGeneration(func(s GenerationStats) { boundaries = append(boundaries, s) })
	if _, err := o.Run(context.Background(), obj, nil); err != nil {
		t.Fatal(err)
	}

	for i, g := range obj.gens {
		if want := i/36 + 1; g != want {
			t.Fatalf("evaluation %d tagged generation %d, want %d", i+1, g, want)
		}
	}
	if len(boundaries) != 3 {
		t.Fatalf("got %d generation boundaries, want 3", len(boundaries))
	}
	last := boundaries[2]
	if last.Generation != 3 || last.Evaluations != 80 || last.Size != 8 {
		t.Errorf("last boundary %+v", last)
	}
	if boundaries[1].BestObjective > boundaries[0].BestObjective {
		t.Error("best objective got worse across generations")
	}
}

func TestResumePerformsRemainingEvaluations(t *testing.T) {
	obj := newCountingObjective(normalizedSphere)
	obj.count = 20

	o := newTestOptimizer(t, testConfig(AlgorithmDE, 36))
	prior := params.Baseline().Vector()
	res, err := o.Run(context.Background(), obj, &Resume{
		Completed:  20,
		Generation: 1,
		RNG:        &RNGState{Seed: 7, Draws: 1234},
		BestX:      prior,
	})
	if err != nil {
		t.Fatal(err)
	}
	if obj.count != 36 || len(obj.gens) != 16 {
		t.Fatalf("performed %d new evaluations, want 16", len(obj.gens))
	}
	for _, g := range obj.gens {
		if g != 1 {
			t.Fatalf("resumed evaluation tagged generation %d, want 1", g)
		}
	}
	if res.SessionEvaluations != 16 || res.Evaluations != 36 || res.Seed != 7 {
		t.Errorf("result %+v", res)
	}
}

func TestResumeWithBudgetConsumed(t *testing.T) {
	obj := newCountingObjective(normalizedSphere)
	obj.count = 36
	res, err := newTestOptimizer(t, testConfig(AlgorithmDE, 36)).Run(context.Background(), obj, &Resume{Completed: 36})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || len(obj.gens) != 0 {
		t.Errorf("expected no work, got %+v", res)
	}
}

func TestResumeCountMismatch(t *testing.T) {
	obj := newCountingObjective(normalizedSphere)
	obj.count = 3
	if _, err := newTestOptimizer(t, testConfig(AlgorithmDE, 36)).Run(context.Background(), obj, &Resume{Completed: 20}); err == nil {
		t.Error("mismatched counters accepted")
	}
}

func TestSeedGeneratedAndReported(t *testing.T) {
	cfg := testConfig(AlgorithmDE, 36)
	cfg.Seed = nil
	o := newTestOptimizer(t, cfg)
	res, err := o.Run(context.Background(), newCountingObjective(normalizedSphere), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Seed != o.Seed() || o.RNGState().Seed != res.Seed {
		t.Errorf("seed not reported consistently: result %d, optimizer %d", res.Seed, o.Seed())
	}
	if o.RNGState().Draws == 0 {
		t.Error("no random draws recorded")
	}
}

func TestSameSeedSameSearch(t *testing.T) {
	run := func() []float64 {
		obj := newCountingObjective(normalizedSphere)
		res, err := newTestOptimizer(t, testConfig(AlgorithmDE, 72)).Run(context.Background(), obj, nil)
		if err != nil {
			t.Fatal(err)
		}
		return []float64{res.BestObjective, float64(res.Evaluations)}
	}
	a, b := run(), run()
	if a[0] != b[0] || a[1] != b[1] {
		t.Errorf("runs with the same seed differ: %v vs %v", a, b)
	}
}

func TestEvaluationFailureStopsSearch(t *testing.T) {
	boom := errors.New("simulator crashed")
	obj := newCountingObjective(normalizedSphere)
	obj.failAt = 5
	obj.err = boom

	res, err := newTestOptimizer(t, testConfig(AlgorithmDE, 36)).Run(context.Background(), obj, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected evaluation error, got %v", err)
	}
	if obj.count != 4 {
		t.Errorf("evaluations after failure: %d, want 4", obj.count)
	}
	if res == nil || res.Success || res.Evaluations != 4 {
		t.Errorf("partial result %+v", res)
	}
}

func TestCancellationStopsSearch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	obj := newCountingObjective(normalizedSphere)
	obj.hook = func(n int) {
		if n == 3 {
			cancel()
		}
	}
	_, err := newTestOptimizer(t, testConfig(AlgorithmDE, 36)).Run(ctx, obj, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if obj.count != 3 {
		t.Errorf("evaluations after cancel: %d, want 3", obj.count)
	}
}

func TestConvergenceEndsEarly(t *testing.T) {
	obj := newCountingObjective(func([]float64) float64 { return 1 })
	res, err := newTestOptimizer(t, testConfig(AlgorithmDE, 360)).Run(context.Background(), obj, nil)
	if err != nil {
		t.Fatal(err)
	}
	if obj.count != 36 || !res.Success {
		t.Errorf("flat objective: %d evaluations, result %+v", obj.count, res)
	}
}

func TestStagnationStopsSearch(t *testing.T) {
	cfg := testConfig(AlgorithmDE, 36*20)
	cfg.Tol = 0
	cfg.Stagnation = StagnationConfig{Enabled: true, Patience: 2, Threshold: 0.5}
	obj := newCountingObjective(normalizedSphere)
	res, err := newTestOptimizer(t, cfg).Run(context.Background(), obj, nil)
	if err != nil {
		t.Fatal(err)
	}
	if obj.count >= 36*20 || obj.count%36 != 0 {
		t.Errorf("stagnation stop after %d evaluations", obj.count)
	}
	if !res.Success {
		t.Errorf("stagnation stop should count as success: %+v", res)
	}
}

func TestMayflyExactBudget(t *testing.T) {
	obj := newCountingObjective(normalizedSphere)
	res, err := newTestOptimizer(t, testConfig(AlgorithmMayfly, 100)).Run(context.Background(), obj, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if obj.count != 100 {
		t.Errorf("mayfly performed %d evaluations, want 100", obj.count)
	}
	if res.Algorithm != AlgorithmMayfly || len(res.BestX) != params.Dim {
		t.Errorf("result %+v", res)
	}
	space := params.DefaultSpace()
	if !space.Contains(res.BestX) {
		t.Errorf("best point outside bounds: %v", res.BestX)
	}
}

func TestMayflyDeterministic(t *testing.T) {
	run := func() float64 {
		obj := newCountingObjective(normalizedSphere)
		res, err := newTestOptimizer(t, testConfig(AlgorithmMayfly, 60)).Run(context.Background(), obj, nil)
		if err != nil {
			t.Fatal(err)
		}
		return res.BestObjective
	}
	if a, b := run(), run(); a != b {
		t.Errorf("non-deterministic: %v vs %v", a, b)
	}
}

func TestCMAESExactBudget(t *testing.T) {
	obj := newCountingObjective(normalizedSphere)
	res, err := newTestOptimizer(t, testConfig(AlgorithmCMAES, 90)).Run(context.Background(), obj, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if obj.count != 90 {
		t.Errorf("cma-es performed %d evaluations, want 90", obj.count)
	}
	if math.IsNaN(res.BestObjective) || res.BestObjective > normalizedSphere(params.Baseline().Vector())+1 {
		t.Errorf("unexpected best objective %v", res.BestObjective)
	}
}

func TestConfigValidate(t *testing.T) {
	bad := []func(*Config){
		func(c *Config) { c.Algorithm = "anneal" },
		func(c *Config) { c.PopSize = 0 },
		func(c *Config) { c.MaxEvaluations, c.Generations = 0, 0 },
		func(c *Config) { c.MaxEvaluations = -1 },
		func(c *Config) { c.Stagnation = StagnationConfig{Enabled: true} },
	}
	for i, mutate := range bad {
		cfg := DefaultConfig()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
	cfg := DefaultConfig()
	cfg.Strategy = "best9bin"
	if _, err := New(cfg, []float64{0}, []float64{1}); err == nil {
		t.Error("unknown DE strategy accepted")
	}
}
