package objective

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cwbudde/crowdcalib/internal/gateway"
	"github.com/cwbudde/crowdcalib/internal/history"
	"github.com/cwbudde/crowdcalib/internal/metrics"
	"github.com/cwbudde/crowdcalib/internal/params"
	"github.com/cwbudde/crowdcalib/internal/sim"
)

// stubGateway answers with a single-agent result whose error is the
// relaxation time, so the objective is a known function of the input.
type stubGateway struct {
	submitted []string
	failOn    map[string]error
}

func (g *stubGateway) Submit(_ context.Context, p params.Set, id string) (*gateway.Handle, error) {
	g.submitted = append(g.submitted, id)
	return &gateway.Handle{ExperimentID: id, Params: p, SubmittedAt: time.Now()}, nil
}

func (g *stubGateway) AwaitResult(_ context.Context, h *gateway.Handle, _ time.Duration) (*sim.Result, error) {
	if err := g.failOn[h.ExperimentID]; err != nil {
		return nil, err
	}
	e := h.Params.RelaxationTime
	return &sim.Result{
		ExperimentID: h.ExperimentID,
		AverageError: sim.Float(e),
		AgentErrors:  []sim.AgentError{{AgentID: 1, MeanError: e}},
	}, nil
}

func newFunction(t *testing.T, gw gateway.Gateway, clamp bool) (*Function, *history.Tracker) {
	t.Helper()
	store, err := history.OpenCSVStore(filepath.Join(t.TempDir(), "evaluations.csv"), false)
	if err != nil {
		t.Fatal(err)
	}
	tracker, err := history.NewTracker(store, false)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tracker.Close() })

	scorer, err := metrics.NewScorer(metrics.DefaultWeights())
	if err != nil {
		t.Fatal(err)
	}
	f, err := New(Config{Gateway: gw, Scorer: scorer, Tracker: tracker, Clamp: clamp})
	if err != nil {
		t.Fatal(err)
	}
	return f, tracker
}

func withRelaxation(v float64) []float64 {
	p := params.Baseline()
	p.RelaxationTime = v
	return p.Vector()
}

func TestEvaluateCountsAndRecords(t *testing.T) {
	gw := &stubGateway{}
	f, tracker := newFunction(t, gw, false)

	f.SetGeneration(3)
	obj, err := f.Evaluate(context.Background(), withRelaxation(0.6))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	// rmse = p95 = 0.6, no growth, no density.
	want := 0.40*0.6 + 0.25*0.6
	if diff := obj - want; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("objective = %v, want %v", obj, want)
	}

	if f.Count() != 1 {
		t.Errorf("Count = %d, want 1", f.Count())
	}
	if gw.submitted[0] != "eval_0001" {
		t.Errorf("experiment id = %s, want eval_0001", gw.submitted[0])
	}
	rec, ok := tracker.BestSoFar()
	if !ok || rec.Iteration != 1 || rec.Generation != 3 {
		t.Errorf("Unexpected log record: %+v", rec)
	}
}

func TestEvaluateTracksBest(t *testing.T) {
	f, _ := newFunction(t, &stubGateway{}, false)
	for _, v := range []float64{0.7, 0.4, 0.5} {
		if _, err := f.Evaluate(context.Background(), withRelaxation(v)); err != nil {
			t.Fatal(err)
		}
	}
	best, ok := f.Best()
	if !ok || best.Iteration != 2 {
		t.Fatalf("Best = %+v, want iteration 2", best)
	}
	x, _, _ := f.BestPoint()
	if x[params.Index("relaxationTime")] != 0.4 {
		t.Errorf("BestPoint relaxationTime = %v", x[1])
	}
	if got := len(f.Evaluations()); got != 3 {
		t.Errorf("Evaluations = %d, want 3", got)
	}
}

func TestFailedEvaluationKeepsNumber(t *testing.T) {
	boom := &gateway.CrashError{ExperimentID: "eval_0002", ExitCode: 1}
	gw := &stubGateway{failOn: map[string]error{"eval_0002": boom}}
	f, tracker := newFunction(t, gw, false)

	if _, err := f.Evaluate(context.Background(), withRelaxation(0.5)); err != nil {
		t.Fatal(err)
	}
	_, err := f.Evaluate(context.Background(), withRelaxation(0.5))
	if !errors.Is(err, gateway.ErrExternalProcessCrashed) {
		t.Fatalf("Expected crash error, got %v", err)
	}
	if f.Count() != 1 {
		t.Errorf("Count advanced on failure: %d", f.Count())
	}
	if tracker.Len() != 1 {
		t.Errorf("Failed evaluation was logged: %d rows", tracker.Len())
	}

	delete(gw.failOn, "eval_0002")
	if _, err := f.Evaluate(context.Background(), withRelaxation(0.5)); err != nil {
		t.Fatal(err)
	}
	if last := gw.submitted[len(gw.submitted)-1]; last != "eval_0002" {
		t.Errorf("Retry used id %s, want eval_0002", last)
	}
}

func TestStrictModeRejectsOutOfBounds(t *testing.T) {
	gw := &stubGateway{}
	f, _ := newFunction(t, gw, false)
	_, err := f.Evaluate(context.Background(), withRelaxation(5))
	if !errors.Is(err, &params.ValidationError{}) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}
	if len(gw.submitted) != 0 {
		t.Error("Invalid vector reached the simulator")
	}
}

func TestClampModePinsValues(t *testing.T) {
	f, _ := newFunction(t, &stubGateway{}, true)
	if _, err := f.Evaluate(context.Background(), withRelaxation(5)); err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	best, _ := f.Best()
	if best.RelaxationTime != 0.8 {
		t.Errorf("relaxationTime = %v, want clamped 0.8", best.RelaxationTime)
	}
}

func TestRestoreAndReset(t *testing.T) {
	gw := &stubGateway{}
	f, _ := newFunction(t, gw, false)

	prior := history.NewRecord(20, 1, 0.01, params.Baseline(), metrics.Breakdown{Objective: 0.01})
	f.Restore(State{Count: 20, Generation: 1, Best: &prior})
	if f.Count() != 20 {
		t.Fatalf("Count = %d, want 20", f.Count())
	}

	if _, err := f.Evaluate(context.Background(), withRelaxation(0.5)); err != nil {
		t.Fatal(err)
	}
	if gw.submitted[0] != "eval_0021" {
		t.Errorf("Resumed numbering started at %s", gw.submitted[0])
	}
	if best, _ := f.Best(); best.Iteration != 20 {
		t.Errorf("Restored best lost: %+v", best)
	}

	f.Reset()
	if f.Count() != 0 || f.Generation() != 1 {
		t.Errorf("Reset left count=%d generation=%d", f.Count(), f.Generation())
	}
	if _, ok := f.Best(); ok {
		t.Error("Reset kept best")
	}
}

func TestObserversRunInOrder(t *testing.T) {
	f, _ := newFunction(t, &stubGateway{}, false)
	var seen []int
	f.OnEvaluation(func(ev Evaluation) error {
		seen = append(seen, ev.Record.Iteration)
		return nil
	})
	for range 3 {
		f.Evaluate(context.Background(), withRelaxation(0.5))
	}
	if len(seen) != 3 || seen[0] != 1 || seen[2] != 3 {
		t.Errorf("Observer saw %v", seen)
	}

	f.OnEvaluation(func(Evaluation) error { return errors.New("disk full") })
	if _, err := f.Evaluate(context.Background(), withRelaxation(0.5)); err == nil {
		t.Error("Observer error not propagated")
	}
	if f.Count() != 4 {
		t.Errorf("Count = %d; a recorded evaluation must stay counted", f.Count())
	}
}
