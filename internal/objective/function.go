// Package objective turns a parameter vector into a scalar fitness by
// running the simulator, scoring the result and recording it.
package objective

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cwbudde/crowdcalib/internal/gateway"
	"github.com/cwbudde/crowdcalib/internal/history"
	"github.com/cwbudde/crowdcalib/internal/metrics"
	"github.com/cwbudde/crowdcalib/internal/params"
	"github.com/cwbudde/crowdcalib/internal/sim"
)

// DefaultTimeout bounds a single simulation.
const DefaultTimeout = 10 * time.Minute

// Config wires the collaborators of a Function.
type Config struct {
	Space   *params.Space
	Clamp   bool
	Gateway gateway.Gateway
	Scorer  *metrics.Scorer
	Tracker *history.Tracker
	Timeout time.Duration
}

// Evaluation is one completed, recorded evaluation.
type Evaluation struct {
	Record   history.Record
	Result   *sim.Result
	Duration time.Duration
}

// Observer is notified after every recorded evaluation. Observers run on
// the evaluating goroutine; evaluation N+1 is not submitted before they
// return.
type Observer func(Evaluation) error

// State is the resumable part of a Function.
type State struct {
	Count      int
	Generation int
	Best       *history.Record
}

// Function is the calibration objective. It is called by one optimizer at
// a time; the accessors are safe to call concurrently.
type Function struct {
	cfg Config

	mu          sync.Mutex
	count       int
	generation  int
	best        *history.Record
	evaluations []history.Record
	observers   []Observer
}

// New validates cfg and returns a Function with zeroed counters.
func New(cfg Config) (*Function, error) {
	if cfg.Gateway == nil || cfg.Scorer == nil || cfg.Tracker == nil {
		return nil, errors.New("objective requires a gateway, a scorer and a tracker")
	}
	if cfg.Space == nil {
		cfg.Space = params.DefaultSpace()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Function{cfg: cfg, generation: 1}, nil
}

// OnEvaluation registers an observer.
func (f *Function) OnEvaluation(o Observer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers = append(f.observers, o)
}

// SetGeneration sets the generation tag for subsequent evaluations.
func (f *Function) SetGeneration(g int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generation = g
}

// Generation returns the current generation tag.
func (f *Function) Generation() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generation
}

// Count returns the number of successfully recorded evaluations, including
// the ones restored from a checkpoint.
func (f *Function) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

// Best returns the best evaluation known to this function.
func (f *Function) Best() (history.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.best == nil {
		return history.Record{}, false
	}
	return *f.best, true
}

// BestPoint returns the best parameter vector and its objective.
func (f *Function) BestPoint() ([]float64, float64, bool) {
	rec, ok := f.Best()
	if !ok {
		return nil, 0, false
	}
	return rec.Set.Vector(), rec.Objective, true
}

// Evaluations returns the records produced in this session.
func (f *Function) Evaluations() []history.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]history.Record, len(f.evaluations))
	copy(out, f.evaluations)
	return out
}

// Reset clears counters and the in-memory cache. The durable log is kept.
func (f *Function) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count = 0
	f.generation = 1
	f.best = nil
	f.evaluations = nil
}

// Restore pre-seeds counters and the best known evaluation for a resumed
// campaign.
func (f *Function) Restore(s State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count = s.Count
	f.generation = max(s.Generation, 1)
	f.best = nil
	if s.Best != nil {
		b := *s.Best
		f.best = &b
	}
	slog.Info("Objective restored", "evaluations", s.Count, "generation", f.generation)
}

// State returns the resumable state.
func (f *Function) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := State{Count: f.count, Generation: f.generation}
	if f.best != nil {
		b := *f.best
		s.Best = &b
	}
	return s
}

// Evaluate runs one simulation for x and returns its objective. The
// evaluation counter only advances once the record is durable, so a failed
// evaluation keeps its number for the next attempt.
func (f *Function) Evaluate(ctx context.Context, x []float64) (float64, error) {
	f.mu.Lock()
	iteration := f.count + 1
	generation := f.generation
	f.mu.Unlock()

	experimentID := sim.ExperimentID(iteration)
	start := time.Now()

	vec, err := f.cfg.Space.Prepare(x, f.cfg.Clamp)
	if err != nil {
		return 0, fmt.Errorf("evaluation %s rejected: %w", experimentID, err)
	}
	set, err := params.FromVector(vec)
	if err != nil {
		return 0, err
	}

	slog.Info("Evaluation started", "eval", iteration, "generation", generation, "experiment_id", experimentID)

	h, err := f.cfg.Gateway.Submit(ctx, set, experimentID)
	if err != nil {
		return 0, fmt.Errorf("failed to submit %s: %w", experimentID, err)
	}
	result, err := f.cfg.Gateway.AwaitResult(ctx, h, f.cfg.Timeout)
	if err != nil {
		return 0, fmt.Errorf("failed to evaluate %s: %w", experimentID, err)
	}

	objective, breakdown, err := f.cfg.Scorer.Evaluate(result)
	if err != nil {
		return 0, fmt.Errorf("failed to score %s: %w", experimentID, err)
	}

	rec := history.NewRecord(iteration, generation, objective, set, breakdown)
	if err := f.cfg.Tracker.Record(rec); err != nil {
		return 0, fmt.Errorf("failed to record %s: %w", experimentID, err)
	}

	f.mu.Lock()
	f.count = iteration
	improved := f.best == nil || objective < f.best.Objective
	if improved {
		f.best = &rec
	}
	f.evaluations = append(f.evaluations, rec)
	observers := append([]Observer(nil), f.observers...)
	f.mu.Unlock()

	elapsed := time.Since(start)
	slog.Info("Evaluation complete",
		"eval", iteration,
		"generation", generation,
		"objective", objective,
		"rmse", breakdown.RMSE,
		"percentile_95", breakdown.P95,
		"time_growth", breakdown.TimeGrowth,
		"density_diff", breakdown.DensityDiff,
		"improved", improved,
		"elapsed", elapsed.Round(time.Millisecond))

	ev := Evaluation{Record: rec, Result: result, Duration: elapsed}
	for _, o := range observers {
		if err := o(ev); err != nil {
			return objective, fmt.Errorf("evaluation %s observer failed: %w", experimentID, err)
		}
	}
	return objective, nil
}
