package opt

import (
	"context"
	"log/slog"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Sentinel is the objective reported for calls the gate refuses to
// evaluate. It is far worse than any real objective.
const Sentinel = 1e10

// Objective is the expensive function the gate protects.
type Objective interface {
	Evaluate(ctx context.Context, x []float64) (float64, error)
	SetGeneration(g int)
	// Count is the number of completed evaluations, including the ones of
	// earlier sessions.
	Count() int
	BestPoint() ([]float64, float64, bool)
}

// GenerationOf returns the 1-based generation of the evaluation with the
// given 1-based index.
func GenerationOf(evaluation, popSize int) int {
	if evaluation <= 0 || popSize <= 0 {
		return 0
	}
	return (evaluation-1)/popSize + 1
}

// GenerationStats summarizes a generation once its last evaluation is done.
type GenerationStats struct {
	Generation    int       `json:"generation"`
	Evaluations   int       `json:"evaluations"`
	Size          int       `json:"size"`
	BestObjective float64   `json:"bestObjective"`
	GenerationMin float64   `json:"generationMin"`
	MeanObjective float64   `json:"meanObjective"`
	StdObjective  float64   `json:"stdObjective"`
	Timestamp     time.Time `json:"timestamp"`
}

// Gate enforces an exact evaluation budget around an Objective. Every call
// is counted; calls past the target, after a failure, after cancellation or
// after a stop request return Sentinel without touching the objective.
type Gate struct {
	ctx     context.Context
	obj     Objective
	target  int
	popSize int

	calls   int
	err     error
	stopped string
	current []float64

	onGeneration func(GenerationStats)
}

// NewGate wraps obj. target is the total budget including evaluations of
// earlier sessions.
func NewGate(ctx context.Context, obj Objective, target, popSize int) *Gate {
	return &Gate{ctx: ctx, obj: obj, target: target, popSize: max(popSize, 1)}
}

// Func is the objective handed to the search algorithm.
func (g *Gate) Func(x []float64) float64 {
	g.calls++
	if g.Done() {
		return Sentinel
	}
	if err := g.ctx.Err(); err != nil {
		g.err = err
		return Sentinel
	}

	next := g.obj.Count() + 1
	g.obj.SetGeneration(GenerationOf(next, g.popSize))
	f, err := g.obj.Evaluate(g.ctx, x)
	if err != nil {
		g.err = err
		slog.Error("Evaluation failed, stopping search", "eval", next, "error", err)
		return Sentinel
	}

	g.current = append(g.current, f)
	done := g.obj.Count()
	if done%g.popSize == 0 || done >= g.target {
		g.endGeneration(done)
	}
	return f
}

func (g *Gate) endGeneration(done int) {
	if len(g.current) == 0 {
		return
	}
	mean, std := stat.PopMeanStdDev(g.current, nil)
	stats := GenerationStats{
		Generation:    GenerationOf(done, g.popSize),
		Evaluations:   done,
		Size:          len(g.current),
		GenerationMin: floats.Min(g.current),
		MeanObjective: mean,
		StdObjective:  std,
		Timestamp:     time.Now(),
	}
	if _, best, ok := g.obj.BestPoint(); ok {
		stats.BestObjective = best
	} else {
		stats.BestObjective = stats.GenerationMin
	}
	g.current = g.current[:0]

	slog.Info("Generation complete",
		"generation", stats.Generation,
		"evaluations", done,
		"target", g.target,
		"best_objective", stats.BestObjective,
		"mean_objective", mean)
	if g.onGeneration != nil {
		g.onGeneration(stats)
	}
}

// Stop makes every further call return Sentinel.
func (g *Gate) Stop(reason string) {
	if g.stopped == "" {
		g.stopped = reason
	}
}

// Done reports whether the search should end.
func (g *Gate) Done() bool {
	return g.err != nil || g.stopped != "" || g.Exhausted()
}

// Exhausted reports whether the budget has been consumed.
func (g *Gate) Exhausted() bool { return g.obj.Count() >= g.target }

// Err returns the evaluation error or cancellation that stopped the gate.
func (g *Gate) Err() error { return g.err }

// Calls returns the number of calls made by the algorithm, refused ones
// included.
func (g *Gate) Calls() int { return g.calls }

// StopReason returns the reason passed to Stop.
func (g *Gate) StopReason() string { return g.stopped }
