// Package opt drives a population-based search over the parameter space
// with an exact evaluation budget.
package opt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Algorithm names.
const (
	AlgorithmDE     = "de"
	AlgorithmMayfly = "mayfly"
	AlgorithmCMAES  = "cmaes"
)

// MutationRange bounds the differential weight of DE.
type MutationRange struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// Config selects and tunes the search algorithm.
type Config struct {
	Algorithm string `yaml:"algorithm" json:"algorithm"`
	// PopSize is the population size per dimension.
	PopSize        int `yaml:"popsize" json:"popsize"`
	Generations    int `yaml:"generations" json:"generations"`
	MaxEvaluations int `yaml:"max_evaluations" json:"maxEvaluations"`
	// Seed is generated when nil and reported in the result.
	Seed          *int64        `yaml:"seed" json:"seed,omitempty"`
	Strategy      string        `yaml:"strategy" json:"strategy"`
	Mutation      MutationRange `yaml:"mutation" json:"mutation"`
	Recombination float64       `yaml:"recombination" json:"recombination"`
	Tol           float64       `yaml:"tol" json:"tol"`
	Atol          float64       `yaml:"atol" json:"atol"`
	Init          string        `yaml:"init" json:"init"`
	// StepSize is the initial CMA-ES step in the unit cube.
	StepSize   float64          `yaml:"step_size" json:"stepSize"`
	Stagnation StagnationConfig `yaml:"stagnation" json:"stagnation"`
}

// DefaultConfig returns the defaults used by the calibration campaigns.
func DefaultConfig() Config {
	return Config{
		Algorithm:     AlgorithmDE,
		PopSize:       2,
		Generations:   10,
		Strategy:      "best1bin",
		Mutation:      MutationRange{Min: 0.5, Max: 1.0},
		Recombination: 0.7,
		Tol:           0.01,
		Init:          "latinhypercube",
		StepSize:      0.3,
		Stagnation:    DefaultStagnationConfig(),
	}
}

// Validate checks the parts of c every algorithm depends on.
func (c Config) Validate() error {
	switch c.Algorithm {
	case AlgorithmDE, AlgorithmMayfly, AlgorithmCMAES:
	default:
		return fmt.Errorf("unknown algorithm: %q", c.Algorithm)
	}
	if c.PopSize <= 0 {
		return fmt.Errorf("popsize must be positive, got %d", c.PopSize)
	}
	if c.MaxEvaluations < 0 || c.Generations < 0 {
		return errors.New("budget values must not be negative")
	}
	if c.MaxEvaluations == 0 && c.Generations == 0 {
		return errors.New("either max_evaluations or generations must be set")
	}
	if c.Stagnation.Enabled && c.Stagnation.Patience <= 0 {
		return errors.New("stagnation patience must be positive")
	}
	return nil
}

// PopulationSize returns the absolute population size for dim dimensions.
func (c Config) PopulationSize(dim int) int {
	return c.PopSize * dim
}

// Budget returns the total number of evaluations for dim dimensions: the
// explicit cap when set, otherwise popsize × dim × generations.
func (c Config) Budget(dim int) int {
	if c.MaxEvaluations > 0 {
		return c.MaxEvaluations
	}
	return c.PopulationSize(dim) * c.Generations
}

// Problem is what an Algorithm searches. Func is already gated.
type Problem struct {
	Func           func(x []float64) float64
	Lower          []float64
	Upper          []float64
	PopulationSize int
	// Budget is the number of real evaluations left; algorithms use it to
	// size their own iteration limits well above it.
	Budget int
	Seeds  [][]float64
	// Done reports that the gate refuses further evaluations.
	Done func() bool
}

// Outcome is what an Algorithm reports back.
type Outcome struct {
	X           []float64
	F           float64
	Generations int
	Converged   bool
	Message     string
}

// Algorithm is a population-based minimizer. All randomness must come from
// src so runs are reproducible from the seed and draw count.
type Algorithm interface {
	Name() string
	Minimize(ctx context.Context, p Problem, src *CountingSource) (Outcome, error)
}

// NewAlgorithm returns the algorithm selected by cfg.
func NewAlgorithm(cfg Config) (Algorithm, error) {
	switch cfg.Algorithm {
	case AlgorithmDE:
		return NewDE(cfg)
	case AlgorithmMayfly:
		return NewMayfly(), nil
	case AlgorithmCMAES:
		return NewCMAES(cfg.StepSize), nil
	default:
		return nil, fmt.Errorf("unknown algorithm: %q", cfg.Algorithm)
	}
}

// Resume carries the state of an interrupted campaign.
type Resume struct {
	Completed  int
	Generation int
	RNG        *RNGState
	BestX      []float64
}

// Result is the standardized outcome of a campaign.
type Result struct {
	Success            bool      `json:"success"`
	BestX              []float64 `json:"bestX"`
	BestObjective      float64   `json:"bestObjective"`
	Evaluations        int       `json:"evaluations"`
	SessionEvaluations int       `json:"sessionEvaluations"`
	Generations        int       `json:"generations"`
	Message            string    `json:"message"`
	Algorithm          string    `json:"algorithm"`
	Seed               int64     `json:"seed"`
}

// Optimizer runs one algorithm against an Objective within the budget.
type Optimizer struct {
	cfg   Config
	algo  Algorithm
	lower []float64
	upper []float64

	src          *CountingSource
	seed         int64
	onGeneration []func(GenerationStats)
}

// New creates an optimizer for the given bounds.
func New(cfg Config, lower, upper []float64) (*Optimizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid optimizer config: %w", err)
	}
	if len(lower) == 0 || len(lower) != len(upper) {
		return nil, fmt.Errorf("bounds must be non-empty and of equal length")
	}
	algo, err := NewAlgorithm(cfg)
	if err != nil {
		return nil, err
	}
	return &Optimizer{cfg: cfg, algo: algo, lower: lower, upper: upper}, nil
}

// Config returns the configuration in use.
func (o *Optimizer) Config() Config { return o.cfg }

// OnGeneration registers fn to run at every generation boundary.
func (o *Optimizer) OnGeneration(fn func(GenerationStats)) {
	o.onGeneration = append(o.onGeneration, fn)
}

// RNGState returns the current position of the random stream. It is valid
// once Run has started.
func (o *Optimizer) RNGState() RNGState {
	if o.src == nil {
		return RNGState{Seed: o.seed}
	}
	return o.src.State()
}

// Seed returns the seed of the current or last run.
func (o *Optimizer) Seed() int64 { return o.seed }

// Prepare fixes the seed and random stream before any evaluation happens,
// restoring them from resume when given. Run calls it when needed.
func (o *Optimizer) Prepare(resume *Resume) {
	switch {
	case resume != nil && resume.RNG != nil:
		o.src = RestoreSource(*resume.RNG)
		o.seed = resume.RNG.Seed
		slog.Info("Random state restored", "seed", o.seed, "draws", resume.RNG.Draws)
	case o.cfg.Seed != nil:
		o.seed = *o.cfg.Seed
		o.src = NewCountingSource(o.seed)
	default:
		o.seed = NewSeed()
		o.src = NewCountingSource(o.seed)
		slog.Info("Generated random seed", "seed", o.seed)
	}
}

// Run searches until the budget is consumed, the algorithm converges, the
// search stagnates, an evaluation fails or ctx is cancelled. On failure the
// partial result is returned together with the error.
func (o *Optimizer) Run(ctx context.Context, obj Objective, resume *Resume) (*Result, error) {
	dim := len(o.lower)
	popSize := o.cfg.PopulationSize(dim)
	target := o.cfg.Budget(dim)

	if o.src == nil {
		o.Prepare(resume)
	}

	completed := 0
	var seeds [][]float64
	if resume != nil {
		completed = resume.Completed
		if resume.BestX != nil {
			seeds = append(seeds, resume.BestX)
		}
	}
	if obj.Count() != completed {
		return nil, fmt.Errorf("objective has %d evaluations, resume state has %d", obj.Count(), completed)
	}

	res := &Result{Algorithm: o.algo.Name(), Seed: o.seed}
	if completed >= target {
		o.finish(res, obj, popSize, completed)
		res.Success = true
		res.Message = "evaluation budget already consumed"
		return res, nil
	}

	gate := NewGate(ctx, obj, target, popSize)
	stagnation := NewStagnationTracker(o.cfg.Stagnation)
	gate.onGeneration = func(stats GenerationStats) {
		for _, fn := range o.onGeneration {
			fn(stats)
		}
		if stagnation.Update(stats.BestObjective) {
			gate.Stop(fmt.Sprintf("no improvement above %g for %d generations",
				o.cfg.Stagnation.Threshold, o.cfg.Stagnation.Patience))
		}
	}

	slog.Info("Optimization started",
		"algorithm", o.algo.Name(),
		"dim", dim,
		"population", popSize,
		"target", target,
		"completed", completed,
		"remaining", target-completed,
		"seed", o.seed)

	outcome, err := o.algo.Minimize(ctx, Problem{
		Func:           gate.Func,
		Lower:          o.lower,
		Upper:          o.upper,
		PopulationSize: popSize,
		Budget:         target - completed,
		Seeds:          seeds,
		Done:           gate.Done,
	}, o.src)

	o.finish(res, obj, popSize, completed)
	if res.BestX == nil && outcome.X != nil {
		res.BestX, res.BestObjective = outcome.X, outcome.F
	}

	if gateErr := gate.Err(); gateErr != nil {
		res.Message = gateErr.Error()
		return res, gateErr
	}
	if err != nil {
		res.Message = err.Error()
		return res, fmt.Errorf("%s search failed: %w", o.algo.Name(), err)
	}

	switch {
	case gate.Exhausted():
		res.Success = true
		res.Message = fmt.Sprintf("evaluation budget of %d reached", target)
	case gate.StopReason() != "":
		res.Success = true
		res.Message = "stopped early: " + gate.StopReason()
	case outcome.Converged:
		res.Success = true
		res.Message = outcome.Message
	default:
		res.Message = outcome.Message
	}

	slog.Info("Optimization finished",
		"algorithm", res.Algorithm,
		"success", res.Success,
		"evaluations", res.Evaluations,
		"session_evaluations", res.SessionEvaluations,
		"calls", gate.Calls(),
		"best_objective", res.BestObjective,
		"message", res.Message)
	return res, nil
}

func (o *Optimizer) finish(res *Result, obj Objective, popSize, completed int) {
	res.Evaluations = obj.Count()
	res.SessionEvaluations = res.Evaluations - completed
	res.Generations = GenerationOf(res.Evaluations, popSize)
	if x, f, ok := obj.BestPoint(); ok {
		res.BestX, res.BestObjective = x, f
	}
}
