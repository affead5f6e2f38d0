package opt

import (
	"context"
	"math/rand/v2"

	"github.com/cwbudde/crowdcalib/internal/opt/de"
)

// iterationHeadroom multiplies the generations the budget needs so the
// solver's own limit never ends a run before the gate does.
const iterationHeadroom = 10

// DEAlgorithm runs the differential evolution solver single-worker with
// deferred updating.
type DEAlgorithm struct {
	settings de.Settings
}

// NewDE builds the solver settings from cfg. Mutation, recombination and
// strategy are handed to the solver as configured.
func NewDE(cfg Config) (*DEAlgorithm, error) {
	s := de.Settings{
		Strategy:      de.Strategy(cfg.Strategy),
		PopSize:       cfg.PopSize,
		MutationMin:   cfg.Mutation.Min,
		MutationMax:   cfg.Mutation.Max,
		Recombination: cfg.Recombination,
		Tol:           cfg.Tol,
		Atol:          cfg.Atol,
		Init:          de.Init(cfg.Init),
	}
	// Validate early so config errors surface before the campaign starts.
	solver, err := de.New(s)
	if err != nil {
		return nil, err
	}
	return &DEAlgorithm{settings: solver.Settings()}, nil
}

func (a *DEAlgorithm) Name() string { return AlgorithmDE }

func (a *DEAlgorithm) Minimize(ctx context.Context, p Problem, src *CountingSource) (Outcome, error) {
	s := a.settings
	np := max(p.PopulationSize, 1)
	s.MaxIter = iterationHeadroom * ((p.Budget+np-1)/np + 1)

	solver, err := de.New(s)
	if err != nil {
		return Outcome{}, err
	}
	res, err := solver.Minimize(de.Problem{
		Func:  p.Func,
		Lower: p.Lower,
		Upper: p.Upper,
		Seeds: p.Seeds,
		Callback: func(de.Generation) bool {
			return p.Done() || ctx.Err() != nil
		},
	}, rand.New(src))
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{
		X:           res.X,
		F:           res.F,
		Generations: res.Generations,
		Converged:   res.Converged,
		Message:     res.Message,
	}, nil
}
