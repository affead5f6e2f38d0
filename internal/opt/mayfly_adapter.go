package opt

import (
	"context"
	"math"
	"math/rand"

	"github.com/cwbudde/mayfly"
)

// minMayflyPopulation is the smallest population mayfly v0.1.0 accepts.
const minMayflyPopulation = 20

// MayflyAdapter runs the mayfly algorithm. The library only takes scalar
// bounds, so the search runs in the unit cube and every point is scaled to
// the per-parameter bounds before evaluation.
//
// Mayfly evaluates more than NPop candidates per iteration (males, females
// and offspring), so the generations tagged by the gate are budget batches of
// popsize evaluations, not mayfly iterations.
type MayflyAdapter struct{}

// NewMayfly returns the mayfly algorithm.
func NewMayfly() *MayflyAdapter { return &MayflyAdapter{} }

func (m *MayflyAdapter) Name() string { return AlgorithmMayfly }

func (m *MayflyAdapter) Minimize(ctx context.Context, p Problem, src *CountingSource) (Outcome, error) {
	dim := len(p.Lower)
	cube := newUnitCube(p.Lower, p.Upper)
	npop := max(p.PopulationSize, minMayflyPopulation)

	config := mayfly.NewDefaultConfig()
	config.ObjectiveFunc = func(u []float64) float64 {
		if ctx.Err() != nil {
			return Sentinel
		}
		return p.Func(cube.point(u))
	}
	config.ProblemSize = dim
	config.NPop = npop
	// Each iteration evaluates at least the population; the gate ends the
	// run long before this limit.
	config.MaxIterations = iterationHeadroom * ((p.Budget+npop-1)/npop + 1)
	config.LowerBound = 0
	config.UpperBound = 1
	config.Rand = rand.New(src)

	result, err := mayfly.Optimize(config)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{
		X:       cube.point(result.GlobalBest.Position),
		F:       result.GlobalBest.Cost,
		Message: "mayfly search finished",
	}, nil
}

// unitCube maps [0,1]^n onto per-dimension bounds.
type unitCube struct {
	lower []float64
	upper []float64
}

func newUnitCube(lower, upper []float64) unitCube {
	return unitCube{lower: lower, upper: upper}
}

// point scales u to the bounds, clipping coordinates outside [0,1].
func (c unitCube) point(u []float64) []float64 {
	x := make([]float64, len(u))
	for i, v := range u {
		v = math.Max(0, math.Min(1, v))
		x[i] = c.lower[i] + v*(c.upper[i]-c.lower[i])
	}
	return x
}

// unit maps x back into the cube.
func (c unitCube) unit(x []float64) []float64 {
	u := make([]float64, len(x))
	for i, v := range x {
		span := c.upper[i] - c.lower[i]
		if span == 0 {
			continue
		}
		u[i] = math.Max(0, math.Min(1, (v-c.lower[i])/span))
	}
	return u
}
