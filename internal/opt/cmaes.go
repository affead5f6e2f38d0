package opt

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// CMAESAlgorithm runs gonum's CMA-ES with Cholesky updates in the unit cube.
// Candidates outside the cube are clipped to the bounds before evaluation.
// The initial sampling covariance is stepSize² times the identity; gonum
// samples from the identity otherwise, whatever the step size.
type CMAESAlgorithm struct {
	stepSize float64
}

// NewCMAES returns CMA-ES with the given initial step size.
func NewCMAES(stepSize float64) *CMAESAlgorithm {
	if stepSize <= 0 {
		stepSize = 0.3
	}
	return &CMAESAlgorithm{stepSize: stepSize}
}

func (a *CMAESAlgorithm) Name() string { return AlgorithmCMAES }

func (a *CMAESAlgorithm) Minimize(ctx context.Context, p Problem, src *CountingSource) (Outcome, error) {
	dim := len(p.Lower)
	cube := newUnitCube(p.Lower, p.Upper)

	initX := make([]float64, dim)
	if len(p.Seeds) > 0 {
		initX = cube.unit(p.Seeds[0])
	} else {
		for i := range initX {
			initX[i] = 0.5
		}
	}

	problem := optimize.Problem{
		Func: func(u []float64) float64 {
			return p.Func(cube.point(u))
		},
		Status: func() (optimize.Status, error) {
			if err := ctx.Err(); err != nil {
				return optimize.Failure, err
			}
			if p.Done() {
				return optimize.FunctionEvaluationLimit, nil
			}
			return optimize.NotTerminated, nil
		},
	}
	settings := &optimize.Settings{
		FuncEvaluations: iterationHeadroom * (p.Budget + p.PopulationSize),
		// One simulator instance: evaluations must not overlap.
		Concurrent: 1,
	}
	initChol, err := a.initCholesky(dim)
	if err != nil {
		return Outcome{}, err
	}
	method := &optimize.CmaEsChol{
		InitStepSize: a.stepSize,
		InitCholesky: initChol,
		Population:   p.PopulationSize,
		Src:          src,
	}

	result, err := optimize.Minimize(problem, initX, settings, method)
	if err != nil && !p.Done() && ctx.Err() == nil {
		return Outcome{}, fmt.Errorf("cma-es: %w", err)
	}
	if result == nil {
		return Outcome{}, err
	}
	return Outcome{
		X:           cube.point(result.X),
		F:           result.F,
		Generations: result.MajorIterations,
		Converged:   result.Status == optimize.MethodConverge,
		Message:     result.Status.String(),
	}, nil
}

func (a *CMAESAlgorithm) initCholesky(dim int) (*mat.Cholesky, error) {
	variance := make([]float64, dim)
	for i := range variance {
		variance[i] = a.stepSize * a.stepSize
	}
	var chol mat.Cholesky
	if !chol.Factorize(mat.NewDiagDense(dim, variance)) {
		return nil, fmt.Errorf("cma-es: step size %g gives no valid covariance", a.stepSize)
	}
	return &chol, nil
}
