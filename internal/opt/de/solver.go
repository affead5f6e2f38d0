// Package de implements differential evolution for bounded minimization.
//
// The solver follows the conventions of the classic DE/x/y/bin family: the
// population is sized per dimension, individuals live in the unit cube and
// are scaled to the bounds before evaluation, and the whole trial
// population of a generation is evaluated before any replacement happens
// (deferred updating). Evaluations are issued one at a time.
package de

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Strategy selects the mutation scheme.
type Strategy string

const (
	Best1Bin          Strategy = "best1bin"
	Rand1Bin          Strategy = "rand1bin"
	Best2Bin          Strategy = "best2bin"
	Rand2Bin          Strategy = "rand2bin"
	CurrentToBest1Bin Strategy = "currenttobest1bin"
	RandToBest1Bin    Strategy = "randtobest1bin"
)

// Init selects how the initial population is sampled.
type Init string

const (
	LatinHypercube Init = "latinhypercube"
	Random         Init = "random"
)

// Settings configures a Solver. Zero values of the fields annotated with a
// default pick that default; the tolerances are taken as given.
type Settings struct {
	Strategy Strategy // best1bin
	// PopSize is the population size per dimension.
	PopSize int // 15
	// MutationMin and MutationMax bound the differential weight. When they
	// differ the weight is redrawn every generation (dither).
	MutationMin   float64 // 0.5
	MutationMax   float64 // 1.0
	Recombination float64 // 0.7
	MaxIter       int     // 1000
	Tol           float64
	Atol          float64
	Init          Init // latinhypercube
}

// DefaultSettings returns the classic defaults.
func DefaultSettings() Settings {
	return Settings{
		Strategy:      Best1Bin,
		PopSize:       15,
		MutationMin:   0.5,
		MutationMax:   1.0,
		Recombination: 0.7,
		MaxIter:       1000,
		Tol:           0.01,
		Init:          LatinHypercube,
	}
}

func (s *Settings) normalize() error {
	d := DefaultSettings()
	if s.Strategy == "" {
		s.Strategy = d.Strategy
	}
	if _, ok := requiredDonors[s.Strategy]; !ok {
		return fmt.Errorf("unknown strategy: %s", s.Strategy)
	}
	if s.PopSize <= 0 {
		s.PopSize = d.PopSize
	}
	if s.MutationMin == 0 && s.MutationMax == 0 {
		s.MutationMin, s.MutationMax = d.MutationMin, d.MutationMax
	}
	if s.MutationMax < s.MutationMin {
		s.MutationMin, s.MutationMax = s.MutationMax, s.MutationMin
	}
	if s.MutationMin < 0 || s.MutationMax > 2 {
		return fmt.Errorf("mutation must lie in [0, 2], got [%g, %g]", s.MutationMin, s.MutationMax)
	}
	if s.Recombination < 0 || s.Recombination > 1 {
		return fmt.Errorf("recombination must lie in [0, 1], got %g", s.Recombination)
	}
	if s.MaxIter <= 0 {
		s.MaxIter = d.MaxIter
	}
	if s.Tol < 0 || s.Atol < 0 {
		return errors.New("tolerances must not be negative")
	}
	switch s.Init {
	case "":
		s.Init = d.Init
	case LatinHypercube, Random:
	default:
		return fmt.Errorf("unknown init: %s", s.Init)
	}
	return nil
}

// requiredDonors is the number of distinct random individuals a strategy
// draws besides the target.
var requiredDonors = map[Strategy]int{
	Best1Bin:          2,
	Rand1Bin:          3,
	Best2Bin:          4,
	Rand2Bin:          5,
	CurrentToBest1Bin: 2,
	RandToBest1Bin:    3,
}

// Generation describes the population after a generation has been selected.
type Generation struct {
	// Index is 0 for the initial population.
	Index       int
	Evaluations int
	Best        []float64
	BestCost    float64
	// Spread is std(costs) / (atol + tol*|mean(costs)|); the solver has
	// converged once it drops to 1 or below.
	Spread float64
}

// Callback is invoked after every generation. Returning true stops the
// search.
type Callback func(Generation) bool

// Problem is a bounded minimization problem.
type Problem struct {
	Func  func(x []float64) float64
	Lower []float64
	Upper []float64
	// Seeds replace the first members of the initial population. Values are
	// clipped to the bounds.
	Seeds    [][]float64
	Callback Callback
}

// Result is the outcome of a run.
type Result struct {
	X           []float64
	F           float64
	Generations int
	Evaluations int
	Converged   bool
	Stopped     bool
	Message     string
}

// Solver runs differential evolution. A Solver holds no per-run state and
// may be reused.
type Solver struct {
	settings Settings
}

// New validates s.
func New(s Settings) (*Solver, error) {
	if err := s.normalize(); err != nil {
		return nil, fmt.Errorf("invalid differential evolution settings: %w", err)
	}
	return &Solver{settings: s}, nil
}

// Settings returns the normalized settings.
func (s *Solver) Settings() Settings { return s.settings }

// PopulationSize returns the absolute population size for dim dimensions.
func (s *Solver) PopulationSize(dim int) int {
	return max(s.settings.PopSize*dim, requiredDonors[s.settings.Strategy]+1)
}

type run struct {
	s      Settings
	p      Problem
	rng    *rand.Rand
	dim    int
	np     int
	pop    [][]float64 // unit cube
	costs  []float64
	nfev   int
	scale  []float64
	offset []float64
}

// Minimize searches p. All randomness comes from rng.
func (s *Solver) Minimize(p Problem, rng *rand.Rand) (Result, error) {
	dim := len(p.Lower)
	if dim == 0 || len(p.Upper) != dim {
		return Result{}, fmt.Errorf("bounds must be non-empty and of equal length, got %d and %d", len(p.Lower), len(p.Upper))
	}
	if p.Func == nil {
		return Result{}, errors.New("no objective function")
	}
	r := &run{s: s.settings, p: p, rng: rng, dim: dim, np: s.PopulationSize(dim)}
	r.scale = make([]float64, dim)
	r.offset = make([]float64, dim)
	for j := range dim {
		if p.Upper[j] < p.Lower[j] {
			return Result{}, fmt.Errorf("bound %d is inverted: [%g, %g]", j, p.Lower[j], p.Upper[j])
		}
		r.scale[j] = p.Upper[j] - p.Lower[j]
		r.offset[j] = p.Lower[j]
	}
	return r.solve(), nil
}

func (r *run) solve() Result {
	r.initPopulation()
	r.costs = make([]float64, r.np)
	for i := range r.pop {
		r.costs[i] = r.evaluate(r.pop[i])
	}
	r.promoteBest()

	gen := 0
	if stop, res := r.report(gen); stop {
		return res
	}

	trials := make([][]float64, r.np)
	trialCosts := make([]float64, r.np)
	for gen = 1; gen <= r.s.MaxIter; gen++ {
		f := r.mutationScale()
		for i := range r.np {
			trials[i] = r.trial(i, f)
		}
		for i := range r.np {
			trialCosts[i] = r.evaluate(trials[i])
		}
		for i := range r.np {
			if trialCosts[i] <= r.costs[i] {
				r.pop[i], trials[i] = trials[i], r.pop[i]
				r.costs[i] = trialCosts[i]
			}
		}
		r.promoteBest()

		if stop, res := r.report(gen); stop {
			return res
		}
	}

	res := r.result(r.s.MaxIter)
	res.Message = "Maximum number of iterations has been exceeded."
	return res
}

// report runs the convergence check and the callback for generation gen.
func (r *run) report(gen int) (bool, Result) {
	spread := r.spread()
	converged := spread <= 1
	stopped := false
	if r.p.Callback != nil {
		stopped = r.p.Callback(Generation{
			Index:       gen,
			Evaluations: r.nfev,
			Best:        r.scaled(r.pop[0]),
			BestCost:    r.costs[0],
			Spread:      spread,
		})
	}
	if !converged && !stopped {
		return false, Result{}
	}
	res := r.result(gen)
	switch {
	case stopped:
		res.Stopped = true
		res.Message = "callback function requested stop early"
	default:
		res.Converged = true
		res.Message = "Optimization terminated successfully."
	}
	return true, res
}

func (r *run) result(gen int) Result {
	return Result{
		X:           r.scaled(r.pop[0]),
		F:           r.costs[0],
		Generations: gen,
		Evaluations: r.nfev,
	}
}

func (r *run) spread() float64 {
	for _, c := range r.costs {
		if math.IsInf(c, 0) || math.IsNaN(c) {
			return math.Inf(1)
		}
	}
	mean, std := stat.PopMeanStdDev(r.costs, nil)
	limit := r.s.Atol + r.s.Tol*math.Abs(mean)
	if limit == 0 {
		if std == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return std / limit
}

func (r *run) initPopulation() {
	r.pop = make([][]float64, r.np)
	switch r.s.Init {
	case Random:
		for i := range r.pop {
			r.pop[i] = make([]float64, r.dim)
			for j := range r.pop[i] {
				r.pop[i][j] = r.rng.Float64()
			}
		}
	default:
		// One sample per stratum and dimension, strata shuffled per
		// dimension.
		segment := 1 / float64(r.np)
		for i := range r.pop {
			r.pop[i] = make([]float64, r.dim)
		}
		for j := range r.dim {
			order := r.rng.Perm(r.np)
			for i := range r.np {
				r.pop[order[i]][j] = (float64(i) + r.rng.Float64()) * segment
			}
		}
	}

	for i, seed := range r.p.Seeds {
		if i >= r.np || len(seed) != r.dim {
			break
		}
		r.pop[i] = r.unscaled(seed)
	}
}

func (r *run) promoteBest() {
	best := floats.MinIdx(r.costs)
	r.pop[0], r.pop[best] = r.pop[best], r.pop[0]
	r.costs[0], r.costs[best] = r.costs[best], r.costs[0]
}

func (r *run) mutationScale() float64 {
	if r.s.MutationMin == r.s.MutationMax {
		return r.s.MutationMin
	}
	return r.s.MutationMin + r.rng.Float64()*(r.s.MutationMax-r.s.MutationMin)
}

// donors picks n distinct indices different from candidate.
func (r *run) donors(candidate, n int) []int {
	idx := r.rng.Perm(r.np)
	out := make([]int, 0, n)
	for _, i := range idx {
		if i == candidate {
			continue
		}
		out = append(out, i)
		if len(out) == n {
			break
		}
	}
	return out
}

func (r *run) trial(candidate int, f float64) []float64 {
	d := r.donors(candidate, requiredDonors[r.s.Strategy])
	pop := r.pop
	mutant := make([]float64, r.dim)
	for j := range r.dim {
		switch r.s.Strategy {
		case Best1Bin:
			mutant[j] = pop[0][j] + f*(pop[d[0]][j]-pop[d[1]][j])
		case Rand1Bin:
			mutant[j] = pop[d[0]][j] + f*(pop[d[1]][j]-pop[d[2]][j])
		case Best2Bin:
			mutant[j] = pop[0][j] + f*(pop[d[0]][j]+pop[d[1]][j]-pop[d[2]][j]-pop[d[3]][j])
		case Rand2Bin:
			mutant[j] = pop[d[0]][j] + f*(pop[d[1]][j]+pop[d[2]][j]-pop[d[3]][j]-pop[d[4]][j])
		case CurrentToBest1Bin:
			mutant[j] = pop[candidate][j] + f*(pop[0][j]-pop[candidate][j]+pop[d[0]][j]-pop[d[1]][j])
		case RandToBest1Bin:
			mutant[j] = pop[d[0]][j] + f*(pop[0][j]-pop[d[0]][j]+pop[d[1]][j]-pop[d[2]][j])
		}
	}

	trial := make([]float64, r.dim)
	copy(trial, pop[candidate])
	forced := r.rng.IntN(r.dim)
	for j := range r.dim {
		if j == forced || r.rng.Float64() < r.s.Recombination {
			trial[j] = mutant[j]
		}
	}
	// Out-of-cube entries are resampled uniformly.
	for j, v := range trial {
		if v < 0 || v > 1 {
			trial[j] = r.rng.Float64()
		}
	}
	return trial
}

func (r *run) evaluate(u []float64) float64 {
	r.nfev++
	return r.p.Func(r.scaled(u))
}

func (r *run) scaled(u []float64) []float64 {
	x := make([]float64, r.dim)
	for j, v := range u {
		x[j] = r.offset[j] + v*r.scale[j]
	}
	return x
}

func (r *run) unscaled(x []float64) []float64 {
	u := make([]float64, r.dim)
	for j, v := range x {
		if r.scale[j] == 0 {
			continue
		}
		u[j] = math.Max(0, math.Min(1, (v-r.offset[j])/r.scale[j]))
	}
	return u
}
