package de

import (
	"math"
	"math/rand/v2"
	"testing"
)

func sphere(x []float64) float64 {
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return sum
}

func bounds(dim int, lo, hi float64) ([]float64, []float64) {
	lower := make([]float64, dim)
	upper := make([]float64, dim)
	for i := range dim {
		lower[i], upper[i] = lo, hi
	}
	return lower, upper
}

func TestSolverOnSphere(t *testing.T) {
	strategies := []Strategy{Best1Bin, Rand1Bin, Best2Bin, Rand2Bin, CurrentToBest1Bin, RandToBest1Bin}
	for _, strategy := range strategies {
		t.Run(string(strategy), func(t *testing.T) {
			s, err := New(Settings{Strategy: strategy, PopSize: 10, MaxIter: 300, Tol: 1e-8})
			if err != nil {
				t.Fatal(err)
			}
			lower, upper := bounds(3, -5, 5)
			res, err := s.Minimize(Problem{Func: sphere, Lower: lower, Upper: upper}, rand.New(rand.NewPCG(1, 2)))
			if err != nil {
				t.Fatal(err)
			}
			if res.F > 1e-3 {
				t.Errorf("F = %g, expected near 0", res.F)
			}
			for i, v := range res.X {
				if v < -5 || v > 5 {
					t.Errorf("X[%d] = %g outside bounds", i, v)
				}
			}
		})
	}
}

func TestSolverDeterministic(t *testing.T) {
	s, _ := New(Settings{PopSize: 5, MaxIter: 20})
	lower, upper := bounds(4, -1, 1)
	p := Problem{Func: sphere, Lower: lower, Upper: upper}

	a, _ := s.Minimize(p, rand.New(rand.NewPCG(7, 7)))
	b, _ := s.Minimize(p, rand.New(rand.NewPCG(7, 7)))
	if a.F != b.F || a.Evaluations != b.Evaluations {
		t.Errorf("Runs differ: %+v vs %+v", a, b)
	}
}

func TestSolverPopulationAndGenerations(t *testing.T) {
	s, _ := New(Settings{PopSize: 2, MaxIter: 3, Tol: 0})
	if got := s.PopulationSize(18); got != 36 {
		t.Fatalf("PopulationSize(18) = %d, want 36", got)
	}

	lower, upper := bounds(18, 0, 1)
	var seen []int
	res, err := s.Minimize(Problem{
		Func:  sphere,
		Lower: lower,
		Upper: upper,
		Callback: func(g Generation) bool {
			seen = append(seen, g.Evaluations)
			return false
		},
	}, rand.New(rand.NewPCG(1, 1)))
	if err != nil {
		t.Fatal(err)
	}

	want := []int{36, 72, 108, 144}
	if len(seen) != len(want) {
		t.Fatalf("Callback saw %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("Generation %d: %d evaluations, want %d", i, seen[i], want[i])
		}
	}
	if res.Evaluations != 144 || res.Generations != 3 {
		t.Errorf("Result %+v", res)
	}
}

func TestSolverCallbackStops(t *testing.T) {
	s, _ := New(Settings{PopSize: 2, Tol: 0})
	lower, upper := bounds(18, 0, 1)
	res, _ := s.Minimize(Problem{
		Func:     sphere,
		Lower:    lower,
		Upper:    upper,
		Callback: func(g Generation) bool { return g.Evaluations >= 36 },
	}, rand.New(rand.NewPCG(1, 1)))
	if !res.Stopped || res.Evaluations != 36 || res.Generations != 0 {
		t.Errorf("Expected stop after initial population, got %+v", res)
	}
}

func TestSolverSeedsInitialPopulation(t *testing.T) {
	s, _ := New(Settings{PopSize: 5, Tol: 0})
	lower, upper := bounds(2, -10, 10)
	seed := []float64{0.25, -0.5}

	var first []float64
	_, err := s.Minimize(Problem{
		Func: func(x []float64) float64 {
			if first == nil {
				first = append([]float64(nil), x...)
			}
			return sphere(x)
		},
		Lower:    lower,
		Upper:    upper,
		Seeds:    [][]float64{seed},
		Callback: func(Generation) bool { return true },
	}, rand.New(rand.NewPCG(3, 3)))
	if err != nil {
		t.Fatal(err)
	}
	for i := range seed {
		if math.Abs(first[i]-seed[i]) > 1e-12 {
			t.Fatalf("First evaluated point %v, want seed %v", first, seed)
		}
	}
}

func TestSolverConvergesOnFlatFunction(t *testing.T) {
	s, _ := New(Settings{PopSize: 3})
	lower, upper := bounds(2, 0, 1)
	res, _ := s.Minimize(Problem{Func: func([]float64) float64 { return 4 }, Lower: lower, Upper: upper},
		rand.New(rand.NewPCG(1, 1)))
	if !res.Converged || res.Generations != 0 {
		t.Errorf("Flat function should converge immediately: %+v", res)
	}
}

func TestLatinHypercubeStrata(t *testing.T) {
	r := &run{
		s:   Settings{Init: LatinHypercube},
		rng: rand.New(rand.NewPCG(5, 5)),
		dim: 3,
		np:  10,
	}
	r.initPopulation()
	for j := range r.dim {
		hit := make([]bool, r.np)
		for i := range r.np {
			stratum := int(r.pop[i][j] * float64(r.np))
			if hit[stratum] {
				t.Fatalf("Dimension %d: stratum %d sampled twice", j, stratum)
			}
			hit[stratum] = true
		}
	}
}

func TestSettingsValidation(t *testing.T) {
	bad := []Settings{
		{Strategy: "best3exp"},
		{Recombination: 1.5},
		{MutationMin: -1, MutationMax: 0.5},
		{Init: "sobol"},
		{Tol: -1},
	}
	for i, s := range bad {
		if _, err := New(s); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}

	s, err := New(Settings{MutationMin: 0.9, MutationMax: 0.4})
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Settings(); got.MutationMin != 0.4 || got.MutationMax != 0.9 {
		t.Errorf("Mutation range not ordered: %+v", got)
	}
}

func TestMinimizeRejectsBadBounds(t *testing.T) {
	s, _ := New(DefaultSettings())
	if _, err := s.Minimize(Problem{Func: sphere, Lower: []float64{1}, Upper: []float64{0}}, rand.New(rand.NewPCG(1, 1))); err == nil {
		t.Error("Inverted bounds accepted")
	}
	if _, err := s.Minimize(Problem{Func: sphere}, rand.New(rand.NewPCG(1, 1))); err == nil {
		t.Error("Empty bounds accepted")
	}
}
