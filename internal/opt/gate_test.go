package opt

import (
	"context"
	"testing"
)

func TestGenerationOf(t *testing.T) {
	tests := []struct {
		eval, pop, want int
	}{
		{1, 36, 1},
		{36, 36, 1},
		{37, 36, 2},
		{72, 36, 2},
		{73, 36, 3},
		{0, 36, 0},
	}
	for _, tt := range tests {
		if got := GenerationOf(tt.eval, tt.pop); got != tt.want {
			t.Errorf("GenerationOf(%d, %d) = %d, want %d", tt.eval, tt.pop, got, tt.want)
		}
	}
}

func TestGateRefusesBeyondTarget(t *testing.T) {
	obj := newCountingObjective(func(x []float64) float64 { return x[0] })
	g := NewGate(context.Background(), obj, 3, 2)

	for i := range 3 {
		if v := g.Func([]float64{float64(i)}); v != float64(i) {
			t.Fatalf("call %d returned %v", i, v)
		}
	}
	if !g.Exhausted() || !g.Done() {
		t.Fatal("gate not exhausted at target")
	}
	if v := g.Func([]float64{7}); v != Sentinel {
		t.Errorf("call past target returned %v, want sentinel", v)
	}
	if obj.count != 3 || g.Calls() != 4 {
		t.Errorf("count=%d calls=%d", obj.count, g.Calls())
	}
	if obj.gens[0] != 1 || obj.gens[2] != 2 {
		t.Errorf("generation tags %v", obj.gens)
	}
}

func TestGateStop(t *testing.T) {
	obj := newCountingObjective(func([]float64) float64 { return 1 })
	g := NewGate(context.Background(), obj, 10, 2)
	g.Func([]float64{0})
	g.Stop("enough")
	g.Stop("ignored")
	if v := g.Func([]float64{0}); v != Sentinel || obj.count != 1 {
		t.Errorf("stopped gate evaluated: %v, count %d", v, obj.count)
	}
	if g.StopReason() != "enough" {
		t.Errorf("StopReason = %q", g.StopReason())
	}
}
