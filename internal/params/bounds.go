package params

import (
	"fmt"
	"log/slog"
	"math"
)

// Range is an inclusive [Min, Max] interval.
type Range struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// defaultRanges holds the documented bounds in canonical order.
var defaultRanges = [Dim]Range{
	{0.15, 0.35},   // minimalDistance
	{0.3, 0.8},     // relaxationTime
	{0.8, 1.8},     // repulsionStrengthAgent
	{3.0, 7.0},     // repulsionRangeAgent
	{0.2, 0.5},     // lambdaAgent
	{0.6, 1.5},     // repulsionStrengthObs
	{3.0, 7.0},     // repulsionRangeObs
	{0.2, 0.5},     // lambdaObs
	{5.0, 12.0},    // k
	{3.0, 7.0},     // kappa
	{2.0, 4.5},     // obsK
	{0.0, 2.0},     // obsKappa
	{2.0, 4.0},     // considerationRange
	{120.0, 180.0}, // viewAngle
	{200.0, 270.0}, // viewAngleMax
	{3.0, 10.0},    // viewDistance
	{15.0, 45.0},   // rayStepAngle
	{0.5, 0.9},     // visibleFactor
}

// Space is the bounded search space. It is immutable after construction so
// one value can be shared between concurrent campaigns and tests.
type Space struct {
	lower [Dim]float64
	upper [Dim]float64
}

// DefaultSpace returns the space with the documented bounds.
func DefaultSpace() *Space {
	s := &Space{}
	for i, r := range defaultRanges {
		s.lower[i] = r.Min
		s.upper[i] = r.Max
	}
	return s
}

// WithBounds returns a copy of s with the named ranges replaced.
func (s *Space) WithBounds(overrides map[string]Range) (*Space, error) {
	out := *s
	for name, r := range overrides {
		i := Index(name)
		if i < 0 {
			return nil, fmt.Errorf("unknown parameter in bounds override: %s", name)
		}
		if math.IsNaN(r.Min) || math.IsNaN(r.Max) || r.Min > r.Max {
			return nil, fmt.Errorf("invalid bounds for %s: [%g, %g]", name, r.Min, r.Max)
		}
		out.lower[i] = r.Min
		out.upper[i] = r.Max
	}
	return &out, nil
}

// Dim returns the dimensionality of the space.
func (s *Space) Dim() int { return Dim }

// Names returns the parameter names in canonical order.
func (s *Space) Names() []string { return Names() }

// Lower returns a copy of the lower bounds.
func (s *Space) Lower() []float64 {
	out := make([]float64, Dim)
	copy(out, s.lower[:])
	return out
}

// Upper returns a copy of the upper bounds.
func (s *Space) Upper() []float64 {
	out := make([]float64, Dim)
	copy(out, s.upper[:])
	return out
}

// Range returns the bounds of parameter i.
func (s *Space) Range(i int) Range {
	return Range{Min: s.lower[i], Max: s.upper[i]}
}

// Contains reports whether every entry of v lies within its bounds.
func (s *Space) Contains(v []float64) bool {
	if len(v) != Dim {
		return false
	}
	for i, x := range v {
		if !(x >= s.lower[i] && x <= s.upper[i]) {
			return false
		}
	}
	return true
}

// Validate checks v against the bounds and reports every violation.
func (s *Space) Validate(v []float64) error {
	if len(v) != Dim {
		return &ValidationError{Problems: []string{
			fmt.Sprintf("expected %d parameters, got %d", Dim, len(v)),
		}}
	}
	var problems []string
	for i, x := range v {
		if math.IsNaN(x) || x < s.lower[i] || x > s.upper[i] {
			problems = append(problems, fmt.Sprintf("%s = %.4f out of bounds [%g, %g]",
				names[i], x, s.lower[i], s.upper[i]))
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Adjustment records one clamped entry.
type Adjustment struct {
	Name string
	From float64
	To   float64
}

// Clamp pins out-of-range entries to the nearest bound. Entries already in
// range are copied unchanged.
func (s *Space) Clamp(v []float64) (Vector, []Adjustment) {
	out := make(Vector, len(v))
	var adjusted []Adjustment
	for i, x := range v {
		if i >= Dim {
			out[i] = x
			continue
		}
		c := clamp(x, s.lower[i], s.upper[i])
		if c != x {
			adjusted = append(adjusted, Adjustment{Name: names[i], From: x, To: c})
		}
		out[i] = c
	}
	return out, adjusted
}

// Prepare returns a vector that is safe to hand to the simulator. With
// clamping enabled out-of-range entries are pinned, otherwise they fail
// validation.
func (s *Space) Prepare(v []float64, clampValues bool) (Vector, error) {
	if len(v) != Dim {
		return nil, s.Validate(v)
	}
	if !clampValues {
		if err := s.Validate(v); err != nil {
			return nil, err
		}
		return Vector(v).Clone(), nil
	}
	out, adjusted := s.Clamp(v)
	for _, a := range adjusted {
		slog.Warn("Clamped parameter", "name", a.Name, "from", a.From, "to", a.To)
	}
	// NaN survives clamping, catch it here.
	if err := s.Validate(out); err != nil {
		return nil, err
	}
	return out, nil
}

func clamp(val, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, val))
}
