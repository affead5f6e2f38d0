package params

import (
	"fmt"
	"sort"
)

// Dim is the number of calibrated social-force parameters.
const Dim = 18

// names lists the parameters in canonical order. Every array<->named
// conversion in the repository goes through this order.
var names = [Dim]string{
	"minimalDistance",
	"relaxationTime",
	"repulsionStrengthAgent",
	"repulsionRangeAgent",
	"lambdaAgent",
	"repulsionStrengthObs",
	"repulsionRangeObs",
	"lambdaObs",
	"k",
	"kappa",
	"obsK",
	"obsKappa",
	"considerationRange",
	"viewAngle",
	"viewAngleMax",
	"viewDistance",
	"rayStepAngle",
	"visibleFactor",
}

// Names returns the parameter names in canonical order.
func Names() []string {
	out := make([]string, Dim)
	copy(out, names[:])
	return out
}

// Index returns the canonical position of name, or -1 if it is unknown.
func Index(name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}

// Vector is a parameter point in canonical order.
type Vector []float64

// Clone returns an independent copy of v.
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	copy(out, v)
	return out
}

// Set holds the 18 parameters by name. Field order matches the canonical
// order so JSON and CSV output keep it too.
type Set struct {
	MinimalDistance        float64 `json:"minimalDistance" csv:"minimalDistance" yaml:"minimalDistance"`
	RelaxationTime         float64 `json:"relaxationTime" csv:"relaxationTime" yaml:"relaxationTime"`
	RepulsionStrengthAgent float64 `json:"repulsionStrengthAgent" csv:"repulsionStrengthAgent" yaml:"repulsionStrengthAgent"`
	RepulsionRangeAgent    float64 `json:"repulsionRangeAgent" csv:"repulsionRangeAgent" yaml:"repulsionRangeAgent"`
	LambdaAgent            float64 `json:"lambdaAgent" csv:"lambdaAgent" yaml:"lambdaAgent"`
	RepulsionStrengthObs   float64 `json:"repulsionStrengthObs" csv:"repulsionStrengthObs" yaml:"repulsionStrengthObs"`
	RepulsionRangeObs      float64 `json:"repulsionRangeObs" csv:"repulsionRangeObs" yaml:"repulsionRangeObs"`
	LambdaObs              float64 `json:"lambdaObs" csv:"lambdaObs" yaml:"lambdaObs"`
	K                      float64 `json:"k" csv:"k" yaml:"k"`
	Kappa                  float64 `json:"kappa" csv:"kappa" yaml:"kappa"`
	ObsK                   float64 `json:"obsK" csv:"obsK" yaml:"obsK"`
	ObsKappa               float64 `json:"obsKappa" csv:"obsKappa" yaml:"obsKappa"`
	ConsiderationRange     float64 `json:"considerationRange" csv:"considerationRange" yaml:"considerationRange"`
	ViewAngle              float64 `json:"viewAngle" csv:"viewAngle" yaml:"viewAngle"`
	ViewAngleMax           float64 `json:"viewAngleMax" csv:"viewAngleMax" yaml:"viewAngleMax"`
	ViewDistance           float64 `json:"viewDistance" csv:"viewDistance" yaml:"viewDistance"`
	RayStepAngle           float64 `json:"rayStepAngle" csv:"rayStepAngle" yaml:"rayStepAngle"`
	VisibleFactor          float64 `json:"visibleFactor" csv:"visibleFactor" yaml:"visibleFactor"`
}

// fields returns pointers to the Set fields in canonical order.
func (s *Set) fields() [Dim]*float64 {
	return [Dim]*float64{
		&s.MinimalDistance,
		&s.RelaxationTime,
		&s.RepulsionStrengthAgent,
		&s.RepulsionRangeAgent,
		&s.LambdaAgent,
		&s.RepulsionStrengthObs,
		&s.RepulsionRangeObs,
		&s.LambdaObs,
		&s.K,
		&s.Kappa,
		&s.ObsK,
		&s.ObsKappa,
		&s.ConsiderationRange,
		&s.ViewAngle,
		&s.ViewAngleMax,
		&s.ViewDistance,
		&s.RayStepAngle,
		&s.VisibleFactor,
	}
}

// Vector returns the parameters in canonical order.
func (s Set) Vector() Vector {
	v := make(Vector, Dim)
	for i, f := range s.fields() {
		v[i] = *f
	}
	return v
}

// Map returns the parameters keyed by name.
func (s Set) Map() map[string]float64 {
	m := make(map[string]float64, Dim)
	for i, f := range s.fields() {
		m[names[i]] = *f
	}
	return m
}

// FromVector converts a canonical-order vector into a Set.
func FromVector(v []float64) (Set, error) {
	if len(v) != Dim {
		return Set{}, &ValidationError{Problems: []string{
			fmt.Sprintf("expected %d parameters, got %d", Dim, len(v)),
		}}
	}
	var s Set
	for i, f := range s.fields() {
		*f = v[i]
	}
	return s, nil
}

// FromMap converts a name->value mapping into a Set. Missing or unknown
// names are reported together in a single ValidationError.
func FromMap(m map[string]float64) (Set, error) {
	var problems []string
	var missing []string
	for _, n := range names {
		if _, ok := m[n]; !ok {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		problems = append(problems, fmt.Sprintf("missing parameters: %v", missing))
	}

	var unknown []string
	for n := range m {
		if Index(n) < 0 {
			unknown = append(unknown, n)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		problems = append(problems, fmt.Sprintf("unknown parameters: %v", unknown))
	}
	if len(problems) > 0 {
		return Set{}, &ValidationError{Problems: problems}
	}

	var s Set
	for i, f := range s.fields() {
		*f = m[names[i]]
	}
	return s, nil
}

// Baseline returns the simulator's default parameter values.
func Baseline() Set {
	return Set{
		MinimalDistance:        0.2,
		RelaxationTime:         0.5,
		RepulsionStrengthAgent: 1.2,
		RepulsionRangeAgent:    5.0,
		LambdaAgent:            0.35,
		RepulsionStrengthObs:   1.0,
		RepulsionRangeObs:      5.0,
		LambdaObs:              0.35,
		K:                      8.0,
		Kappa:                  5.0,
		ObsK:                   3.0,
		ObsKappa:               0.0,
		ConsiderationRange:     2.5,
		ViewAngle:              150.0,
		ViewAngleMax:           240.0,
		ViewDistance:           5.0,
		RayStepAngle:           30.0,
		VisibleFactor:          0.7,
	}
}

// ValidationError reports parameters that are missing or out of bounds.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "parameter validation failed: " + e.Problems[0]
	}
	msg := "parameter validation failed:"
	for _, p := range e.Problems {
		msg += "\n  " + p
	}
	return msg
}

// Is lets errors.Is match any ValidationError.
func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok
}
