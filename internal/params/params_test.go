package params

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func randomInBounds(rng *rand.Rand, s *Space) []float64 {
	lo, hi := s.Lower(), s.Upper()
	v := make([]float64, Dim)
	for i := range v {
		v[i] = lo[i] + rng.Float64()*(hi[i]-lo[i])
	}
	return v
}

func TestNamesCanonicalOrder(t *testing.T) {
	n := Names()
	if len(n) != Dim {
		t.Fatalf("Expected %d names, got %d", Dim, len(n))
	}
	if n[0] != "minimalDistance" || n[Dim-1] != "visibleFactor" {
		t.Errorf("Unexpected ordering: first=%s last=%s", n[0], n[Dim-1])
	}
	for i, name := range n {
		if Index(name) != i {
			t.Errorf("Index(%s) = %d, want %d", name, Index(name), i)
		}
	}
	if Index("bogus") != -1 {
		t.Error("Expected -1 for unknown name")
	}

	// Mutating the returned slice must not affect the canonical table.
	n[0] = "changed"
	if Names()[0] != "minimalDistance" {
		t.Error("Names() exposed internal state")
	}
}

func TestClampInBoundsIsIdentity(t *testing.T) {
	space := DefaultSpace()
	rng := rand.New(rand.NewSource(1))

	for trial := 0; trial < 200; trial++ {
		v := randomInBounds(rng, space)
		// Include the exact bounds too.
		if trial == 0 {
			v = space.Lower()
		} else if trial == 1 {
			v = space.Upper()
		}

		out, adjusted := space.Clamp(v)
		if len(adjusted) != 0 {
			t.Fatalf("trial %d: expected no adjustments, got %v", trial, adjusted)
		}
		for i := range v {
			if out[i] != v[i] {
				t.Fatalf("trial %d: entry %d changed from %v to %v", trial, i, v[i], out[i])
			}
		}

		prepared, err := space.Prepare(v, false)
		if err != nil {
			t.Fatalf("trial %d: Prepare strict failed: %v", trial, err)
		}
		for i := range v {
			if prepared[i] != v[i] {
				t.Fatalf("trial %d: strict Prepare changed entry %d", trial, i)
			}
		}
	}
}

func TestClampSingleViolation(t *testing.T) {
	space := DefaultSpace()
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < Dim; i++ {
		for _, above := range []bool{false, true} {
			v := randomInBounds(rng, space)
			r := space.Range(i)
			want := r.Min
			if above {
				v[i] = r.Max + 1.5
				want = r.Max
			} else {
				v[i] = r.Min - 1.5
			}

			out, adjusted := space.Clamp(v)
			if len(adjusted) != 1 {
				t.Fatalf("param %s: expected 1 adjustment, got %d", names[i], len(adjusted))
			}
			if adjusted[0].Name != names[i] || adjusted[0].To != want {
				t.Errorf("param %s: unexpected adjustment %+v", names[i], adjusted[0])
			}
			for j := range v {
				if j == i {
					if out[j] != want {
						t.Errorf("param %s: pinned to %v, want %v", names[i], out[j], want)
					}
					continue
				}
				if out[j] != v[j] {
					t.Errorf("param %s: unrelated entry %d changed", names[i], j)
				}
			}
		}
	}
}

func TestValidateReportsEveryViolation(t *testing.T) {
	space := DefaultSpace()
	v := Baseline().Vector()
	v[0] = -1
	v[13] = 999

	err := space.Validate(v)
	if err == nil {
		t.Fatal("Expected validation error")
	}
	if !errors.Is(err, &ValidationError{}) {
		t.Fatalf("Expected ValidationError, got %T", err)
	}
	var ve *ValidationError
	errors.As(err, &ve)
	if len(ve.Problems) != 2 {
		t.Errorf("Expected 2 problems, got %d: %v", len(ve.Problems), ve.Problems)
	}

	if _, err := space.Prepare(v, false); err == nil {
		t.Error("Strict Prepare accepted out-of-bounds vector")
	}
	out, err := space.Prepare(v, true)
	if err != nil {
		t.Fatalf("Clamping Prepare failed: %v", err)
	}
	if !space.Contains(out) {
		t.Error("Clamped vector is not within bounds")
	}
}

func TestPrepareRejectsNaN(t *testing.T) {
	space := DefaultSpace()
	v := Baseline().Vector()
	v[3] = math.NaN()
	if _, err := space.Prepare(v, true); err == nil {
		t.Error("Expected NaN to fail validation even with clamping")
	}
}

func TestValidateWrongLength(t *testing.T) {
	if err := DefaultSpace().Validate(make([]float64, 5)); err == nil {
		t.Error("Expected error for short vector")
	}
}

func TestBaselineWithinDefaultBounds(t *testing.T) {
	if err := DefaultSpace().Validate(Baseline().Vector()); err != nil {
		t.Errorf("Baseline out of bounds: %v", err)
	}
}

func TestWithBounds(t *testing.T) {
	base := DefaultSpace()
	narrowed, err := base.WithBounds(map[string]Range{"k": {Min: 6, Max: 7}})
	if err != nil {
		t.Fatalf("WithBounds failed: %v", err)
	}
	i := Index("k")
	if r := narrowed.Range(i); r.Min != 6 || r.Max != 7 {
		t.Errorf("Override not applied: %+v", r)
	}
	if r := base.Range(i); r.Min != 5 || r.Max != 12 {
		t.Errorf("Original space was mutated: %+v", r)
	}

	if _, err := base.WithBounds(map[string]Range{"nope": {0, 1}}); err == nil {
		t.Error("Expected error for unknown name")
	}
	if _, err := base.WithBounds(map[string]Range{"k": {Min: 3, Max: 1}}); err == nil {
		t.Error("Expected error for inverted range")
	}
}

func TestSetVectorMapRoundTrip(t *testing.T) {
	s := Baseline()
	v := s.Vector()
	back, err := FromVector(v)
	if err != nil {
		t.Fatalf("FromVector failed: %v", err)
	}
	if back != s {
		t.Errorf("Vector round trip mismatch: %+v vs %+v", back, s)
	}

	m := s.Map()
	if m["viewAngle"] != 150.0 || m["k"] != 8.0 {
		t.Errorf("Map has wrong values: %v", m)
	}
	fromMap, err := FromMap(m)
	if err != nil {
		t.Fatalf("FromMap failed: %v", err)
	}
	if fromMap != s {
		t.Error("Map round trip mismatch")
	}
}

func TestFromMapErrors(t *testing.T) {
	m := Baseline().Map()
	delete(m, "kappa")
	m["extra"] = 1
	_, err := FromMap(m)
	if !errors.Is(err, &ValidationError{}) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "kappa") || !strings.Contains(msg, "extra") {
		t.Errorf("Error should name missing and unknown parameters: %s", msg)
	}
}

func TestInterchangeRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input", "eval_0001_parameters.json")
	s := Baseline()
	s.K = 9.25

	if err := WriteInterchange(path, NewInterchange("eval_0001", s)); err != nil {
		t.Fatalf("WriteInterchange failed: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("Temp file left behind")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Interchange file is not JSON: %v", err)
	}
	if raw["experimentId"] != "eval_0001" {
		t.Errorf("experimentId = %v", raw["experimentId"])
	}
	if _, ok := raw["timestamp"]; !ok {
		t.Error("Missing timestamp")
	}
	if raw["k"] != 9.25 {
		t.Errorf("Parameters must sit at the top level, k = %v", raw["k"])
	}
	if len(raw) != Dim+2 {
		t.Errorf("Expected %d keys, got %d", Dim+2, len(raw))
	}

	loaded, err := LoadParameters(path)
	if err != nil {
		t.Fatalf("LoadParameters failed: %v", err)
	}
	if loaded != s {
		t.Errorf("Loaded parameters differ: %+v", loaded)
	}
}

func TestLoadParametersMissingValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.json")
	if err := os.WriteFile(path, []byte(`{"k": 8.0}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadParameters(path); !errors.Is(err, &ValidationError{}) {
		t.Errorf("Expected ValidationError, got %v", err)
	}
}

func TestWriteBest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "best_parameters.json")
	if err := WriteBest(path, "eval_0042", Baseline()); err != nil {
		t.Fatalf("WriteBest failed: %v", err)
	}
	loaded, err := LoadParameters(path)
	if err != nil {
		t.Fatalf("LoadParameters failed: %v", err)
	}
	if loaded != Baseline() {
		t.Error("Best parameters artifact does not round trip")
	}
}
