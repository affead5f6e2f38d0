// Package sim models the result file produced by the external crowd
// simulator and parses it.
package sim

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

// Position is a ground-plane coordinate.
type Position struct {
	X float64 `json:"x"`
	Z float64 `json:"z"`
}

// ErrorSample is one point of an agent's trajectory error series.
type ErrorSample struct {
	// TimeIndex is -1 when the simulator omitted it; the sample's ordinal is
	// used instead.
	TimeIndex     int       `json:"timeIndex"`
	Error         float64   `json:"error"`
	EmpiricalPos  *Position `json:"empiricalPos,omitempty"`
	ValidationPos *Position `json:"validationPos,omitempty"`
}

func (s *ErrorSample) UnmarshalJSON(data []byte) error {
	type plain ErrorSample
	p := plain{TimeIndex: -1}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = ErrorSample(p)
	return nil
}

// AgentError is the error trajectory of one tracked agent.
type AgentError struct {
	AgentID          int           `json:"agentId"`
	TrajectoryLength int           `json:"trajectoryLength"`
	MeanError        float64       `json:"meanError"`
	MaxError         float64       `json:"maxError"`
	Errors           []ErrorSample `json:"errors"`
}

// Series returns the (time, error) pairs of the trajectory. Missing time
// indices fall back to the sample's position in the series.
func (a AgentError) Series() (t, e []float64) {
	t = make([]float64, len(a.Errors))
	e = make([]float64, len(a.Errors))
	for i, s := range a.Errors {
		if s.TimeIndex < 0 {
			t[i] = float64(i)
		} else {
			t[i] = float64(s.TimeIndex)
		}
		e[i] = s.Error
	}
	return t, e
}

// DensityMetrics is the optional aggregate density-fidelity block.
type DensityMetrics struct {
	MeanDensityDifference float64 `json:"meanDensityDifference"`
	MaxDensityDifference  float64 `json:"maxDensityDifference"`
	SampleCount           int     `json:"sampleCount"`
}

// Result is one simulator run. AverageError and AgentErrors are required;
// a nil value means the simulator did not supply the field.
type Result struct {
	ExperimentID         string             `json:"experimentId"`
	Successful           *bool              `json:"successful,omitempty"`
	ExecutionTimeSeconds float64            `json:"executionTimeSeconds"`
	TotalAgents          int                `json:"totalAgents"`
	CompletedAgents      int                `json:"completedAgents"`
	AverageError         *float64           `json:"averageError"`
	MaxError             float64            `json:"maxError"`
	DensityMetrics       *DensityMetrics    `json:"densityMetrics,omitempty"`
	Parameters           map[string]float64 `json:"parameters,omitempty"`
	AgentErrors          []AgentError       `json:"agentErrors"`
}

// Float returns a pointer to v, for building results in code.
func Float(v float64) *float64 { return &v }

// Validate checks that the required fields are present.
func (r *Result) Validate() error {
	if r.AgentErrors == nil {
		return &DataError{Field: "agentErrors", Reason: "missing"}
	}
	if r.AverageError == nil {
		return &DataError{Field: "averageError", Reason: "missing"}
	}
	return nil
}

// DensityDiff returns the mean density difference, or 0 when the simulator
// did not report density data.
func (r *Result) DensityDiff() float64 {
	if r.DensityMetrics == nil {
		return 0
	}
	return r.DensityMetrics.MeanDensityDifference
}

// DecodeResult decodes a result document without checking required fields.
func DecodeResult(data []byte) (*Result, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &DataError{Reason: "empty result document"}
	}
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, &DataError{Reason: "malformed JSON", Err: err}
	}
	return &r, nil
}

// ParseResult decodes and validates a result document.
func ParseResult(data []byte) (*Result, error) {
	r, err := DecodeResult(data)
	if err != nil {
		return nil, err
	}
	// An explicit "agentErrors": null is as good as absent.
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// LoadResult reads and parses a result file.
func LoadResult(path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read result file: %w", err)
	}
	r, err := ParseResult(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return r, nil
}

// ErrDataError matches any DataError via errors.Is.
var ErrDataError = &DataError{}

// DataError reports a malformed or incomplete simulation result.
type DataError struct {
	Field  string
	Reason string
	Err    error
}

func (e *DataError) Error() string {
	msg := "invalid simulation result"
	switch {
	case e.Field != "" && e.Reason != "":
		msg += ": " + e.Field + " " + e.Reason
	case e.Field != "":
		msg += ": " + e.Field
	case e.Reason != "":
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DataError) Is(target error) bool {
	_, ok := target.(*DataError)
	return ok
}

func (e *DataError) Unwrap() error { return e.Err }

// ExperimentID formats the identifier of evaluation n.
func ExperimentID(n int) string {
	return fmt.Sprintf("eval_%04d", n)
}

// ParseExperimentID extracts n from an identifier produced by ExperimentID.
func ParseExperimentID(id string) (int, bool) {
	var n int
	if _, err := fmt.Sscanf(id, "eval_%d", &n); err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
