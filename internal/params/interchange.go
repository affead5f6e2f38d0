package params

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Interchange is the parameter file handed to the simulator: an experiment
// identifier, a timestamp and the 18 named values at the top level.
type Interchange struct {
	ExperimentID string    `json:"experimentId"`
	Timestamp    time.Time `json:"timestamp"`
	Set
}

// NewInterchange stamps s with an experiment id and the current time.
func NewInterchange(experimentID string, s Set) Interchange {
	return Interchange{
		ExperimentID: experimentID,
		Timestamp:    time.Now(),
		Set:          s,
	}
}

// WriteInterchange writes the interchange file atomically (temp file +
// rename) so the simulator never sees a half-written file.
func WriteInterchange(path string, in Interchange) error {
	data, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize parameters: %w", err)
	}
	return writeFileAtomic(path, data)
}

// WriteBest writes the best-parameters artifact. It has the same shape as
// the interchange file so it can be fed back to the simulator unchanged.
func WriteBest(path, experimentID string, s Set) error {
	return WriteInterchange(path, NewInterchange(experimentID, s))
}

// LoadParameters reads a parameter file and returns the 18 named values.
// Extra keys such as experimentId and timestamp are ignored; missing
// parameters fail validation.
func LoadParameters(path string) (Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Set{}, fmt.Errorf("failed to read parameter file: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Set{}, fmt.Errorf("failed to parse parameter file %s: %w", path, err)
	}

	values := make(map[string]float64, Dim)
	for _, name := range names {
		msg, ok := raw[name]
		if !ok {
			continue
		}
		var v float64
		if err := json.Unmarshal(msg, &v); err != nil {
			return Set{}, fmt.Errorf("parameter %s is not a number: %w", name, err)
		}
		values[name] = v
	}
	return FromMap(values)
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename %s: %w", tempPath, err)
	}
	return nil
}
