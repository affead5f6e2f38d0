package store

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cwbudde/crowdcalib/internal/opt"
	"github.com/cwbudde/crowdcalib/internal/params"
)

// CheckpointVersion is the format version written by this package.
const CheckpointVersion = 1

// Campaign states recorded in a checkpoint.
const (
	StateNotStarted  = "not_started"
	StateRunning     = "running"
	StateCompleted   = "completed"
	StateInterrupted = "interrupted"
)

// Checkpoint is a saved campaign state that can be resumed later.
//
// The checkpoint keeps the evaluation counter, the best parameters and the
// position of the random stream, but not the internal population of the
// search algorithm. On resume the algorithm starts from a fresh population
// drawn from the restored stream and seeded with the best parameters, so a
// resumed campaign is not a bit-exact continuation of an uninterrupted one.
// Evaluation numbering, generation tags, the best-so-far value and the
// remaining budget are exact.
type Checkpoint struct {
	Version    int    `json:"version"`
	CampaignID string `json:"campaignId"`

	// EvalCounter is the number of evaluations durably recorded in the log.
	EvalCounter int `json:"evalCounter"`
	Generation  int `json:"generation"`

	// BestParams and BestObjective are nil until the first evaluation has
	// been recorded.
	BestParams    *params.Set `json:"bestParams,omitempty"`
	BestObjective *float64    `json:"bestObjective,omitempty"`

	RNG opt.RNGState `json:"rng"`

	LogPath    string `json:"logPath"`
	LogBackend string `json:"logBackend,omitempty"`

	// Seed is the seed the campaign was started with.
	Seed         int64 `json:"seed"`
	TargetBudget int   `json:"targetBudget"`

	Timestamp time.Time `json:"timestamp"`

	// Optimizer is the configuration the campaign was started with; resumes
	// are checked against it.
	Optimizer opt.Config `json:"optimizer"`

	State   string `json:"state"`
	Message string `json:"message,omitempty"`
}

// CheckpointInfo is the metadata shown when listing checkpoints.
type CheckpointInfo struct {
	CampaignID    string    `json:"campaignId"`
	EvalCounter   int       `json:"evalCounter"`
	Generation    int       `json:"generation"`
	TargetBudget  int       `json:"targetBudget"`
	BestObjective *float64  `json:"bestObjective,omitempty"`
	Algorithm     string    `json:"algorithm"`
	State         string    `json:"state"`
	Timestamp     time.Time `json:"timestamp"`
	LogPath       string    `json:"logPath"`
}

// ToInfo converts a full Checkpoint to CheckpointInfo.
func (c *Checkpoint) ToInfo() CheckpointInfo {
	return CheckpointInfo{
		CampaignID:    c.CampaignID,
		EvalCounter:   c.EvalCounter,
		Generation:    c.Generation,
		TargetBudget:  c.TargetBudget,
		BestObjective: c.BestObjective,
		Algorithm:     c.Optimizer.Algorithm,
		State:         c.State,
		Timestamp:     c.Timestamp,
		LogPath:       c.LogPath,
	}
}

// Remaining returns the number of evaluations still to run.
func (c *Checkpoint) Remaining() int {
	return max(c.TargetBudget-c.EvalCounter, 0)
}

// Resumable reports whether the campaign can be continued.
func (c *Checkpoint) Resumable() bool {
	return c.State != StateCompleted && c.Remaining() > 0
}

// Resume converts the checkpoint into the optimizer's resume state.
func (c *Checkpoint) Resume() *opt.Resume {
	rng := c.RNG
	r := &opt.Resume{
		Completed:  c.EvalCounter,
		Generation: c.Generation,
		RNG:        &rng,
	}
	if c.BestParams != nil {
		r.BestX = c.BestParams.Vector()
	}
	return r
}

// Validate checks that the checkpoint is internally consistent.
func (c *Checkpoint) Validate() error {
	if c.Version != CheckpointVersion {
		return &ValidationError{Field: "Version", Reason: fmt.Sprintf("unsupported version %d", c.Version)}
	}
	if c.CampaignID == "" {
		return &ValidationError{Field: "CampaignID", Reason: "cannot be empty"}
	}
	if c.EvalCounter < 0 {
		return &ValidationError{Field: "EvalCounter", Reason: "cannot be negative"}
	}
	if c.Generation < 0 {
		return &ValidationError{Field: "Generation", Reason: "cannot be negative"}
	}
	if c.TargetBudget <= 0 {
		return &ValidationError{Field: "TargetBudget", Reason: "must be positive"}
	}
	if c.EvalCounter > c.TargetBudget {
		return &ValidationError{
			Field:  "EvalCounter",
			Reason: fmt.Sprintf("%d exceeds target budget %d", c.EvalCounter, c.TargetBudget),
		}
	}
	if (c.BestParams == nil) != (c.BestObjective == nil) {
		return &ValidationError{Field: "BestParams", Reason: "must be set together with BestObjective"}
	}
	if c.BestObjective != nil && math.IsNaN(*c.BestObjective) {
		return &ValidationError{Field: "BestObjective", Reason: "cannot be NaN"}
	}
	if c.EvalCounter > 0 && c.BestParams == nil {
		return &ValidationError{Field: "BestParams", Reason: "required once evaluations are recorded"}
	}
	if c.LogPath == "" {
		return &ValidationError{Field: "LogPath", Reason: "cannot be empty"}
	}
	if c.Timestamp.IsZero() {
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	}
	if err := c.Optimizer.Validate(); err != nil {
		return &ValidationError{Field: "Optimizer", Reason: err.Error()}
	}
	return nil
}

// ValidationError represents a checkpoint validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// Mismatch is one setting that differs between a checkpoint and the
// configuration requested for its resume.
type Mismatch struct {
	Field    string
	Expected string
	Actual   string
}

func (m Mismatch) String() string {
	return m.Field + " (checkpoint " + m.Expected + ", requested " + m.Actual + ")"
}

// ErrIncompatible matches any CompatibilityError.
var ErrIncompatible = &CompatibilityError{}

// CompatibilityError lists every setting that differs from the checkpoint.
type CompatibilityError struct {
	Mismatches []Mismatch
}

func (e *CompatibilityError) Error() string {
	parts := make([]string, len(e.Mismatches))
	for i, m := range e.Mismatches {
		parts[i] = m.String()
	}
	return "compatibility error: " + strings.Join(parts, "; ")
}

func (e *CompatibilityError) Is(target error) bool {
	_, ok := target.(*CompatibilityError)
	return ok
}

// IsCompatible checks whether the campaign can be resumed with cfg and the
// given total budget. The seed is not compared: a resume always continues
// the checkpoint's random stream.
func (c *Checkpoint) IsCompatible(cfg opt.Config, budget int) error {
	var ms []Mismatch
	check := func(field string, expected, actual any) {
		e, a := fmt.Sprint(expected), fmt.Sprint(actual)
		if e != a {
			ms = append(ms, Mismatch{Field: field, Expected: e, Actual: a})
		}
	}

	saved := c.Optimizer
	check("algorithm", saved.Algorithm, cfg.Algorithm)
	check("popsize", saved.PopSize, cfg.PopSize)
	check("budget", c.TargetBudget, budget)
	if saved.Algorithm == opt.AlgorithmDE && cfg.Algorithm == opt.AlgorithmDE {
		check("strategy", saved.Strategy, cfg.Strategy)
		check("mutation", saved.Mutation, cfg.Mutation)
		check("recombination", saved.Recombination, cfg.Recombination)
		check("init", saved.Init, cfg.Init)
		check("tol", saved.Tol, cfg.Tol)
		check("atol", saved.Atol, cfg.Atol)
	}
	if saved.Algorithm == opt.AlgorithmCMAES && cfg.Algorithm == opt.AlgorithmCMAES {
		check("step_size", saved.StepSize, cfg.StepSize)
	}

	if len(ms) > 0 {
		return &CompatibilityError{Mismatches: ms}
	}
	return nil
}
