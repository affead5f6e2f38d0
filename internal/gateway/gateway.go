// Package gateway submits parameter sets to the external crowd simulator and
// collects its results.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/cwbudde/crowdcalib/internal/params"
	"github.com/cwbudde/crowdcalib/internal/sim"
)

// DefaultPollInterval is the time between result checks. Evaluations take
// minutes, so seconds are fine-grained enough.
const DefaultPollInterval = 2 * time.Second

// Gateway is the capability to run one simulation.
//
// Submit hands p to the simulator under experimentID and returns a handle;
// AwaitResult blocks until a valid result is available, the timeout expires
// or ctx is cancelled. A failed evaluation must leave the gateway usable for
// the next Submit.
type Gateway interface {
	Submit(ctx context.Context, p params.Set, experimentID string) (*Handle, error)
	AwaitResult(ctx context.Context, h *Handle, timeout time.Duration) (*sim.Result, error)
}

// Handle identifies one submitted evaluation.
type Handle struct {
	ExperimentID string
	Params       params.Set
	SubmittedAt  time.Time

	paramsPath string
	proc       *process
}

// ErrTimeoutExceeded matches any TimeoutError via errors.Is.
var ErrTimeoutExceeded = &TimeoutError{}

// TimeoutError reports that no stable, valid result appeared in time.
type TimeoutError struct {
	ExperimentID string
	Timeout      time.Duration
}

func (e *TimeoutError) Error() string {
	if e.ExperimentID == "" {
		return "simulation timeout exceeded"
	}
	return fmt.Sprintf("simulation %s timed out after %s", e.ExperimentID, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	_, ok := target.(*TimeoutError)
	return ok
}

// ErrExternalProcessCrashed matches any CrashError via errors.Is.
var ErrExternalProcessCrashed = &CrashError{}

// CrashError reports that the simulator stopped before producing a result.
// Output holds the tail of its diagnostic output when it was launched by
// the gateway.
type CrashError struct {
	ExperimentID string
	ExitCode     int
	Output       string
	Err          error
}

func (e *CrashError) Error() string {
	msg := "external simulator crashed"
	if e.ExperimentID != "" {
		msg = fmt.Sprintf("external simulator crashed during %s (exit code %d)", e.ExperimentID, e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CrashError) Is(target error) bool {
	_, ok := target.(*CrashError)
	return ok
}

func (e *CrashError) Unwrap() error { return e.Err }
