// Package campaign runs a calibration campaign end to end: it wires the
// configuration into the objective and the optimizer, checkpoints after
// every evaluation and writes the final artifacts.
package campaign

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cwbudde/crowdcalib/internal/config"
	"github.com/cwbudde/crowdcalib/internal/gateway"
	"github.com/cwbudde/crowdcalib/internal/params"
	"github.com/cwbudde/crowdcalib/internal/store"
)

// State is the lifecycle state of a campaign.
type State string

const (
	StateNotStarted  State = store.StateNotStarted
	StateRunning     State = store.StateRunning
	StateCompleted   State = store.StateCompleted
	StateInterrupted State = store.StateInterrupted
)

// canTransition reports whether from → to is a legal transition.
func canTransition(from, to State) bool {
	switch from {
	case StateNotStarted, StateInterrupted:
		return to == StateRunning
	case StateRunning:
		return to == StateCompleted || to == StateInterrupted
	}
	return false
}

// LastEvaluation summarizes the most recent evaluation.
type LastEvaluation struct {
	Iteration  int           `json:"iteration"`
	Generation int           `json:"generation"`
	Objective  float64       `json:"objective"`
	Duration   time.Duration `json:"duration"`
}

// Status is a point-in-time view of a campaign.
type Status struct {
	CampaignID    string          `json:"campaignId"`
	State         State           `json:"state"`
	Algorithm     string          `json:"algorithm"`
	Evaluations   int             `json:"evaluations"`
	Target        int             `json:"target"`
	Generation    int             `json:"generation"`
	BestObjective *float64        `json:"bestObjective,omitempty"`
	BestParams    *params.Set     `json:"bestParams,omitempty"`
	Last          *LastEvaluation `json:"last,omitempty"`
	Seed          int64           `json:"seed"`
	LogPath       string          `json:"logPath"`
	StartTime     time.Time       `json:"startTime"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	EndTime       *time.Time      `json:"endTime,omitempty"`
	Message       string          `json:"message,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Options customizes a campaign.
type Options struct {
	// ID names a new campaign; generated when empty.
	ID string
	// Gateway overrides the simulator transport from the configuration.
	Gateway gateway.Gateway
	// Progress receives a status after every state change and evaluation.
	Progress func(Status)
	// Confirm is asked whether to resume despite configuration mismatches.
	// Without it a mismatch aborts the resume.
	Confirm func(*store.CompatibilityError) bool
}

// Campaign is one calibration campaign.
type Campaign struct {
	id    string
	cfg   *config.Config
	store *store.FSStore
	opts  Options

	// checkpoint is set when the campaign is resumed.
	checkpoint *store.Checkpoint

	mu     sync.Mutex
	status Status
}

// New prepares a fresh campaign.
func New(cfg *config.Config, st *store.FSStore, opts Options) (*Campaign, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	id := opts.ID
	if id == "" {
		id = NewID(cfg.Optimizer.Algorithm)
	}
	if _, err := st.LoadCheckpoint(id); err == nil {
		return nil, fmt.Errorf("campaign %s already exists, resume it instead", id)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	c := &Campaign{id: id, cfg: cfg, store: st, opts: opts}
	c.status = Status{
		CampaignID: id,
		State:      StateNotStarted,
		Algorithm:  cfg.Optimizer.Algorithm,
		Target:     cfg.Budget(),
		UpdatedAt:  time.Now(),
	}
	return c, nil
}

// Open loads an interrupted campaign for resumption. The requested
// configuration is checked against the checkpoint; mismatches need
// confirmation through opts.Confirm.
func Open(cfg *config.Config, st *store.FSStore, id string, opts Options) (*Campaign, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var (
		cp  *store.Checkpoint
		err error
	)
	if id == "" {
		cp, err = st.LatestCheckpoint()
	} else {
		cp, err = st.LoadCheckpoint(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	if err := cp.IsCompatible(cfg.Optimizer, cfg.Budget()); err != nil {
		var cerr *store.CompatibilityError
		if !errors.As(err, &cerr) {
			return nil, err
		}
		slog.Warn("Requested configuration differs from checkpoint",
			"campaign_id", cp.CampaignID,
			"mismatches", cerr.Error())
		if opts.Confirm == nil || !opts.Confirm(cerr) {
			return nil, err
		}
		slog.Warn("Resuming with the requested configuration", "campaign_id", cp.CampaignID)
	}

	state := StateInterrupted
	if cp.State == store.StateCompleted || cp.EvalCounter >= cfg.Budget() {
		state = StateCompleted
	}

	c := &Campaign{id: cp.CampaignID, cfg: cfg, store: st, opts: opts, checkpoint: cp}
	c.status = Status{
		CampaignID:    cp.CampaignID,
		State:         state,
		Algorithm:     cfg.Optimizer.Algorithm,
		Evaluations:   cp.EvalCounter,
		Target:        cfg.Budget(),
		Generation:    cp.Generation,
		BestObjective: cp.BestObjective,
		BestParams:    cp.BestParams,
		Seed:          cp.Seed,
		LogPath:       cp.LogPath,
		UpdatedAt:     time.Now(),
		Message:       cp.Message,
	}
	return c, nil
}

// NewID returns a sortable, unique campaign identifier.
func NewID(algorithm string) string {
	return fmt.Sprintf("%s-%s-%s", algorithm, time.Now().Format("20060102-150405"), uuid.NewString()[:8])
}

// ID returns the campaign identifier.
func (c *Campaign) ID() string { return c.id }

// Dir returns the directory holding the campaign's artifacts.
func (c *Campaign) Dir() string { return c.store.CampaignDir(c.id) }

// Status returns the current status.
func (c *Campaign) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// update applies fn to the status and publishes the result.
func (c *Campaign) update(fn func(*Status)) Status {
	c.mu.Lock()
	fn(&c.status)
	c.status.UpdatedAt = time.Now()
	s := c.status
	c.mu.Unlock()

	if c.opts.Progress != nil {
		c.opts.Progress(s)
	}
	return s
}

// transition moves the campaign to state.
func (c *Campaign) transition(to State, message string) error {
	c.mu.Lock()
	from := c.status.State
	c.mu.Unlock()
	if !canTransition(from, to) {
		return fmt.Errorf("campaign %s cannot go from %s to %s", c.id, from, to)
	}

	c.update(func(s *Status) {
		s.State = to
		s.Message = message
		now := time.Now()
		switch to {
		case StateRunning:
			s.StartTime = now
			s.EndTime = nil
			s.Error = ""
		case StateCompleted, StateInterrupted:
			s.EndTime = &now
		}
	})
	slog.Info("Campaign state changed", "campaign_id", c.id, "from", from, "to", to)
	return nil
}
