package store

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/crowdcalib/internal/history"
	"github.com/cwbudde/crowdcalib/internal/opt"
)

// FromHistoryOptions describes the campaign a rebuilt checkpoint belongs to.
type FromHistoryOptions struct {
	CampaignID string
	LogPath    string
	LogBackend string
	Optimizer  opt.Config
	Budget     int
	// Seed starts the random stream of the resumed search; the stream of
	// the lost campaign cannot be recovered from the log.
	Seed int64
}

// FromHistory builds a checkpoint from an evaluation log, for campaigns
// whose checkpoint was lost. The counter continues after the last logged
// iteration and the best record becomes the seed point of the resumed
// population.
func FromHistory(records []history.Record, o FromHistoryOptions) (*Checkpoint, error) {
	if len(records) == 0 {
		return nil, errors.New("evaluation log is empty")
	}

	best := records[0]
	last := records[0]
	for _, rec := range records[1:] {
		if rec.Objective < best.Objective ||
			(rec.Objective == best.Objective && rec.Iteration < best.Iteration) {
			best = rec
		}
		if rec.Iteration > last.Iteration {
			last = rec
		}
	}
	if last.Iteration != len(records) {
		slog.Warn("Evaluation log has gaps in its numbering",
			"rows", len(records),
			"last_iteration", last.Iteration)
	}

	bestParams := best.Set
	bestObjective := best.Objective
	cp := &Checkpoint{
		Version:       CheckpointVersion,
		CampaignID:    o.CampaignID,
		EvalCounter:   last.Iteration,
		Generation:    last.Generation,
		BestParams:    &bestParams,
		BestObjective: &bestObjective,
		RNG:           opt.RNGState{Seed: o.Seed},
		LogPath:       o.LogPath,
		LogBackend:    o.LogBackend,
		Seed:          o.Seed,
		TargetBudget:  o.Budget,
		Timestamp:     time.Now(),
		Optimizer:     o.Optimizer,
		State:         StateInterrupted,
		Message:       "rebuilt from evaluation log",
	}
	if cp.EvalCounter >= cp.TargetBudget {
		cp.State = StateCompleted
	}
	if err := cp.Validate(); err != nil {
		return nil, fmt.Errorf("failed to build checkpoint from history: %w", err)
	}

	slog.Info("Checkpoint rebuilt from history",
		"campaign_id", cp.CampaignID,
		"eval_counter", cp.EvalCounter,
		"best_iteration", best.Iteration,
		"best_objective", bestObjective,
		"remaining", cp.Remaining())
	return cp, nil
}
