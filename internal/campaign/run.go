package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cwbudde/crowdcalib/internal/history"
	"github.com/cwbudde/crowdcalib/internal/objective"
	"github.com/cwbudde/crowdcalib/internal/opt"
	"github.com/cwbudde/crowdcalib/internal/params"
	"github.com/cwbudde/crowdcalib/internal/store"
)

// ErrCompleted is returned when running a campaign that already finished.
var ErrCompleted = errors.New("campaign already completed")

// run holds the collaborators of one Run call.
type run struct {
	c         *Campaign
	fn        *objective.Function
	optimizer *opt.Optimizer
	logPath   string
	backend   string
	seed      int64
	budget    int
}

// Run executes the campaign until the budget is consumed, the search
// converges or an evaluation fails. A checkpoint is saved after every
// evaluation and again before any failure or cancellation is returned.
func (c *Campaign) Run(ctx context.Context) (*Result, error) {
	switch st := c.Status().State; {
	case st == StateCompleted:
		return nil, ErrCompleted
	case st != StateNotStarted && c.checkpoint == nil:
		return nil, fmt.Errorf("campaign %s already ran, open it again to resume", c.id)
	}

	space, err := c.cfg.Space()
	if err != nil {
		return nil, err
	}
	scorer, err := c.cfg.Scorer()
	if err != nil {
		return nil, err
	}

	resuming := c.checkpoint != nil
	logPath, backend := c.cfg.HistoryPath(c.Dir()), c.cfg.History.Backend
	if resuming {
		logPath = c.checkpoint.LogPath
		if c.checkpoint.LogBackend != "" {
			backend = c.checkpoint.LogBackend
		}
	} else if err := c.saveConfig(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	logStore, err := history.OpenStore(backend, logPath, resuming)
	if err != nil {
		return nil, fmt.Errorf("failed to open evaluation log: %w", err)
	}
	tracker, err := history.NewTracker(logStore, resuming)
	if err != nil {
		logStore.Close()
		return nil, err
	}
	defer tracker.Close()

	gw, closeGateway := c.opts.Gateway, func() error { return nil }
	if gw == nil {
		gw, closeGateway, err = c.cfg.NewGateway()
		if err != nil {
			return nil, fmt.Errorf("failed to connect to simulator: %w", err)
		}
	}
	defer closeGateway()

	fn, err := objective.New(objective.Config{
		Space:   space,
		Clamp:   c.cfg.Parameters.Clamp,
		Gateway: gw,
		Scorer:  scorer,
		Tracker: tracker,
		Timeout: c.cfg.Simulator.Timeout.Duration,
	})
	if err != nil {
		return nil, err
	}
	optimizer, err := opt.New(c.cfg.Optimizer, space.Lower(), space.Upper())
	if err != nil {
		return nil, err
	}

	var resume *opt.Resume
	if resuming {
		var best *history.Record
		resume, best, err = c.reconcile(tracker)
		if err != nil {
			return nil, err
		}
		fn.Restore(objective.State{Count: resume.Completed, Generation: resume.Generation, Best: best})
	}
	optimizer.Prepare(resume)

	r := &run{
		c:         c,
		fn:        fn,
		optimizer: optimizer,
		logPath:   logPath,
		backend:   backend,
		seed:      optimizer.Seed(),
		budget:    c.cfg.Budget(),
	}

	trace, err := store.NewTraceWriter(c.store.BaseDir(), c.id, resuming)
	if err != nil {
		return nil, err
	}
	defer trace.Close()
	optimizer.OnGeneration(func(s opt.GenerationStats) {
		if err := trace.Write(store.NewTraceEntry(s)); err != nil {
			slog.Warn("Failed to write trace entry", "campaign_id", c.id, "generation", s.Generation, "error", err)
		}
	})
	fn.OnEvaluation(r.afterEvaluation)

	if err := c.transition(StateRunning, ""); err != nil {
		return nil, err
	}
	c.update(func(s *Status) {
		s.Seed = r.seed
		s.LogPath = logPath
		s.Evaluations = fn.Count()
	})
	if err := r.save(StateRunning, ""); err != nil {
		r.interrupt(err)
		return nil, err
	}

	slog.Info("Campaign started",
		"campaign_id", c.id,
		"resumed", resuming,
		"completed", fn.Count(),
		"target", r.budget,
		"seed", r.seed,
		"log", logPath)

	res, runErr := optimizer.Run(ctx, fn, resume)
	if runErr != nil {
		r.interrupt(runErr)
		return r.result(res), fmt.Errorf("campaign %s interrupted after %d evaluations: %w", c.id, fn.Count(), runErr)
	}
	if !res.Success {
		r.interrupt(errors.New(res.Message))
		return r.result(res), fmt.Errorf("campaign %s ended without reaching a stopping criterion: %s", c.id, res.Message)
	}

	if err := r.save(StateCompleted, res.Message); err != nil {
		return r.result(res), err
	}
	if err := c.transition(StateCompleted, res.Message); err != nil {
		return r.result(res), err
	}
	out := r.result(res)
	if err := c.writeArtifacts(out); err != nil {
		return out, err
	}

	slog.Info("Campaign completed",
		"campaign_id", c.id,
		"evaluations", res.Evaluations,
		"best_objective", res.BestObjective,
		"message", res.Message)
	return out, nil
}

// reconcile derives the resume state from the checkpoint and the log. The
// log is authoritative: it may be one evaluation ahead when the process died
// between recording an evaluation and checkpointing it.
func (c *Campaign) reconcile(tracker *history.Tracker) (*opt.Resume, *history.Record, error) {
	cp := c.checkpoint
	resume := cp.Resume()

	logged := tracker.LastIteration()
	switch {
	case logged < cp.EvalCounter:
		return nil, nil, fmt.Errorf("evaluation log %s ends at iteration %d but the checkpoint records %d",
			cp.LogPath, logged, cp.EvalCounter)
	case logged > cp.EvalCounter:
		slog.Warn("Evaluation log is ahead of the checkpoint, continuing from the log",
			"checkpoint", cp.EvalCounter,
			"log", logged)
		resume.Completed = logged
		resume.Generation = opt.GenerationOf(logged, c.cfg.Optimizer.PopulationSize(params.Dim))
	}

	best, ok := tracker.BestSoFar()
	if !ok {
		return resume, nil, nil
	}
	resume.BestX = best.Set.Vector()
	return resume, &best, nil
}

// afterEvaluation makes evaluation N resumable before N+1 is submitted.
func (r *run) afterEvaluation(ev objective.Evaluation) error {
	if err := r.save(StateRunning, ""); err != nil {
		return fmt.Errorf("failed to checkpoint evaluation %d: %w", ev.Record.Iteration, err)
	}
	best, hasBest := r.fn.Best()
	r.c.update(func(s *Status) {
		s.Evaluations = ev.Record.Iteration
		s.Generation = ev.Record.Generation
		s.Last = &LastEvaluation{
			Iteration:  ev.Record.Iteration,
			Generation: ev.Record.Generation,
			Objective:  ev.Record.Objective,
			Duration:   ev.Duration,
		}
		if hasBest {
			p, o := best.Set, best.Objective
			s.BestParams, s.BestObjective = &p, &o
		}
	})
	return nil
}

func (r *run) checkpoint(state State, message string) *store.Checkpoint {
	st := r.fn.State()
	cp := &store.Checkpoint{
		Version:      store.CheckpointVersion,
		CampaignID:   r.c.id,
		EvalCounter:  st.Count,
		Generation:   st.Generation,
		RNG:          r.optimizer.RNGState(),
		LogPath:      r.logPath,
		LogBackend:   r.backend,
		Seed:         r.seed,
		TargetBudget: r.budget,
		Timestamp:    time.Now(),
		Optimizer:    r.c.cfg.Optimizer,
		State:        string(state),
		Message:      message,
	}
	if st.Best != nil {
		p, o := st.Best.Set, st.Best.Objective
		cp.BestParams, cp.BestObjective = &p, &o
	}
	return cp
}

func (r *run) save(state State, message string) error {
	return r.c.store.SaveCheckpoint(r.c.id, r.checkpoint(state, message))
}

// interrupt checkpoints the last durable state and marks the campaign
// interrupted.
func (r *run) interrupt(cause error) {
	msg := cause.Error()
	if err := r.save(StateInterrupted, msg); err != nil {
		slog.Error("Failed to save checkpoint", "campaign_id", r.c.id, "error", err)
	}
	if err := r.c.transition(StateInterrupted, msg); err != nil {
		slog.Error("Failed to mark campaign interrupted", "campaign_id", r.c.id, "error", err)
	}
	r.c.update(func(s *Status) {
		s.Error = msg
		s.Evaluations = r.fn.Count()
	})
	slog.Error("Campaign interrupted",
		"campaign_id", r.c.id,
		"evaluations", r.fn.Count(),
		"remaining", r.budget-r.fn.Count(),
		"error", cause)
}

func (r *run) result(res *opt.Result) *Result {
	s := r.c.Status()
	out := &Result{
		CampaignID:   r.c.id,
		State:        s.State,
		TargetBudget: r.budget,
		LogPath:      r.logPath,
		StartTime:    s.StartTime,
		EndTime:      s.EndTime,
	}
	if res != nil {
		out.Result = *res
	}
	if best, ok := r.fn.Best(); ok {
		p := best.Set
		out.BestParams = &p
		out.BestExperimentID = best.ExperimentID()
	}
	return out
}
