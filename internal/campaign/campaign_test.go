package campaign

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cwbudde/crowdcalib/internal/config"
	"github.com/cwbudde/crowdcalib/internal/gateway"
	"github.com/cwbudde/crowdcalib/internal/history"
	"github.com/cwbudde/crowdcalib/internal/metrics"
	"github.com/cwbudde/crowdcalib/internal/params"
	"github.com/cwbudde/crowdcalib/internal/sim"
	"github.com/cwbudde/crowdcalib/internal/store"
)

// fakeSimulator scores parameters by their distance to a fixed target so
// the search has something to find. failOn makes one experiment fail and
// cancelOn cancels the campaign context during one experiment.
type fakeSimulator struct {
	mu        sync.Mutex
	submitted []string
	failOn    string
	cancelOn  string
	cancel    context.CancelFunc
}

func (s *fakeSimulator) Submit(_ context.Context, p params.Set, id string) (*gateway.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, id)
	return &gateway.Handle{ExperimentID: id, Params: p, SubmittedAt: time.Now()}, nil
}

func (s *fakeSimulator) AwaitResult(ctx context.Context, h *gateway.Handle, _ time.Duration) (*sim.Result, error) {
	switch h.ExperimentID {
	case s.failOn:
		return nil, &gateway.CrashError{ExperimentID: h.ExperimentID, ExitCode: 1, Output: "segfault"}
	case s.cancelOn:
		s.cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}

	e := 0.1 + math.Abs(h.Params.RelaxationTime-0.5) + math.Abs(h.Params.K-1)/10
	return &sim.Result{
		ExperimentID: h.ExperimentID,
		AverageError: sim.Float(e),
		AgentErrors: []sim.AgentError{
			{AgentID: 1, MeanError: e},
			{AgentID: 2, MeanError: 2 * e},
		},
	}, nil
}

func (s *fakeSimulator) Submitted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.submitted...)
}

func testConfig(t *testing.T, budget int) *config.Config {
	t.Helper()
	cfg, err := config.Default()
	if err != nil {
		t.Fatal(err)
	}
	cfg.DataDir = t.TempDir()
	cfg.Optimizer.MaxEvaluations = budget
	seed := int64(7)
	cfg.Optimizer.Seed = &seed
	return cfg
}

func testStore(t *testing.T, cfg *config.Config) *store.FSStore {
	t.Helper()
	st, err := store.NewFSStore(cfg.DataDir)
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func TestRunCompletes(t *testing.T) {
	for _, backend := range []string{history.BackendCSV, history.BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			cfg := testConfig(t, 40)
			cfg.History.Backend = backend
			st := testStore(t, cfg)
			fake := &fakeSimulator{}

			var states []State
			c, err := New(cfg, st, Options{
				ID:       "camp",
				Gateway:  fake,
				Progress: func(s Status) { states = append(states, s.State) },
			})
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}

			res, err := c.Run(context.Background())
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}

			if !res.Success || res.Evaluations != 40 || res.SessionEvaluations != 40 {
				t.Errorf("result = %+v", res.Result)
			}
			if res.Seed != 7 || res.Algorithm != "de" {
				t.Errorf("seed/algorithm = %d/%s", res.Seed, res.Algorithm)
			}
			if len(fake.Submitted()) != 40 {
				t.Errorf("simulator saw %d submissions, want 40", len(fake.Submitted()))
			}
			if c.Status().State != StateCompleted || states[len(states)-1] != StateCompleted {
				t.Errorf("state = %s, progress states = %v", c.Status().State, states)
			}

			records, err := history.ReadRecords(res.LogPath)
			if err != nil {
				t.Fatal(err)
			}
			if len(records) != 40 {
				t.Fatalf("log has %d rows, want 40", len(records))
			}
			if records[39].Generation != 2 {
				t.Errorf("last generation = %d, want 2", records[39].Generation)
			}

			cp, err := st.LoadCheckpoint("camp")
			if err != nil {
				t.Fatal(err)
			}
			if cp.State != store.StateCompleted || cp.EvalCounter != 40 || cp.Remaining() != 0 {
				t.Errorf("checkpoint = %+v", cp)
			}
			if *cp.BestObjective != res.BestObjective {
				t.Errorf("checkpoint best %v != result best %v", *cp.BestObjective, res.BestObjective)
			}

			saved, err := LoadResult(st, "camp")
			if err != nil {
				t.Fatal(err)
			}
			if saved.BestExperimentID == "" || saved.BestParams == nil {
				t.Errorf("saved result = %+v", saved)
			}
			best, err := params.LoadParameters(filepath.Join(c.Dir(), BestParametersFile))
			if err != nil {
				t.Fatalf("best parameters: %v", err)
			}
			if best != *saved.BestParams {
				t.Error("best_parameters.json differs from result.json")
			}

			trace, err := store.ReadTrace(cfg.DataDir, "camp")
			if err != nil {
				t.Fatal(err)
			}
			if len(trace) != 2 || trace[0].Evaluations != 36 || trace[1].Evaluations != 40 {
				t.Errorf("trace = %+v", trace)
			}
		})
	}
}

func TestNewRejectsExistingCampaign(t *testing.T) {
	cfg := testConfig(t, 36)
	st := testStore(t, cfg)

	c, err := New(cfg, st, Options{ID: "camp", Gateway: &fakeSimulator{}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := New(cfg, st, Options{ID: "camp"}); err == nil {
		t.Error("expected an error for an existing campaign id")
	}
	if _, err := c.Run(context.Background()); !errors.Is(err, ErrCompleted) {
		t.Errorf("second Run = %v, want ErrCompleted", err)
	}
}

// TestResumeContinuesExactly interrupts a 36-evaluation campaign after 20
// evaluations and resumes it: exactly 16 more evaluations run and the first
// 20 log rows stay byte-identical.
func TestResumeContinuesExactly(t *testing.T) {
	cfg := testConfig(t, 36)
	st := testStore(t, cfg)

	first := &fakeSimulator{failOn: sim.ExperimentID(21)}
	c, err := New(cfg, st, Options{ID: "camp", Gateway: first})
	if err != nil {
		t.Fatal(err)
	}
	res, err := c.Run(context.Background())
	if !errors.Is(err, gateway.ErrExternalProcessCrashed) {
		t.Fatalf("Run = %v, want a crash error", err)
	}
	if res == nil || res.Evaluations != 20 {
		t.Fatalf("partial result = %+v", res)
	}
	if c.Status().State != StateInterrupted {
		t.Errorf("state = %s, want interrupted", c.Status().State)
	}

	cp, err := st.LoadCheckpoint("camp")
	if err != nil {
		t.Fatal(err)
	}
	if cp.EvalCounter != 20 || cp.State != store.StateInterrupted || cp.Remaining() != 16 {
		t.Fatalf("checkpoint = counter %d, state %s, remaining %d", cp.EvalCounter, cp.State, cp.Remaining())
	}
	if cp.RNG.Draws == 0 {
		t.Error("checkpoint has no random draws recorded")
	}
	prefix, err := os.ReadFile(cp.LogPath)
	if err != nil {
		t.Fatal(err)
	}

	second := &fakeSimulator{}
	resumed, err := Open(cfg, st, "camp", Options{Gateway: second})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if resumed.Status().State != StateInterrupted {
		t.Errorf("opened state = %s", resumed.Status().State)
	}
	res, err = resumed.Run(context.Background())
	if err != nil {
		t.Fatalf("resumed Run failed: %v", err)
	}

	submitted := second.Submitted()
	if len(submitted) != 16 {
		t.Fatalf("resumed session ran %d evaluations, want 16", len(submitted))
	}
	if submitted[0] != sim.ExperimentID(21) || submitted[15] != sim.ExperimentID(36) {
		t.Errorf("resumed ids = %s..%s", submitted[0], submitted[15])
	}
	if res.Evaluations != 36 || res.SessionEvaluations != 16 || res.Seed != 7 {
		t.Errorf("result = %+v", res.Result)
	}

	full, err := os.ReadFile(cp.LogPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(full, prefix) {
		t.Error("resumed run rewrote prior log rows")
	}
	records, err := history.ReadRecords(cp.LogPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 36 {
		t.Fatalf("log has %d rows, want 36", len(records))
	}
	for i, rec := range records {
		if rec.Iteration != i+1 || rec.Generation != 1 {
			t.Errorf("row %d: iteration %d generation %d", i, rec.Iteration, rec.Generation)
		}
	}

	// The best of the whole log is reported, including the first session.
	best := records[0]
	for _, rec := range records {
		if rec.Objective < best.Objective {
			best = rec
		}
	}
	if res.BestObjective != best.Objective {
		t.Errorf("best objective = %v, want %v", res.BestObjective, best.Objective)
	}
}

func TestResumeWhenLogIsAheadOfCheckpoint(t *testing.T) {
	cfg := testConfig(t, 36)
	st := testStore(t, cfg)

	c, err := New(cfg, st, Options{ID: "camp", Gateway: &fakeSimulator{failOn: sim.ExperimentID(21)}})
	if err != nil {
		t.Fatal(err)
	}
	c.Run(context.Background())

	cp, err := st.LoadCheckpoint("camp")
	if err != nil {
		t.Fatal(err)
	}
	// Simulate a crash between recording evaluation 21 and checkpointing it.
	logStore, err := history.OpenStore(cp.LogBackend, cp.LogPath, true)
	if err != nil {
		t.Fatal(err)
	}
	rec := history.NewRecord(21, 1, 0.01, params.Baseline(), metrics.Breakdown{RMSE: 0.01})
	if err := logStore.Append(rec); err != nil {
		t.Fatal(err)
	}
	logStore.Close()

	second := &fakeSimulator{}
	resumed, err := Open(cfg, st, "camp", Options{Gateway: second})
	if err != nil {
		t.Fatal(err)
	}
	res, err := resumed.Run(context.Background())
	if err != nil {
		t.Fatalf("resumed Run failed: %v", err)
	}
	submitted := second.Submitted()
	if len(submitted) != 15 || submitted[0] != sim.ExperimentID(22) {
		t.Errorf("resumed session submitted %v", submitted)
	}
	if res.BestObjective != 0.01 {
		t.Errorf("best objective = %v, want the logged 0.01", res.BestObjective)
	}
}

func TestResumeRejectsTruncatedLog(t *testing.T) {
	cfg := testConfig(t, 36)
	st := testStore(t, cfg)

	c, err := New(cfg, st, Options{ID: "camp", Gateway: &fakeSimulator{failOn: sim.ExperimentID(5)}})
	if err != nil {
		t.Fatal(err)
	}
	c.Run(context.Background())

	cp, _ := st.LoadCheckpoint("camp")
	if err := os.Remove(cp.LogPath); err != nil {
		t.Fatal(err)
	}

	resumed, err := Open(cfg, st, "camp", Options{Gateway: &fakeSimulator{}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := resumed.Run(context.Background()); err == nil {
		t.Error("expected an error when the log is behind the checkpoint")
	}
}

func TestResumeConfigMismatch(t *testing.T) {
	cfg := testConfig(t, 36)
	st := testStore(t, cfg)

	c, err := New(cfg, st, Options{ID: "camp", Gateway: &fakeSimulator{failOn: sim.ExperimentID(3)}})
	if err != nil {
		t.Fatal(err)
	}
	c.Run(context.Background())

	changed := testConfig(t, 36)
	changed.DataDir = cfg.DataDir
	changed.Optimizer.Strategy = "rand1bin"

	if _, err := Open(changed, st, "camp", Options{}); !errors.Is(err, store.ErrIncompatible) {
		t.Fatalf("Open without confirmation = %v, want ErrIncompatible", err)
	}

	var asked *store.CompatibilityError
	declined := func(e *store.CompatibilityError) bool { asked = e; return false }
	if _, err := Open(changed, st, "camp", Options{Confirm: declined}); err == nil {
		t.Error("declined confirmation should abort")
	}
	if asked == nil || len(asked.Mismatches) != 1 || asked.Mismatches[0].Field != "strategy" {
		t.Errorf("confirmation saw %v", asked)
	}

	fake := &fakeSimulator{}
	accepted := func(*store.CompatibilityError) bool { return true }
	resumed, err := Open(changed, st, "camp", Options{Confirm: accepted, Gateway: fake})
	if err != nil {
		t.Fatalf("confirmed Open failed: %v", err)
	}
	if _, err := resumed.Run(context.Background()); err != nil {
		t.Fatalf("confirmed resume failed: %v", err)
	}
	if len(fake.Submitted()) != 34 {
		t.Errorf("resumed session ran %d evaluations, want 34", len(fake.Submitted()))
	}
}

func TestCancellationCheckpoints(t *testing.T) {
	cfg := testConfig(t, 36)
	st := testStore(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fake := &fakeSimulator{cancelOn: "eval_0005", cancel: cancel}

	c, err := New(cfg, st, Options{ID: "camp", Gateway: fake})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if len(fake.Submitted()) != 5 {
		t.Errorf("submitted %d, want 5", len(fake.Submitted()))
	}

	cp, err := st.LoadCheckpoint("camp")
	if err != nil {
		t.Fatal(err)
	}
	if cp.EvalCounter != 4 || cp.State != store.StateInterrupted {
		t.Errorf("checkpoint = counter %d, state %s", cp.EvalCounter, cp.State)
	}
	records, err := history.ReadRecords(cp.LogPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 4 {
		t.Errorf("log has %d rows, want 4", len(records))
	}
}

func TestLatestCampaignResumed(t *testing.T) {
	cfg := testConfig(t, 36)
	st := testStore(t, cfg)

	c, err := New(cfg, st, Options{Gateway: &fakeSimulator{failOn: sim.ExperimentID(2)}})
	if err != nil {
		t.Fatal(err)
	}
	c.Run(context.Background())

	resumed, err := Open(cfg, st, "", Options{Gateway: &fakeSimulator{}})
	if err != nil {
		t.Fatal(err)
	}
	if resumed.ID() != c.ID() {
		t.Errorf("resumed %s, want %s", resumed.ID(), c.ID())
	}

	saved, err := LoadConfig(st, c.ID())
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if saved.Budget() != 36 || saved.Optimizer.Seed == nil || *saved.Optimizer.Seed != 7 {
		t.Errorf("saved config = %+v", saved.Optimizer)
	}
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateNotStarted, StateRunning, true},
		{StateRunning, StateCompleted, true},
		{StateRunning, StateInterrupted, true},
		{StateInterrupted, StateRunning, true},
		{StateNotStarted, StateCompleted, false},
		{StateCompleted, StateRunning, false},
		{StateInterrupted, StateCompleted, false},
	}
	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.ok {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}
