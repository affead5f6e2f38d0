package history

import (
	"fmt"
	"log/slog"
	"sync"
)

// Tracker is the sole writer of an evaluation log. It keeps the best record
// so far, including rows appended by earlier sessions.
type Tracker struct {
	mu    sync.Mutex
	store LogStore

	best    Record
	hasBest bool
	last    int
	count   int
}

// NewTracker wraps store. In append mode the existing rows are loaded so
// BestSoFar and LastIteration cover prior sessions.
func NewTracker(store LogStore, appendMode bool) (*Tracker, error) {
	t := &Tracker{store: store}
	if !appendMode {
		return t, nil
	}

	records, err := store.Records()
	if err != nil {
		return nil, fmt.Errorf("failed to load existing evaluations: %w", err)
	}
	for _, rec := range records {
		t.observe(rec)
	}
	if len(records) > 0 {
		slog.Info("Continuing evaluation log",
			"path", store.Path(),
			"rows", len(records),
			"last_iteration", t.last,
			"best_objective", t.best.Objective)
	}
	return t, nil
}

// observe folds rec into the in-memory summary. Ties keep the earliest
// iteration.
func (t *Tracker) observe(rec Record) {
	if !t.hasBest || rec.Objective < t.best.Objective ||
		(rec.Objective == t.best.Objective && rec.Iteration < t.best.Iteration) {
		t.best = rec
		t.hasBest = true
	}
	if rec.Iteration > t.last {
		t.last = rec.Iteration
	}
	t.count++
}

// Record appends rec durably. Iterations must be strictly increasing so
// prior rows are never renumbered.
func (t *Tracker) Record(rec Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec.Iteration <= t.last {
		return fmt.Errorf("iteration %d does not continue log at iteration %d", rec.Iteration, t.last)
	}
	if err := t.store.Append(rec); err != nil {
		return err
	}
	t.observe(rec)
	return nil
}

// BestSoFar returns the record with the lowest objective.
func (t *Tracker) BestSoFar() (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.best, t.hasBest
}

// LastIteration returns the highest recorded iteration, 0 when empty.
func (t *Tracker) LastIteration() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Len returns the number of records in the log.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Path returns the log location.
func (t *Tracker) Path() string { return t.store.Path() }

// Records reads the full log back from the store.
func (t *Tracker) Records() ([]Record, error) {
	return t.store.Records()
}

// Close closes the underlying store.
func (t *Tracker) Close() error {
	return t.store.Close()
}
