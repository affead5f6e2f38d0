// Package history keeps the durable, append-only evaluation log of a
// calibration campaign.
package history

import (
	"fmt"
	"strings"
	"time"

	"github.com/cwbudde/crowdcalib/internal/metrics"
	"github.com/cwbudde/crowdcalib/internal/params"
	"github.com/cwbudde/crowdcalib/internal/sim"
)

// Record is one row of the evaluation log. Field order is the column order.
type Record struct {
	Iteration   int     `csv:"iteration" json:"iteration"`
	Generation  int     `csv:"generation" json:"generation"`
	Timestamp   string  `csv:"timestamp" json:"timestamp"`
	Objective   float64 `csv:"objective" json:"objective"`
	RMSE        float64 `csv:"rmse" json:"rmse"`
	P95         float64 `csv:"percentile_95" json:"percentile95"`
	TimeGrowth  float64 `csv:"time_growth" json:"timeGrowth"`
	DensityDiff float64 `csv:"density_diff" json:"densityDiff"`
	params.Set  `json:"parameters"`
}

// NewRecord builds a log row stamped with the current time.
func NewRecord(iteration, generation int, objective float64, p params.Set, b metrics.Breakdown) Record {
	return Record{
		Iteration:   iteration,
		Generation:  generation,
		Timestamp:   time.Now().Format(time.RFC3339Nano),
		Objective:   objective,
		RMSE:        b.RMSE,
		P95:         b.P95,
		TimeGrowth:  b.TimeGrowth,
		DensityDiff: b.DensityDiff,
		Set:         p,
	}
}

// ExperimentID returns the experiment identifier of the evaluation.
func (r Record) ExperimentID() string {
	return sim.ExperimentID(r.Iteration)
}

// Time parses the timestamp column. A malformed value yields the zero time.
func (r Record) Time() time.Time {
	t, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Columns returns the log header in column order.
func Columns() []string {
	cols := []string{
		"iteration", "generation", "timestamp", "objective",
		"rmse", "percentile_95", "time_growth", "density_diff",
	}
	return append(cols, params.Names()...)
}

// LogStore is a durable, append-only evaluation log.
type LogStore interface {
	// Append persists one record. It returns only once the record is durable;
	// on error nothing of the record remains in the log.
	Append(rec Record) error

	// Records returns every record in log order.
	Records() ([]Record, error)

	// Path returns the location of the log.
	Path() string

	Close() error
}

// Backend names accepted by OpenStore.
const (
	BackendCSV    = "csv"
	BackendSQLite = "sqlite"
)

// BackendForPath guesses the backend from a file extension.
func BackendForPath(path string) string {
	lower := strings.ToLower(path)
	for _, ext := range []string{".db", ".sqlite", ".sqlite3"} {
		if strings.HasSuffix(lower, ext) {
			return BackendSQLite
		}
	}
	return BackendCSV
}

// OpenStore opens the evaluation log at path. Without appendMode an
// existing log is truncated.
func OpenStore(backend, path string, appendMode bool) (LogStore, error) {
	switch backend {
	case BackendCSV, "":
		return OpenCSVStore(path, appendMode)
	case BackendSQLite:
		return OpenSQLiteStore(path, appendMode)
	default:
		return nil, fmt.Errorf("unknown history backend: %s", backend)
	}
}

// ReadRecords loads every record of the log at path without modifying it.
func ReadRecords(path string) ([]Record, error) {
	store, err := OpenStore(BackendForPath(path), path, true)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.Records()
}
