package history

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/cwbudde/crowdcalib/internal/metrics"
	"github.com/cwbudde/crowdcalib/internal/params"
	"github.com/cwbudde/crowdcalib/internal/sim"
)

// Archive file name suffixes, as written by the simulation gateway.
const (
	ResultSuffix     = "_result.json"
	ParametersSuffix = "_parameters.json"
)

// RebuildOptions controls Rebuild.
type RebuildOptions struct {
	// PopulationSize is used to derive the generation of each evaluation.
	PopulationSize int
	// Workers bounds concurrent scoring; 0 means GOMAXPROCS.
	Workers int
}

// Rebuild recreates an evaluation log from archived eval_NNNN_result.json
// files, scoring each result again with scorer. Parameters come from the
// result document when present, otherwise from the matching
// eval_NNNN_parameters.json file.
func Rebuild(resultsDir string, scorer *metrics.Scorer, store LogStore, opts RebuildOptions) (int, error) {
	if opts.PopulationSize <= 0 {
		return 0, fmt.Errorf("population size must be positive")
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	matches, err := filepath.Glob(filepath.Join(resultsDir, "eval_*"+ResultSuffix))
	if err != nil {
		return 0, fmt.Errorf("failed to list results: %w", err)
	}
	if len(matches) == 0 {
		return 0, fmt.Errorf("no eval_*%s files in %s", ResultSuffix, resultsDir)
	}

	type entry struct {
		iteration int
		path      string
		record    Record
	}
	entries := make([]entry, 0, len(matches))
	for _, path := range matches {
		id := strings.TrimSuffix(filepath.Base(path), ResultSuffix)
		n, ok := sim.ParseExperimentID(id)
		if !ok {
			slog.Warn("Skipping result with unexpected name", "path", path)
			continue
		}
		entries = append(entries, entry{iteration: n, path: path})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].iteration < entries[j].iteration })

	p := pool.New().WithErrors().WithMaxGoroutines(workers)
	for i := range entries {
		e := &entries[i]
		p.Go(func() error {
			rec, err := rebuildRecord(e.path, e.iteration, scorer, opts.PopulationSize)
			if err != nil {
				return err
			}
			e.record = rec
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return 0, err
	}

	for i, e := range entries {
		if err := store.Append(e.record); err != nil {
			return i, err
		}
	}
	slog.Info("Rebuilt evaluation log", "path", store.Path(), "rows", len(entries))
	return len(entries), nil
}

func rebuildRecord(path string, iteration int, scorer *metrics.Scorer, popSize int) (Record, error) {
	result, err := sim.LoadResult(path)
	if err != nil {
		return Record{}, err
	}
	objective, breakdown, err := scorer.Evaluate(result)
	if err != nil {
		return Record{}, fmt.Errorf("failed to score %s: %w", path, err)
	}

	var set params.Set
	if len(result.Parameters) > 0 {
		set, err = params.FromMap(result.Parameters)
	} else {
		paramPath := strings.TrimSuffix(path, ResultSuffix) + ParametersSuffix
		set, err = params.LoadParameters(paramPath)
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to recover parameters of %s: %w", sim.ExperimentID(iteration), err)
	}

	rec := NewRecord(iteration, (iteration-1)/popSize+1, objective, set, breakdown)
	if info, err := os.Stat(path); err == nil {
		rec.Timestamp = info.ModTime().Format(time.RFC3339Nano)
	}
	return rec, nil
}
