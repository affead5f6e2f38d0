package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/sourcegraph/conc/iter"
	"github.com/spf13/cobra"

	"github.com/cwbudde/crowdcalib/internal/metrics"
	"github.com/cwbudde/crowdcalib/internal/sim"
)

var (
	resultFile   string
	compareMode  bool
	verbose      bool
	saveBaseline string
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate [result.json...]",
	Short: "Score simulation results with the objective function",
	Long: `Scores a simulation result file and prints the metric breakdown. With
--compare every given file is scored and the results are ranked, best first.

Examples:
  crowdcalib evaluate
  crowdcalib evaluate --file data/archive/eval_0012_result.json --verbose
  crowdcalib evaluate --compare a.json b.json c.json`,
	RunE: runEvaluate,
}

func init() {
	evaluateCmd.Flags().StringVarP(&resultFile, "file", "f", "", "Result file (default: simulator.result_path)")
	evaluateCmd.Flags().BoolVarP(&compareMode, "compare", "c", false, "Compare the result files given as arguments")
	evaluateCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show the agents with the largest error growth")
	evaluateCmd.Flags().StringVar(&saveBaseline, "save-baseline", "", "Write the objective to this baseline file for 'analyze'")
	rootCmd.AddCommand(evaluateCmd)
}

// scoredResult is one scored result file.
type scoredResult struct {
	Path      string
	Result    *sim.Result
	Breakdown metrics.Breakdown
	Err       error
}

// Baseline is the file written by --save-baseline and read by analyze.
type Baseline struct {
	Objective    float64   `json:"objective"`
	ExperimentID string    `json:"experimentId,omitempty"`
	Source       string    `json:"source"`
	Timestamp    time.Time `json:"timestamp"`
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	scorer, err := cfg.Scorer()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if compareMode {
		if len(args) < 2 {
			return fmt.Errorf("--compare needs at least two result files")
		}
		return printComparison(out, scoreFiles(scorer, args))
	}
	if len(args) > 0 {
		return fmt.Errorf("unexpected arguments; use --file or --compare")
	}

	path := resultFile
	if path == "" {
		path = cfg.Simulator.ResultPath
	}
	s := scoreFile(scorer, path)
	if s.Err != nil {
		return s.Err
	}
	printEvaluation(out, scorer.Weights(), s, verbose)

	if saveBaseline != "" {
		b := Baseline{
			Objective:    s.Breakdown.Objective,
			ExperimentID: s.Result.ExperimentID,
			Source:       path,
			Timestamp:    time.Now(),
		}
		if err := writeBaseline(saveBaseline, b); err != nil {
			return err
		}
		fmt.Fprintf(out, "Baseline objective saved to %s\n", saveBaseline)
	}
	return nil
}

func scoreFile(scorer *metrics.Scorer, path string) scoredResult {
	s := scoredResult{Path: path}
	s.Result, s.Err = sim.LoadResult(path)
	if s.Err != nil {
		return s
	}
	_, s.Breakdown, s.Err = scorer.Evaluate(s.Result)
	return s
}

// scoreFiles loads and scores files concurrently, keeping their order.
func scoreFiles(scorer *metrics.Scorer, paths []string) []scoredResult {
	return iter.Map(paths, func(path *string) scoredResult {
		return scoreFile(scorer, *path)
	})
}

func printEvaluation(out io.Writer, w metrics.Weights, s scoredResult, verbose bool) {
	r, b := s.Result, s.Breakdown
	fmt.Fprintf(out, "Experiment ID:    %s\n", r.ExperimentID)
	fmt.Fprintf(out, "Execution time:   %.2f s\n", r.ExecutionTimeSeconds)
	fmt.Fprintf(out, "Agents:           %d (%d completed)\n\n", r.TotalAgents, r.CompletedAgents)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "METRIC\tWEIGHT\tVALUE\tWEIGHTED")
	fmt.Fprintf(tw, "RMSE\t%.0f%%\t%.4f\t%.4f\n", w.RMSE*100, b.RMSE, b.WeightedRMSE)
	fmt.Fprintf(tw, "Percentile95\t%.0f%%\t%.4f\t%.4f\n", w.P95*100, b.P95, b.WeightedP95)
	fmt.Fprintf(tw, "TimeGrowth\t%.0f%%\t%.4f\t%.4f\n", w.TimeGrowth*100, b.TimeGrowth, b.WeightedTimeGrowth)
	fmt.Fprintf(tw, "DensityDiff\t%.0f%%\t%.4f\t%.4f\n", w.DensityDiff*100, b.DensityDiff, b.WeightedDensityDiff)
	tw.Flush()
	fmt.Fprintf(out, "\nObjective:        %.4f (lower is better)\n", b.Objective)

	if !verbose {
		return
	}
	fmt.Fprintf(out, "\nQuartile growth (reporting only): %.4f\n", metrics.QuartileGrowth(r.AgentErrors))
	top := metrics.TopGrowthAgents(r.AgentErrors, 10)
	if len(top) == 0 {
		return
	}
	fmt.Fprintln(out, "\nTop error-growth agents:")
	tw = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tEARLY MEAN\tLATE MEAN\tGROWTH")
	for _, g := range top {
		fmt.Fprintf(tw, "%d\t%.4f\t%.4f\t%+.1f%%\n", g.AgentID, g.EarlyMean, g.LateMean, g.Growth*100)
	}
	tw.Flush()
}

func printComparison(out io.Writer, scored []scoredResult) error {
	var ok []scoredResult
	for _, s := range scored {
		if s.Err != nil {
			fmt.Fprintf(out, "Skipping %s: %v\n", s.Path, s.Err)
			continue
		}
		ok = append(ok, s)
	}
	if len(ok) == 0 {
		return fmt.Errorf("no valid results to compare")
	}
	sort.SliceStable(ok, func(i, j int) bool {
		return ok[i].Breakdown.Objective < ok[j].Breakdown.Objective
	})

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tEXPERIMENT\tOBJECTIVE\tRMSE\tP95\tGROWTH\tDENSITY\tFILE")
	for i, s := range ok {
		rank := fmt.Sprintf("%d", i+1)
		if i == 0 {
			rank = "best"
		}
		b := s.Breakdown
		fmt.Fprintf(tw, "%s\t%s\t%.4f\t%.4f\t%.4f\t%.4f\t%.4f\t%s\n",
			rank, s.Result.ExperimentID, b.Objective, b.RMSE, b.P95, b.TimeGrowth, b.DensityDiff, filepath.Base(s.Path))
	}
	tw.Flush()

	best, worst := ok[0].Breakdown.Objective, ok[len(ok)-1].Breakdown.Objective
	fmt.Fprintf(out, "\nBest objective:   %.4f (%s)\n", best, filepath.Base(ok[0].Path))
	fmt.Fprintf(out, "Worst objective:  %.4f (%s)\n", worst, filepath.Base(ok[len(ok)-1].Path))
	if worst > 0 {
		fmt.Fprintf(out, "Spread:           %.4f (%.1f%%)\n", worst-best, (worst-best)/worst*100)
	}
	return nil
}

func writeBaseline(path string, b Baseline) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize baseline: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create baseline directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write baseline: %w", err)
	}
	return nil
}

func readBaseline(path string) (Baseline, error) {
	var b Baseline
	data, err := os.ReadFile(path)
	if err != nil {
		return b, fmt.Errorf("failed to read baseline: %w", err)
	}
	if err := json.Unmarshal(data, &b); err != nil {
		return b, fmt.Errorf("failed to parse baseline %s: %w", path, err)
	}
	return b, nil
}
