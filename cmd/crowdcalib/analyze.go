package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cwbudde/crowdcalib/internal/history"
	"github.com/cwbudde/crowdcalib/internal/params"
	"github.com/cwbudde/crowdcalib/internal/sim"
)

var (
	baselinePath string
	analyzeJSON  bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <history>",
	Short: "Summarize an evaluation log",
	Long: `Reads an evaluation log (CSV or SQLite) and prints the best evaluation,
objective statistics and the progress per generation. With --baseline the best
objective is compared against a baseline written by 'evaluate --save-baseline'.`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringVar(&baselinePath, "baseline", "", "Baseline objective file")
	analyzeCmd.Flags().BoolVar(&analyzeJSON, "json", false, "Print the summary as JSON")
	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	records, err := history.ReadRecords(args[0])
	if err != nil {
		return err
	}

	var baseline float64
	if baselinePath != "" {
		b, err := readBaseline(baselinePath)
		if err != nil {
			return err
		}
		baseline = b.Objective
	}

	out := cmd.OutOrStdout()
	summary, ok := history.Summarize(records, baseline)
	if !ok {
		fmt.Fprintln(out, "No evaluations recorded.")
		return nil
	}
	if analyzeJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}
	printSummary(out, summary)
	return nil
}

func printSummary(out io.Writer, s history.Summary) {
	fmt.Fprintf(out, "Evaluations:      %d\n", s.Evaluations)
	fmt.Fprintf(out, "Best objective:   %.4f (%s, generation %d)\n", s.Best.Objective, s.Best.ExperimentID(), s.Best.Generation)
	fmt.Fprintf(out, "Worst objective:  %.4f\n", s.WorstObjective)
	fmt.Fprintf(out, "Mean objective:   %.4f (std %.4f)\n", s.MeanObjective, s.StdObjective)
	if s.BaselineObjective > 0 {
		fmt.Fprintf(out, "Baseline:         %.4f\n", s.BaselineObjective)
		fmt.Fprintf(out, "Improvement:      %.4f (%.1f%%)\n", s.Improvement, s.ImprovementPercent)
	}

	fmt.Fprintln(out, "\nBest parameters:")
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	m := s.Best.Set.Map()
	for _, name := range params.Names() {
		fmt.Fprintf(tw, "  %s\t%.4f\n", name, m[name])
	}
	tw.Flush()

	fmt.Fprintln(out, "\nProgress per generation:")
	tw = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "GENERATION\tEVALUATIONS\tBEST\tMEAN\tBEST EVAL")
	for _, g := range s.Generations {
		fmt.Fprintf(tw, "%d\t%d\t%.4f\t%.4f\t%s\n",
			g.Generation, g.Evaluations, g.BestObjective, g.MeanObjective, sim.ExperimentID(g.BestIteration))
	}
	tw.Flush()
}
