package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cwbudde/crowdcalib/internal/history"
	"github.com/cwbudde/crowdcalib/internal/params"
)

var (
	resultsDir     string
	rebuildOutput  string
	rebuildBackend string
	rebuildWorkers int
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild-history",
	Short: "Recreate an evaluation log from archived results",
	Long: `Scores every archived eval_NNNN_result.json again and writes a fresh
evaluation log, ordered by iteration. Use it when a log was lost or when the
objective weights changed. Pair it with 'checkpoints create' to resume.`,
	Args: cobra.NoArgs,
	RunE: runRebuild,
}

func init() {
	rebuildCmd.Flags().StringVar(&resultsDir, "results-dir", "", "Directory with archived results (default: simulator.archive_dir)")
	rebuildCmd.Flags().StringVarP(&rebuildOutput, "output", "o", "", "Output log path (required)")
	rebuildCmd.Flags().StringVar(&rebuildBackend, "backend", "", "Log backend: csv or sqlite (default: from output extension)")
	rebuildCmd.Flags().IntVar(&rebuildWorkers, "workers", 0, "Concurrent scoring workers (0 = GOMAXPROCS)")
	rebuildCmd.MarkFlagRequired("output")
	rootCmd.AddCommand(rebuildCmd)
}

func runRebuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	scorer, err := cfg.Scorer()
	if err != nil {
		return err
	}

	dir := resultsDir
	if dir == "" {
		dir = cfg.Simulator.ArchiveDir
	}
	if dir == "" {
		return fmt.Errorf("no results directory: set --results-dir or simulator.archive_dir")
	}

	if _, err := os.Stat(rebuildOutput); err == nil {
		return fmt.Errorf("output %s already exists", rebuildOutput)
	}
	backend := rebuildBackend
	if backend == "" {
		backend = history.BackendForPath(rebuildOutput)
	}
	if err := os.MkdirAll(filepath.Dir(rebuildOutput), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	log, err := history.OpenStore(backend, rebuildOutput, false)
	if err != nil {
		return err
	}
	n, err := history.Rebuild(dir, scorer, log, history.RebuildOptions{
		PopulationSize: cfg.Optimizer.PopulationSize(params.Dim),
		Workers:        rebuildWorkers,
	})
	if cerr := log.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to rebuild history: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Rebuilt %d evaluations into %s (%s)\n", n, rebuildOutput, backend)
	return nil
}
