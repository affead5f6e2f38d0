package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/crowdcalib/internal/campaign"
	"github.com/cwbudde/crowdcalib/internal/history"
	"github.com/cwbudde/crowdcalib/internal/opt"
	"github.com/cwbudde/crowdcalib/internal/store"
)

var (
	keepLast      int
	olderThanDays int
	forceClean    bool
	onlyCompleted bool

	fromLog      string
	createID     string
	createSeed   int64
	createBudget int
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Manage campaign checkpoints",
	Long: `Manage campaign checkpoints: list them, clean old ones, or rebuild a
checkpoint from an evaluation log when the original was lost.`,
}

var listCheckpointsCmd = &cobra.Command{
	Use:   "list",
	Short: "List all available checkpoints",
	Long:  `Display all checkpoints with campaign ID, state, progress, best objective and size on disk.`,
	Args:  cobra.NoArgs,
	RunE:  runListCheckpoints,
}

var cleanCheckpointsCmd = &cobra.Command{
	Use:   "clean",
	Short: "Clean old checkpoints",
	Long: `Delete old campaigns based on a retention policy: keep the N most recent,
delete those older than N days, or delete only completed ones.`,
	Args: cobra.NoArgs,
	RunE: runCleanCheckpoints,
}

var createCheckpointCmd = &cobra.Command{
	Use:   "create",
	Short: "Rebuild a checkpoint from an evaluation log",
	Long: `Creates a resumable checkpoint from an existing evaluation log. The
evaluation counter continues after the last logged iteration and the best
logged parameters seed the resumed search. The random stream of the lost
campaign cannot be recovered, so a new seed is used.`,
	Args: cobra.NoArgs,
	RunE: runCreateCheckpoint,
}

func init() {
	rootCmd.AddCommand(checkpointsCmd)

	checkpointsCmd.AddCommand(listCheckpointsCmd)
	checkpointsCmd.AddCommand(cleanCheckpointsCmd)
	checkpointsCmd.AddCommand(createCheckpointCmd)

	cleanCheckpointsCmd.Flags().IntVar(&keepLast, "keep-last", 0, "Keep only the last N checkpoints (0 = keep all)")
	cleanCheckpointsCmd.Flags().IntVar(&olderThanDays, "older-than", 0, "Delete checkpoints older than N days (0 = no age limit)")
	cleanCheckpointsCmd.Flags().BoolVar(&onlyCompleted, "completed", false, "Delete completed campaigns")
	cleanCheckpointsCmd.Flags().BoolVarP(&forceClean, "force", "f", false, "Skip confirmation prompt")

	createCheckpointCmd.Flags().StringVar(&fromLog, "log", "", "Evaluation log to rebuild from (required)")
	createCheckpointCmd.Flags().StringVar(&createID, "id", "", "Campaign ID (generated when empty)")
	createCheckpointCmd.Flags().Int64Var(&createSeed, "seed", 0, "Seed for the resumed search (generated when not set)")
	createCheckpointCmd.Flags().IntVar(&createBudget, "max-evals", 0, "Total evaluation budget (default from config)")
	createCheckpointCmd.MarkFlagRequired("log")
}

func runListCheckpoints(cmd *cobra.Command, args []string) error {
	st, err := openStore(cmd)
	if err != nil {
		return err
	}

	infos, err := st.ListCheckpoints()
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintln(out, "No checkpoints found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CAMPAIGN\tSTATE\tTIMESTAMP\tPROGRESS\tBEST\tSIZE")
	fmt.Fprintln(w, "--------\t-----\t---------\t--------\t----\t----")

	for _, info := range infos {
		size, err := getDirSize(st.CampaignDir(info.CampaignID))
		sizeStr := "unknown"
		if err == nil {
			sizeStr = formatBytes(size)
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			info.CampaignID,
			info.State,
			info.Timestamp.Format("2006-01-02 15:04:05"),
			info.EvalCounter,
			info.TargetBudget,
			formatObjective(info.BestObjective),
			sizeStr,
		)
	}

	w.Flush()

	fmt.Fprintf(out, "\nTotal checkpoints: %d\n", len(infos))
	return nil
}

func runCleanCheckpoints(cmd *cobra.Command, args []string) error {
	if keepLast == 0 && olderThanDays == 0 && !onlyCompleted {
		return fmt.Errorf("must specify --keep-last, --older-than or --completed")
	}

	st, err := openStore(cmd)
	if err != nil {
		return err
	}

	infos, err := st.ListCheckpoints()
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintln(out, "No checkpoints to clean.")
		return nil
	}

	toDelete := selectCheckpointsForDeletion(infos, keepLast, olderThanDays, onlyCompleted)
	if len(toDelete) == 0 {
		fmt.Fprintln(out, "No checkpoints match deletion criteria.")
		return nil
	}

	fmt.Fprintf(out, "Found %d checkpoint(s) to delete:\n", len(toDelete))
	for _, info := range toDelete {
		fmt.Fprintf(out, "  - %s (%s, %d/%d evaluations, %s)\n",
			info.CampaignID,
			info.State,
			info.EvalCounter,
			info.TargetBudget,
			info.Timestamp.Format("2006-01-02 15:04:05"),
		)
	}

	if !forceClean && !confirm(cmd.InOrStdin(), out, "\nProceed with deletion?") {
		fmt.Fprintln(out, "Aborted.")
		return nil
	}

	deleted := 0
	failed := 0
	for _, info := range toDelete {
		if err := st.DeleteCheckpoint(info.CampaignID); err != nil {
			slog.Error("Failed to delete checkpoint", "campaign_id", info.CampaignID, "error", err)
			failed++
			continue
		}
		slog.Info("Deleted checkpoint", "campaign_id", info.CampaignID)
		deleted++
	}

	fmt.Fprintf(out, "\nDeleted %d checkpoint(s), %d failed.\n", deleted, failed)
	return nil
}

// selectCheckpointsForDeletion applies the retention policy. A checkpoint
// matching several criteria is listed once.
func selectCheckpointsForDeletion(infos []store.CheckpointInfo, keepLast int, olderThanDays int, completed bool) []store.CheckpointInfo {
	var toDelete []store.CheckpointInfo
	selected := make(map[string]bool)
	add := func(info store.CheckpointInfo) {
		if !selected[info.CampaignID] {
			selected[info.CampaignID] = true
			toDelete = append(toDelete, info)
		}
	}

	if olderThanDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -olderThanDays)
		for _, info := range infos {
			if info.Timestamp.Before(cutoff) {
				add(info)
			}
		}
	}

	if completed {
		for _, info := range infos {
			if info.State == store.StateCompleted {
				add(info)
			}
		}
	}

	if keepLast > 0 && len(infos) > keepLast {
		sorted := make([]store.CheckpointInfo, len(infos))
		copy(sorted, infos)
		sort.Slice(sorted, func(i, j int) bool {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		})
		for _, info := range sorted[:len(sorted)-keepLast] {
			add(info)
		}
	}

	return toDelete
}

func runCreateCheckpoint(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("max-evals") {
		cfg.Optimizer.MaxEvaluations = createBudget
	}

	logPath, err := filepath.Abs(fromLog)
	if err != nil {
		return err
	}
	records, err := history.ReadRecords(logPath)
	if err != nil {
		return fmt.Errorf("failed to read evaluation log: %w", err)
	}

	st, err := store.NewFSStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}
	id := createID
	if id == "" {
		id = campaign.NewID(cfg.Optimizer.Algorithm)
	}
	if _, err := st.LoadCheckpoint(id); err == nil {
		return fmt.Errorf("campaign %s already has a checkpoint", id)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	seed := createSeed
	if !cmd.Flags().Changed("seed") {
		seed = opt.NewSeed()
	}
	// The resumed search continues with the rebuilt seed.
	cfg.Optimizer.Seed = &seed

	cp, err := store.FromHistory(records, store.FromHistoryOptions{
		CampaignID: id,
		LogPath:    logPath,
		LogBackend: history.BackendForPath(logPath),
		Optimizer:  cfg.Optimizer,
		Budget:     cfg.Budget(),
		Seed:       seed,
	})
	if err != nil {
		return err
	}
	if err := st.SaveCheckpoint(id, cp); err != nil {
		return err
	}
	if err := cfg.WriteYAML(filepath.Join(st.CampaignDir(id), campaign.ConfigFile)); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created checkpoint %s from %d logged evaluations\n", id, len(records))
	fmt.Fprintf(out, "  Counter:        %d of %d (%d remaining)\n", cp.EvalCounter, cp.TargetBudget, cp.Remaining())
	fmt.Fprintf(out, "  Best objective: %s\n", formatObjective(cp.BestObjective))
	fmt.Fprintf(out, "  Seed:           %d\n", seed)
	if cp.Resumable() {
		fmt.Fprintf(out, "Resume with: crowdcalib resume %s\n", id)
	}
	return nil
}

// getDirSize calculates the total size of a directory
func getDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}

// formatBytes formats bytes as human-readable string
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
