package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cwbudde/crowdcalib/internal/config"
	"github.com/cwbudde/crowdcalib/internal/store"
)

var (
	logLevel   string
	configPath string
	dataDir    string
	logger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "crowdcalib",
	Short: "Calibrate crowd simulation parameters against observed trajectories",
	Long: `crowdcalib searches the 18 parameters of a crowd simulation model for the
values that best reproduce observed pedestrian trajectories. Every evaluation
runs the external simulator, is scored and logged, and the campaign is
checkpointed so it can be resumed after a crash or interruption.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var level slog.Level
		switch logLevel {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			level = slog.LevelInfo
		}

		opts := &slog.HandlerOptions{Level: level}
		handler := slog.NewJSONHandler(os.Stdout, opts)
		logger = slog.New(handler)
		slog.SetDefault(logger)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Campaign configuration file (YAML); embedded defaults when empty")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Base directory for campaigns (overrides data_dir)")
}

// loadConfig loads --config and applies the global overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	applyDataDir(cmd, cfg)
	return cfg, nil
}

func applyDataDir(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir = dataDir
	}
}

// openStore opens the campaign store under the data directory.
func openStore(cmd *cobra.Command) (*store.FSStore, error) {
	dir := dataDir
	if !cmd.Flags().Changed("data-dir") {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		dir = cfg.DataDir
	}
	st, err := store.NewFSStore(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
	}
	return st, nil
}

// confirm asks a yes/no question on in. Anything but y or yes is a no.
func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}
