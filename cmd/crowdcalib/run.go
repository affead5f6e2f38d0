package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/crowdcalib/internal/campaign"
	"github.com/cwbudde/crowdcalib/internal/config"
	"github.com/cwbudde/crowdcalib/internal/gateway"
	"github.com/cwbudde/crowdcalib/internal/params"
	"github.com/cwbudde/crowdcalib/internal/server"
	"github.com/cwbudde/crowdcalib/internal/store"
)

var (
	campaignID  string
	statusAddr  string
	assumeYes   bool
	algorithm   string
	seed        int64
	maxEvals    int
	popSize     int
	generations int
	strategy    string
	timeout     time.Duration
	transport   string
	simMode     string
	historyKind string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a new calibration campaign",
	Long: `Starts a new calibration campaign with the configured optimizer. The
campaign runs until the evaluation budget is consumed, the search converges or
an evaluation fails. Interrupt with Ctrl+C; the last completed evaluation is
checkpointed and the campaign can be continued with 'crowdcalib resume'.`,
	Args: cobra.NoArgs,
	RunE: runCampaign,
}

func init() {
	addOverrideFlags(runCmd)
	runCmd.Flags().StringVar(&campaignID, "id", "", "Campaign ID (generated when empty)")
	rootCmd.AddCommand(runCmd)
}

// addOverrideFlags registers the flags shared by run and resume.
func addOverrideFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "Serve campaign status over HTTP on this address (e.g. :8080)")
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Skip confirmation prompts")
	cmd.Flags().StringVar(&algorithm, "algorithm", "", "Search algorithm: de, cmaes, mayfly")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Random seed (generated when not set)")
	cmd.Flags().IntVar(&maxEvals, "max-evals", 0, "Hard evaluation budget (default popsize x 18 x generations)")
	cmd.Flags().IntVar(&popSize, "popsize", 0, "Population multiplier: individuals per generation = popsize x 18")
	cmd.Flags().IntVar(&generations, "generations", 0, "Number of generations")
	cmd.Flags().StringVar(&strategy, "strategy", "", "DE strategy (best1bin, best2bin, rand1bin, rand2bin, ...)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Timeout per simulation")
	cmd.Flags().StringVar(&transport, "transport", "", "Simulator transport: file or grpc")
	cmd.Flags().StringVar(&simMode, "mode", "", "File transport mode: launch or trigger")
	cmd.Flags().StringVar(&historyKind, "history-backend", "", "Evaluation log backend: csv or sqlite")
}

// applyOverrides copies changed flags into cfg and validates the result.
func applyOverrides(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	applyDataDir(cmd, cfg)
	if f.Changed("algorithm") {
		cfg.Optimizer.Algorithm = algorithm
	}
	if f.Changed("seed") {
		s := seed
		cfg.Optimizer.Seed = &s
	}
	if f.Changed("max-evals") {
		cfg.Optimizer.MaxEvaluations = maxEvals
	}
	if f.Changed("popsize") {
		cfg.Optimizer.PopSize = popSize
	}
	if f.Changed("generations") {
		cfg.Optimizer.Generations = generations
	}
	if f.Changed("strategy") {
		cfg.Optimizer.Strategy = strategy
	}
	if f.Changed("timeout") {
		cfg.Simulator.Timeout.Duration = timeout
	}
	if f.Changed("transport") {
		cfg.Simulator.Transport = transport
	}
	if f.Changed("mode") {
		cfg.Simulator.Mode = gateway.Mode(simMode)
	}
	if f.Changed("history-backend") {
		cfg.History.Backend = historyKind
	}
	if f.Changed("status-addr") {
		cfg.Server.Addr = statusAddr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func runCampaign(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := applyOverrides(cmd, cfg); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printPlan(out, cfg)
	if !assumeYes && !confirm(cmd.InOrStdin(), out, "Continue?") {
		fmt.Fprintln(out, "Cancelled.")
		return nil
	}

	st, err := store.NewFSStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	return execute(cmd, cfg, st, func(opts campaign.Options) (*campaign.Campaign, error) {
		opts.ID = campaignID
		return campaign.New(cfg, st, opts)
	})
}

func printPlan(out io.Writer, cfg *config.Config) {
	o := cfg.Optimizer
	fmt.Fprintf(out, "Algorithm:        %s\n", o.Algorithm)
	fmt.Fprintf(out, "Evaluations:      %d\n", cfg.Budget())
	fmt.Fprintf(out, "Population:       %d individuals/generation\n", o.PopulationSize(params.Dim))
	if o.Seed != nil {
		fmt.Fprintf(out, "Seed:             %d\n", *o.Seed)
	} else {
		fmt.Fprintf(out, "Seed:             random\n")
	}
	fmt.Fprintf(out, "Simulator:        %s (%s), timeout %s\n", cfg.Simulator.Transport, cfg.Simulator.Mode, cfg.Simulator.Timeout)
	fmt.Fprintf(out, "History backend:  %s\n", cfg.History.Backend)
	fmt.Fprintf(out, "Data directory:   %s\n\n", cfg.DataDir)
}

// execute builds the campaign with open, runs it with signal handling and
// the optional status server, and prints the outcome.
func execute(cmd *cobra.Command, cfg *config.Config, st *store.FSStore, open func(campaign.Options) (*campaign.Campaign, error)) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts campaign.Options
	var srv *server.Server
	if cfg.Server.Addr != "" {
		srv = server.NewServer(cfg.Server.Addr, st)
		opts.Progress = srv.Publish
		go func() {
			if err := srv.Start(); err != nil {
				slog.Error("Status server stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}
	opts.Confirm = func(mismatch *store.CompatibilityError) bool {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "The requested configuration differs from the checkpoint:")
		for _, m := range mismatch.Mismatches {
			fmt.Fprintf(out, "  - %s\n", m)
		}
		return assumeYes || confirm(cmd.InOrStdin(), out, "Resume anyway?")
	}

	c, err := open(opts)
	if err != nil {
		return err
	}

	res, err := c.Run(ctx)
	out := cmd.OutOrStdout()
	if err != nil {
		if res != nil {
			fmt.Fprintf(out, "\nCampaign %s interrupted after %d of %d evaluations.\n", c.ID(), res.Evaluations, res.TargetBudget)
			fmt.Fprintf(out, "Resume with: crowdcalib resume %s\n", c.ID())
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	fmt.Fprintf(out, "\nCampaign %s completed: %s\n", c.ID(), res.Message)
	fmt.Fprintf(out, "Evaluations:      %d (%d this session)\n", res.Evaluations, res.SessionEvaluations)
	fmt.Fprintf(out, "Best objective:   %.4f (%s)\n", res.BestObjective, res.BestExperimentID)
	fmt.Fprintf(out, "Seed:             %d\n", res.Seed)
	fmt.Fprintf(out, "Results:          %s\n", c.Dir())
	return nil
}
