package main

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cwbudde/crowdcalib/internal/params"
	"github.com/cwbudde/crowdcalib/internal/sim"
)

var (
	paramsOutput   string
	paramsInput    string
	clampParams    bool
	noClamp        bool
	exportExpID    string
	exportExpIndex int
	exportTarget   string
)

var paramsCmd = &cobra.Command{
	Use:   "params",
	Short: "Inspect and convert parameter files",
}

var paramsBaselineCmd = &cobra.Command{
	Use:   "baseline",
	Short: "Print or write the baseline parameters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		base := params.Baseline()
		if paramsOutput != "" {
			if err := params.WriteBest(paramsOutput, "baseline", base); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Baseline parameters written to %s\n", paramsOutput)
			return nil
		}
		printParams(cmd, base)
		return nil
	},
}

var paramsValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check a parameter file against the configured bounds",
	Args:  cobra.ExactArgs(1),
	RunE:  runParamsValidate,
}

var paramsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a parameter file in the simulator interchange format",
	Long: `Reads any parameter file (for example best_parameters.json), checks it
against the configured bounds and writes it as a simulator interchange file
with a fresh experiment ID and timestamp.`,
	Args: cobra.NoArgs,
	RunE: runParamsExport,
}

func init() {
	paramsBaselineCmd.Flags().StringVarP(&paramsOutput, "output", "o", "", "Write the baseline to this file")
	paramsValidateCmd.Flags().BoolVar(&clampParams, "clamp", false, "Show the clamped values for out-of-range entries")

	paramsExportCmd.Flags().StringVarP(&paramsInput, "input", "i", "", "Parameter file to export (required)")
	paramsExportCmd.Flags().StringVarP(&exportTarget, "output", "o", "", "Interchange file to write (default: simulator.input_dir/<id>_parameters.json)")
	paramsExportCmd.Flags().StringVar(&exportExpID, "experiment-id", "", "Experiment ID to stamp")
	paramsExportCmd.Flags().IntVar(&exportExpIndex, "iteration", 0, "Stamp the experiment ID of this iteration (eval_NNNN)")
	paramsExportCmd.Flags().BoolVar(&noClamp, "no-clamp", false, "Fail on out-of-range values instead of clamping")
	paramsExportCmd.MarkFlagRequired("input")

	paramsCmd.AddCommand(paramsBaselineCmd)
	paramsCmd.AddCommand(paramsValidateCmd)
	paramsCmd.AddCommand(paramsExportCmd)
	rootCmd.AddCommand(paramsCmd)
}

func runParamsValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	space, err := cfg.Space()
	if err != nil {
		return err
	}
	set, err := params.LoadParameters(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	verr := space.Validate(set.Vector())
	if verr == nil {
		fmt.Fprintf(out, "%s: all %d parameters within bounds\n", args[0], params.Dim)
		return nil
	}
	if !clampParams {
		return verr
	}
	_, adjusted := space.Clamp(set.Vector())
	fmt.Fprintf(out, "%s: %d parameter(s) would be clamped\n", args[0], len(adjusted))
	for _, a := range adjusted {
		fmt.Fprintf(out, "  %s: %.4f -> %.4f\n", a.Name, a.From, a.To)
	}
	return nil
}

func runParamsExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	space, err := cfg.Space()
	if err != nil {
		return err
	}
	set, err := params.LoadParameters(paramsInput)
	if err != nil {
		return err
	}
	v, err := space.Prepare(set.Vector(), !noClamp)
	if err != nil {
		return err
	}
	prepared, err := params.FromVector(v)
	if err != nil {
		return err
	}

	id := exportExpID
	switch {
	case id != "":
	case exportExpIndex > 0:
		id = sim.ExperimentID(exportExpIndex)
	default:
		id = "manual"
	}
	target := exportTarget
	if target == "" {
		target = filepath.Join(cfg.Simulator.InputDir, id+"_parameters.json")
	}
	if err := params.WriteInterchange(target, params.NewInterchange(id, prepared)); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Exported %s as %s to %s\n", paramsInput, id, target)
	return nil
}

func printParams(cmd *cobra.Command, s params.Set) {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	m := s.Map()
	for _, name := range params.Names() {
		fmt.Fprintf(tw, "%s\t%.4f\n", name, m[name])
	}
	tw.Flush()
}
