package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cwbudde/crowdcalib/internal/campaign"
	"github.com/cwbudde/crowdcalib/internal/config"
)

var resumeCmd = &cobra.Command{
	Use:   "resume [campaign-id]",
	Short: "Resume an interrupted campaign from its checkpoint",
	Long: `Resumes a campaign from its last checkpoint, continuing the evaluation
numbering and appending to the same evaluation log. Without an ID the most
recently checkpointed campaign is resumed.

The configuration saved with the campaign is used unless --config is given.
Settings that differ from the checkpoint are listed and need confirmation.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResume,
}

func init() {
	addOverrideFlags(resumeCmd)
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	st, err := openStore(cmd)
	if err != nil {
		return err
	}

	id := ""
	if len(args) == 1 {
		id = args[0]
	} else {
		cp, err := st.LatestCheckpoint()
		if err != nil {
			return fmt.Errorf("no campaign to resume: %w", err)
		}
		id = cp.CampaignID
	}

	var cfg *config.Config
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = campaign.LoadConfig(st, id)
	}
	if err != nil {
		return err
	}
	cfg.DataDir = st.BaseDir()
	if err := applyOverrides(cmd, cfg); err != nil {
		return err
	}

	cp, err := st.LoadCheckpoint(id)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Resuming %s: %d of %d evaluations done, %d remaining (seed %d)\n\n",
		id, cp.EvalCounter, cp.TargetBudget, cp.Remaining(), cp.Seed)

	return execute(cmd, cfg, st, func(opts campaign.Options) (*campaign.Campaign, error) {
		return campaign.Open(cfg, st, id, opts)
	})
}
