package campaign

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cwbudde/crowdcalib/internal/config"
	"github.com/cwbudde/crowdcalib/internal/opt"
	"github.com/cwbudde/crowdcalib/internal/params"
	"github.com/cwbudde/crowdcalib/internal/store"
)

// Artifact file names inside the campaign directory.
const (
	ResultFile         = "result.json"
	BestParametersFile = "best_parameters.json"
	ConfigFile         = "config.yaml"
)

// Result is the outcome of a campaign, written to result.json.
type Result struct {
	CampaignID string `json:"campaignId"`
	opt.Result
	BestParams       *params.Set `json:"bestParams,omitempty"`
	BestExperimentID string      `json:"bestExperimentId,omitempty"`
	TargetBudget     int         `json:"targetBudget"`
	LogPath          string      `json:"logPath"`
	State            State       `json:"state"`
	StartTime        time.Time   `json:"startTime"`
	EndTime          *time.Time  `json:"endTime,omitempty"`
}

func (c *Campaign) writeArtifacts(res *Result) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize result: %w", err)
	}
	if err := os.WriteFile(filepath.Join(c.Dir(), ResultFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	if res.BestParams == nil {
		return nil
	}
	if err := params.WriteBest(filepath.Join(c.Dir(), BestParametersFile), res.BestExperimentID, *res.BestParams); err != nil {
		return fmt.Errorf("failed to write best parameters: %w", err)
	}
	return nil
}

// saveConfig keeps the configuration next to the checkpoint so the campaign
// can be resumed without the original file.
func (c *Campaign) saveConfig() error {
	if err := os.MkdirAll(c.Dir(), 0755); err != nil {
		return fmt.Errorf("failed to create campaign directory: %w", err)
	}
	return c.cfg.WriteYAML(filepath.Join(c.Dir(), ConfigFile))
}

// LoadConfig returns the configuration saved with a campaign, or the
// embedded defaults when the campaign has none.
func LoadConfig(st *store.FSStore, campaignID string) (*config.Config, error) {
	path := filepath.Join(st.CampaignDir(campaignID), ConfigFile)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.Load("")
	}
	return config.Load(path)
}

// LoadResult reads the result.json of a finished campaign.
func LoadResult(st *store.FSStore, campaignID string) (*Result, error) {
	data, err := os.ReadFile(filepath.Join(st.CampaignDir(campaignID), ResultFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read result: %w", err)
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to parse result: %w", err)
	}
	return &res, nil
}
