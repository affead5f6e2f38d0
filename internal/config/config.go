// Package config loads campaign configuration from YAML, merged over
// embedded defaults.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cwbudde/crowdcalib/internal/gateway"
	"github.com/cwbudde/crowdcalib/internal/history"
	"github.com/cwbudde/crowdcalib/internal/metrics"
	"github.com/cwbudde/crowdcalib/internal/opt"
	"github.com/cwbudde/crowdcalib/internal/params"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Simulator transports.
const (
	TransportFile = "file"
	TransportGRPC = "grpc"
)

// Config holds everything a campaign needs.
type Config struct {
	// DataDir holds checkpoints, traces, logs and result artifacts.
	DataDir    string           `yaml:"data_dir"`
	Optimizer  opt.Config       `yaml:"optimizer"`
	Parameters ParametersConfig `yaml:"parameters"`
	Objective  ObjectiveConfig  `yaml:"objective"`
	History    HistoryConfig    `yaml:"history"`
	Simulator  SimulatorConfig  `yaml:"simulator"`
	Server     ServerConfig     `yaml:"server"`
}

// ParametersConfig controls the search space.
type ParametersConfig struct {
	// Clamp pins out-of-range values to their bound instead of failing.
	Clamp  bool                    `yaml:"clamp"`
	Bounds map[string]params.Range `yaml:"bounds"`
}

// ObjectiveConfig holds the objective weights.
type ObjectiveConfig struct {
	Weights metrics.Weights `yaml:"weights"`
}

// HistoryConfig selects the evaluation log backend.
type HistoryConfig struct {
	Backend string `yaml:"backend"`
	// Path defaults to history.csv (or history.db) in the campaign directory.
	Path string `yaml:"path"`
}

// SimulatorConfig describes how to reach the simulator.
type SimulatorConfig struct {
	Transport    string       `yaml:"transport"`
	Mode         gateway.Mode `yaml:"mode"`
	InputDir     string       `yaml:"input_dir"`
	ResultPath   string       `yaml:"result_path"`
	TriggerPath  string       `yaml:"trigger_path"`
	Command      []string     `yaml:"command"`
	ArchiveDir   string       `yaml:"archive_dir"`
	PollInterval Duration     `yaml:"poll_interval"`
	Timeout      Duration     `yaml:"timeout"`
	MaxOutput    int          `yaml:"max_output"`
	GRPC         GRPCConfig   `yaml:"grpc"`
}

// GRPCConfig addresses a simulator served over gRPC.
type GRPCConfig struct {
	Address string `yaml:"address"`
}

// ServerConfig configures the optional status server.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Duration is a time.Duration written as a string ("10m") in YAML.
type Duration struct {
	time.Duration
}

// UnmarshalYAML accepts Go duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", value.Line, err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Default returns the embedded defaults.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}
	return cfg, nil
}

// Load loads configuration from a YAML file, merging with embedded defaults.
// If path is empty, only embedded defaults are used.
func Load(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Only fields present in the file are overwritten.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate rejects inconsistent values.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir cannot be empty"))
	}
	if err := c.Optimizer.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("optimizer: %w", err))
	}
	if err := c.Objective.Weights.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("objective: %w", err))
	}
	if _, err := c.Space(); err != nil {
		errs = append(errs, fmt.Errorf("parameters: %w", err))
	}
	switch c.History.Backend {
	case history.BackendCSV, history.BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("history: unknown backend %q", c.History.Backend))
	}
	errs = append(errs, c.Simulator.validate()...)
	return errors.Join(errs...)
}

func (s SimulatorConfig) validate() []error {
	var errs []error
	if s.Timeout.Duration <= 0 {
		errs = append(errs, errors.New("simulator: timeout must be positive"))
	}
	switch s.Transport {
	case TransportFile:
		switch s.Mode {
		case gateway.ModeLaunch:
			if len(s.Command) == 0 {
				errs = append(errs, errors.New("simulator: launch mode requires a command"))
			}
		case gateway.ModeTrigger:
			if s.TriggerPath == "" {
				errs = append(errs, errors.New("simulator: trigger mode requires trigger_path"))
			}
		default:
			errs = append(errs, fmt.Errorf("simulator: unknown mode %q", s.Mode))
		}
		if s.InputDir == "" || s.ResultPath == "" {
			errs = append(errs, errors.New("simulator: input_dir and result_path are required"))
		}
	case TransportGRPC:
		if s.GRPC.Address == "" {
			errs = append(errs, errors.New("simulator: grpc transport requires grpc.address"))
		}
	default:
		errs = append(errs, fmt.Errorf("simulator: unknown transport %q", s.Transport))
	}
	return errs
}

// Space returns the search space with the configured bound overrides.
func (c *Config) Space() (*params.Space, error) {
	if len(c.Parameters.Bounds) == 0 {
		return params.DefaultSpace(), nil
	}
	return params.DefaultSpace().WithBounds(c.Parameters.Bounds)
}

// Scorer returns an objective scorer with the configured weights.
func (c *Config) Scorer() (*metrics.Scorer, error) {
	return metrics.NewScorer(c.Objective.Weights)
}

// Budget returns the total evaluation budget.
func (c *Config) Budget() int {
	return c.Optimizer.Budget(params.Dim)
}

// HistoryPath returns the evaluation log location for a campaign directory.
func (c *Config) HistoryPath(campaignDir string) string {
	if c.History.Path != "" {
		return c.History.Path
	}
	if c.History.Backend == history.BackendSQLite {
		return filepath.Join(campaignDir, "history.db")
	}
	return filepath.Join(campaignDir, "history.csv")
}

// FileGateway returns the file gateway settings.
func (c *Config) FileGateway() gateway.FileConfig {
	s := c.Simulator
	return gateway.FileConfig{
		Mode:         s.Mode,
		InputDir:     s.InputDir,
		ResultPath:   s.ResultPath,
		TriggerPath:  s.TriggerPath,
		Command:      s.Command,
		ArchiveDir:   s.ArchiveDir,
		PollInterval: s.PollInterval.Duration,
		MaxOutput:    s.MaxOutput,
	}
}

// NewGateway connects to the simulator with the configured transport.
// The returned close function releases the transport.
func (c *Config) NewGateway() (gateway.Gateway, func() error, error) {
	switch c.Simulator.Transport {
	case TransportGRPC:
		g, err := gateway.DialGRPC(c.Simulator.GRPC.Address)
		if err != nil {
			return nil, nil, err
		}
		return g, g.Close, nil
	default:
		g, err := gateway.NewFileGateway(c.FileGateway())
		if err != nil {
			return nil, nil, err
		}
		return g, func() error { return nil }, nil
	}
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
