package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cwbudde/crowdcalib/internal/params"
	"github.com/cwbudde/crowdcalib/internal/sim"
)

// Mode selects how the file gateway signals the simulator.
type Mode string

const (
	// ModeLaunch starts the simulator command for every evaluation. The
	// gateway owns the process and kills it on timeout or cancellation.
	ModeLaunch Mode = "launch"
	// ModeTrigger writes a marker file for an already running simulator.
	// The simulator is never killed by the gateway.
	ModeTrigger Mode = "trigger"
)

// FileConfig configures a FileGateway.
type FileConfig struct {
	Mode Mode
	// InputDir receives <experimentId>_parameters.json.
	InputDir string
	// ResultPath is where the simulator writes its result document.
	ResultPath string
	// TriggerPath is the marker file used in trigger mode.
	TriggerPath string
	// Command is the simulator argv used in launch mode. The placeholders
	// {params}, {experiment} and {result} are expanded in every argument.
	Command []string
	// ArchiveDir, when set, receives a copy of every accepted result and its
	// parameter file as eval_NNNN_result.json / eval_NNNN_parameters.json.
	ArchiveDir   string
	PollInterval time.Duration
	MaxOutput    int
}

// FileGateway exchanges parameters and results with the simulator through
// files.
type FileGateway struct {
	cfg FileConfig
}

// NewFileGateway validates cfg and prepares the exchange directories.
func NewFileGateway(cfg FileConfig) (*FileGateway, error) {
	switch cfg.Mode {
	case ModeLaunch:
		if len(cfg.Command) == 0 {
			return nil, fmt.Errorf("launch mode requires a simulator command")
		}
	case ModeTrigger:
		if cfg.TriggerPath == "" {
			return nil, fmt.Errorf("trigger mode requires a trigger path")
		}
	default:
		return nil, fmt.Errorf("unknown gateway mode: %q", cfg.Mode)
	}
	if cfg.InputDir == "" || cfg.ResultPath == "" {
		return nil, fmt.Errorf("input directory and result path are required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	dirs := []string{cfg.InputDir, filepath.Dir(cfg.ResultPath)}
	if cfg.ArchiveDir != "" {
		dirs = append(dirs, cfg.ArchiveDir)
	}
	if cfg.TriggerPath != "" {
		dirs = append(dirs, filepath.Dir(cfg.TriggerPath))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return &FileGateway{cfg: cfg}, nil
}

// Submit writes the interchange file, clears any stale result and signals
// the simulator.
func (g *FileGateway) Submit(ctx context.Context, p params.Set, experimentID string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h := &Handle{
		ExperimentID: experimentID,
		Params:       p,
		SubmittedAt:  time.Now(),
		paramsPath:   filepath.Join(g.cfg.InputDir, experimentID+"_parameters.json"),
	}
	if err := params.WriteInterchange(h.paramsPath, params.NewInterchange(experimentID, p)); err != nil {
		return nil, fmt.Errorf("failed to export parameters: %w", err)
	}
	slog.Info("Parameters exported", "experiment_id", experimentID, "path", h.paramsPath)

	if err := os.Remove(g.cfg.ResultPath); err == nil {
		slog.Debug("Removed stale result", "path", g.cfg.ResultPath)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to clear stale result: %w", err)
	}

	switch g.cfg.Mode {
	case ModeTrigger:
		if err := g.writeTrigger(h); err != nil {
			return nil, err
		}
		slog.Info("Trigger written", "experiment_id", experimentID, "path", g.cfg.TriggerPath)
	case ModeLaunch:
		proc, err := startProcess(g.expandCommand(h), g.env(h), g.cfg.MaxOutput)
		if err != nil {
			return nil, &CrashError{ExperimentID: experimentID, ExitCode: -1, Err: err}
		}
		h.proc = proc
	}
	return h, nil
}

type triggerMarker struct {
	ExperimentID   string    `json:"experimentId"`
	ParametersFile string    `json:"parametersFile"`
	ResultFile     string    `json:"resultFile"`
	Timestamp      time.Time `json:"timestamp"`
}

func (g *FileGateway) writeTrigger(h *Handle) error {
	data, err := json.MarshalIndent(triggerMarker{
		ExperimentID:   h.ExperimentID,
		ParametersFile: h.paramsPath,
		ResultFile:     g.cfg.ResultPath,
		Timestamp:      h.SubmittedAt,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize trigger: %w", err)
	}
	tempPath := g.cfg.TriggerPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write trigger: %w", err)
	}
	if err := os.Rename(tempPath, g.cfg.TriggerPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to write trigger: %w", err)
	}
	return nil
}

func (g *FileGateway) removeTrigger() {
	if err := os.Remove(g.cfg.TriggerPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Failed to remove trigger", "path", g.cfg.TriggerPath, "error", err)
	}
}

func (g *FileGateway) expandCommand(h *Handle) []string {
	r := strings.NewReplacer(
		"{params}", h.paramsPath,
		"{experiment}", h.ExperimentID,
		"{result}", g.cfg.ResultPath,
	)
	argv := make([]string, len(g.cfg.Command))
	for i, arg := range g.cfg.Command {
		argv[i] = r.Replace(arg)
	}
	return argv
}

func (g *FileGateway) env(h *Handle) []string {
	return []string{
		"CROWDCALIB_PARAMETERS=" + h.paramsPath,
		"CROWDCALIB_EXPERIMENT_ID=" + h.ExperimentID,
		"CROWDCALIB_RESULT=" + g.cfg.ResultPath,
	}
}

// AwaitResult polls for the result of h.
func (g *FileGateway) AwaitResult(ctx context.Context, h *Handle, timeout time.Duration) (*sim.Result, error) {
	watcher := newResultWatcher(g.cfg.ResultPath)
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var exited <-chan struct{}
	if h.proc != nil {
		exited = h.proc.done
	}

	slog.Info("Waiting for result", "experiment_id", h.ExperimentID, "path", g.cfg.ResultPath, "timeout", timeout)
	for {
		if result, ok := watcher.check(); ok {
			return g.accept(h, result)
		}

		select {
		case <-ctx.Done():
			g.abandon(h)
			return nil, ctx.Err()
		case <-deadline.C:
			g.abandon(h)
			return nil, &TimeoutError{ExperimentID: h.ExperimentID, Timeout: timeout}
		case <-exited:
			if result, ok := watcher.final(); ok {
				return g.accept(h, result)
			}
			return nil, &CrashError{
				ExperimentID: h.ExperimentID,
				ExitCode:     h.proc.exitCode(),
				Output:       h.proc.output.String(),
				Err:          h.proc.err,
			}
		case <-ticker.C:
		}
	}
}

// accept finishes an evaluation whose result file was read. A decoded
// document that lacks required fields is a DataError, not a retry.
func (g *FileGateway) accept(h *Handle, result *sim.Result) (*sim.Result, error) {
	if h.proc != nil {
		h.proc.stop(stopGrace)
	}
	if g.cfg.Mode == ModeTrigger {
		g.removeTrigger()
	}
	if err := result.Validate(); err != nil {
		slog.Error("Result is incomplete", "experiment_id", h.ExperimentID, "error", err)
		return nil, fmt.Errorf("simulation %s: %w", h.ExperimentID, err)
	}
	if result.ExperimentID != "" && result.ExperimentID != h.ExperimentID {
		slog.Warn("Result carries a different experiment id",
			"expected", h.ExperimentID, "actual", result.ExperimentID)
	}
	slog.Info("Result received",
		"experiment_id", h.ExperimentID,
		"elapsed", time.Since(h.SubmittedAt).Round(time.Millisecond),
		"agents", len(result.AgentErrors))

	if g.cfg.ArchiveDir != "" {
		if err := g.archive(h); err != nil {
			slog.Warn("Failed to archive result", "experiment_id", h.ExperimentID, "error", err)
		}
	}
	return result, nil
}

func (g *FileGateway) abandon(h *Handle) {
	if h.proc != nil {
		h.proc.kill()
	}
	if g.cfg.Mode == ModeTrigger {
		g.removeTrigger()
	}
}

func (g *FileGateway) archive(h *Handle) error {
	if err := copyFile(g.cfg.ResultPath, filepath.Join(g.cfg.ArchiveDir, h.ExperimentID+"_result.json")); err != nil {
		return err
	}
	return copyFile(h.paramsPath, filepath.Join(g.cfg.ArchiveDir, h.ExperimentID+"_parameters.json"))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}
