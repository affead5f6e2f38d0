package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// DefaultMaxOutput bounds the captured simulator output.
const DefaultMaxOutput = 64 * 1024

// stopGrace is how long a launched simulator gets to exit after an interrupt.
const stopGrace = 10 * time.Second

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// process is a simulator instance launched for one evaluation.
type process struct {
	cmd    *exec.Cmd
	output *tailBuffer
	done   chan struct{}
	err    error
}

func startProcess(argv []string, env []string, maxOutput int) (*process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("no simulator command configured")
	}
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutput
	}

	out := &tailBuffer{max: maxOutput}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = out
	cmd.Stderr = out
	// Do not hang on grandchildren that inherited the output pipe.
	cmd.WaitDelay = stopGrace

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start simulator: %w", err)
	}
	slog.Info("Simulator started", "pid", cmd.Process.Pid, "command", argv[0])

	p := &process{cmd: cmd, output: out, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// exitCode is valid once the process has exited.
func (p *process) exitCode() int {
	var exitErr *exec.ExitError
	if errors.As(p.err, &exitErr) {
		return exitErr.ExitCode()
	}
	if p.cmd.ProcessState != nil {
		return p.cmd.ProcessState.ExitCode()
	}
	return -1
}

// kill terminates the process immediately and waits for it.
func (p *process) kill() {
	if p.exited() {
		return
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.Warn("Failed to kill simulator", "pid", p.cmd.Process.Pid, "error", err)
	}
	<-p.done
	slog.Info("Simulator killed", "pid", p.cmd.Process.Pid)
}

// stop asks the process to exit and kills it after the grace period.
func (p *process) stop(grace time.Duration) {
	if p.exited() {
		return
	}
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		p.kill()
		return
	}
	select {
	case <-p.done:
		slog.Info("Simulator stopped", "pid", p.cmd.Process.Pid)
	case <-time.After(grace):
		p.kill()
	}
}
