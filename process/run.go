// Package process runs external tools with a timeout and process-group
// termination: on cancellation the whole group receives SIGTERM, then
// SIGKILL after the grace period.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// ErrNotFound is returned when the binary cannot be resolved.
var ErrNotFound = errors.New("process: binary not found")

// ErrTimeout is returned when the command outlived its Timeout.
var ErrTimeout = errors.New("process: timed out")

// Executor runs commands. Tests substitute fakes for real binaries.
type Executor interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
	// Available reports whether binary can be resolved.
	Available(binary string) bool
}

// Runner is the Executor backed by os/exec. Zero fields fall back to
// the command's own settings.
type Runner struct {
	// GracePeriod applies to commands that leave GracePeriod unset.
	GracePeriod time.Duration
	// Timeout applies to commands that leave Timeout unset.
	Timeout time.Duration
}

// NewRunner creates a Runner with default grace period and timeout.
func NewRunner(gracePeriod, timeout time.Duration) *Runner {
	return &Runner{GracePeriod: gracePeriod, Timeout: timeout}
}

// Run executes cmd after applying the runner defaults.
func (r *Runner) Run(ctx context.Context, cmd Command) (*Result, error) {
	if cmd.GracePeriod == 0 {
		cmd.GracePeriod = r.GracePeriod
	}
	if cmd.Timeout == 0 {
		cmd.Timeout = r.Timeout
	}
	return Run(ctx, cmd)
}

// Available reports whether binary is on PATH or is an existing path.
func (r *Runner) Available(binary string) bool {
	_, err := exec.LookPath(binary)
	return err == nil
}

// Run executes a subprocess and waits for it to complete.
func Run(ctx context.Context, cmd Command) (*Result, error) {
	if cmd.Binary == "" {
		return nil, fmt.Errorf("process: binary is required")
	}
	if _, err := exec.LookPath(cmd.Binary); err != nil {
		return &Result{ExitCode: -1}, fmt.Errorf("%w: %s", ErrNotFound, cmd.Binary)
	}

	gracePeriod := cmd.GracePeriod
	if gracePeriod == 0 {
		gracePeriod = 5 * time.Second
	}
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(ctx, cmd.Binary, cmd.Args...) //nolint:gosec // running caller-chosen tools is the purpose of this package
	c.Dir = cmd.Dir
	c.Env = mergeEnv(cmd.Env)
	if cmd.Stdin != nil {
		c.Stdin = cmd.Stdin
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		if c.Process == nil {
			return nil
		}
		return syscall.Kill(-c.Process.Pid, syscall.SIGTERM)
	}
	c.WaitDelay = gracePeriod

	start := time.Now()
	err := c.Run()
	result := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: c.ProcessState.ExitCode(),
		Duration: time.Since(start),
	}

	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return result, fmt.Errorf("%w after %s: %s", ErrTimeout, cmd.Timeout, cmd.Binary)
		case ctx.Err() != nil:
			return result, fmt.Errorf("process: killed by context: %w", ctx.Err())
		}
		return result, fmt.Errorf("process: %s exit code %d: %w", cmd.Binary, result.ExitCode, err)
	}
	return result, nil
}

// mergeEnv merges additional env vars with the current environment.
func mergeEnv(extra []string) []string {
	if len(extra) == 0 {
		return nil
	}
	return append(os.Environ(), extra...)
}
