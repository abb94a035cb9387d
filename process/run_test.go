package process_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kbukum/minutes/process"
)

func TestRunStdoutAndStdin(t *testing.T) {
	result, err := process.Run(context.Background(), process.Command{
		Binary: "cat",
		Stdin:  strings.NewReader("ffprobe json"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result.Stdout) != "ffprobe json" {
		t.Fatalf("expected stdin echoed, got %q", result.Stdout)
	}
	if result.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", result.ExitCode)
	}
}

func TestRunExitCodeAndStderr(t *testing.T) {
	result, err := process.Run(context.Background(), process.Command{
		Binary: "sh",
		Args:   []string{"-c", "echo 'Invalid data found' >&2; exit 1"},
	})
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if result.ExitCode != 1 {
		t.Fatalf("expected exit code 1, got %d", result.ExitCode)
	}
	if !strings.Contains(string(result.Stderr), "Invalid data found") {
		t.Fatalf("expected stderr captured, got %q", result.Stderr)
	}
}

func TestRunNotFound(t *testing.T) {
	result, err := process.Run(context.Background(), process.Command{Binary: "definitely-not-a-real-tool-42"})
	if !errors.Is(err, process.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if result.ExitCode != -1 {
		t.Fatalf("expected exit code -1, got %d", result.ExitCode)
	}
}

func TestRunTimeout(t *testing.T) {
	result, err := process.Run(context.Background(), process.Command{
		Binary:      "sleep",
		Args:        []string{"10"},
		Timeout:     100 * time.Millisecond,
		GracePeriod: 500 * time.Millisecond,
	})
	if !errors.Is(err, process.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if result.Duration > 5*time.Second {
		t.Fatalf("process took too long to kill: %v", result.Duration)
	}
}

func TestRunContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	_, err := process.Run(ctx, process.Command{
		Binary:      "sleep",
		Args:        []string{"10"},
		GracePeriod: 500 * time.Millisecond,
	})
	if err == nil || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
}

func TestRunEmptyBinary(t *testing.T) {
	if _, err := process.Run(context.Background(), process.Command{}); err == nil {
		t.Fatal("expected error for empty binary")
	}
}

func TestRunEnv(t *testing.T) {
	result, err := process.Run(context.Background(), process.Command{
		Binary: "sh",
		Args:   []string{"-c", "echo $NUM_THREADS"},
		Env:    []string{"NUM_THREADS=6"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out := strings.TrimSpace(string(result.Stdout)); out != "6" {
		t.Fatalf("expected '6', got %q", out)
	}
}

func TestRunnerDefaults(t *testing.T) {
	r := process.NewRunner(200*time.Millisecond, 100*time.Millisecond)
	_, err := r.Run(context.Background(), process.Command{Binary: "sleep", Args: []string{"10"}})
	if !errors.Is(err, process.ErrTimeout) {
		t.Fatalf("expected runner timeout to apply, got %v", err)
	}
	if !r.Available("sh") {
		t.Error("expected sh to be available")
	}
	if r.Available("definitely-not-a-real-tool-42") {
		t.Error("expected missing tool to be unavailable")
	}
}

func TestResultStderrTail(t *testing.T) {
	r := &process.Result{Stderr: []byte("  header\nInvalid data found when processing input\n")}
	if got := r.StderrTail(12); got != "essing input" {
		t.Errorf("StderrTail(12) = %q", got)
	}
	if got := r.StderrTail(1000); got != "header\nInvalid data found when processing input" {
		t.Errorf("StderrTail(1000) = %q", got)
	}
	var nilResult *process.Result
	if got := nilResult.StderrTail(10); got != "" {
		t.Errorf("nil StderrTail = %q", got)
	}
}
