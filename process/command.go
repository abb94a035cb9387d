package process

import (
	"io"
	"strings"
	"time"
)

// Command is one invocation of an external tool such as ffprobe, ffmpeg
// or sox.
type Command struct {
	Binary string
	Args   []string
	Dir    string
	// Env entries (KEY=value) are appended to the parent environment.
	Env   []string
	Stdin io.Reader
	// Timeout bounds the run on top of the caller's context.
	Timeout time.Duration
	// GracePeriod separates SIGTERM from SIGKILL. Zero means 5s.
	GracePeriod time.Duration
}

// Result is what a finished tool left behind. ExitCode is -1 when the
// process was killed or never started.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// StderrTail returns at most the last n bytes of stderr, trimmed. Tools
// print the actual failure last.
func (r *Result) StderrTail(n int) string {
	if r == nil {
		return ""
	}
	s := strings.TrimSpace(string(r.Stderr))
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
