// Package version reports the build of the minutes binaries.
package version

import (
	"runtime/debug"
	"time"
)

// Set with -ldflags "-X github.com/kbukum/minutes/version.Version=...".
var (
	Version   = "dev"
	Commit    = ""
	BuildTime = ""
)

// Build describes the running binary. It is served on /version and seeds
// the service version when the configuration leaves it empty.
type Build struct {
	Version   string    `json:"version"`
	Commit    string    `json:"commit,omitempty"`
	Dirty     bool      `json:"dirty,omitempty"`
	GoVersion string    `json:"go_version"`
	BuiltAt   time.Time `json:"built_at,omitzero"`
}

// Current merges the linker-provided values with the module build info.
// Linker values win.
func Current() Build {
	b := Build{Version: Version, Commit: Commit}
	if t, err := time.Parse(time.RFC3339, BuildTime); err == nil {
		b.BuiltAt = t
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return b
	}
	b.GoVersion = info.GoVersion
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if b.Commit == "" {
				b.Commit = shortCommit(s.Value)
			}
		case "vcs.modified":
			b.Dirty = s.Value == "true"
		case "vcs.time":
			if b.BuiltAt.IsZero() {
				if t, err := time.Parse(time.RFC3339, s.Value); err == nil {
					b.BuiltAt = t
				}
			}
		}
	}
	return b
}

// String renders the build as version[-commit][-dirty].
func (b Build) String() string {
	s := b.Version
	if b.Commit != "" {
		s += "-" + b.Commit
	}
	if b.Dirty {
		s += "-dirty"
	}
	return s
}

func shortCommit(rev string) string {
	if len(rev) > 7 {
		return rev[:7]
	}
	return rev
}
