// Package provider is the pluggable-backend registry used to pick ASR and
// diarization implementations by name ("faster", "classic", "google",
// "pyannote") from configuration.
package provider

import "context"

// Provider is the base interface every backend implements.
type Provider interface {
	// Name returns the backend's registered name.
	Name() string
	// IsAvailable reports whether the backend can serve requests now.
	IsAvailable(ctx context.Context) bool
}

// Factory creates a backend from a loosely typed config map, typically
// decoded from YAML.
type Factory[T Provider] func(cfg map[string]any) (T, error)

// String reads a string option from a factory config map.
func String(cfg map[string]any, key, fallback string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// Int reads an integer option, accepting the float64 produced by JSON decoding.
func Int(cfg map[string]any, key string, fallback int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

// Bool reads a boolean option.
func Bool(cfg map[string]any, key string, fallback bool) bool {
	if v, ok := cfg[key].(bool); ok {
		return v
	}
	return fallback
}
