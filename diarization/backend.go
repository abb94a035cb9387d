package diarization

import (
	"context"
	"fmt"

	"github.com/kbukum/minutes/provider"
)

// PipelineKey identifies a cached pipeline.
type PipelineKey struct {
	Backend  string
	Pipeline string
	Device   string
}

func (k PipelineKey) String() string {
	return fmt.Sprintf("%s/%s@%s", k.Backend, k.Pipeline, k.Device)
}

// PipelineInfo is what a backend reports after loading.
type PipelineInfo struct {
	Name   string
	Device string
	// SupportsThreshold reports whether the pipeline exposes a clustering
	// threshold.
	SupportsThreshold bool
}

// InferenceParams are passed to a pipeline. Zero speaker bounds and a nil
// threshold are not sent.
type InferenceParams struct {
	MinSpeakers         int
	MaxSpeakers         int
	ClusteringThreshold *float64
}

// Map returns the parameters as they were sent.
func (p InferenceParams) Map() map[string]any {
	m := map[string]any{}
	if p.MinSpeakers > 0 {
		m["min_speakers"] = p.MinSpeakers
	}
	if p.MaxSpeakers > 0 {
		m["max_speakers"] = p.MaxSpeakers
	}
	if p.ClusteringThreshold != nil {
		m["clustering_threshold"] = *p.ClusteringThreshold
	}
	return m
}

// Turn is a raw backend speaker turn.
type Turn struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Label string  `json:"speaker"`
}

// Pipeline is a loaded diarization pipeline.
type Pipeline interface {
	Info() PipelineInfo
	Diarize(ctx context.Context, path string, params InferenceParams) ([]Turn, error)
	Close(ctx context.Context) error
}

// Backend loads pipelines. token may be empty.
type Backend interface {
	provider.Provider
	LoadPipeline(ctx context.Context, key PipelineKey, token string) (Pipeline, error)
}

// NewRegistry creates a backend registry.
func NewRegistry() *provider.Registry[Backend] {
	return provider.NewRegistry[Backend]()
}
