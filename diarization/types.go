// Package diarization is the speaker diarization stage. It turns the
// enhanced WAV into speaker-labeled intervals whose labels are renumbered
// by first appearance, so SPEAKER_00 is always the first voice heard.
package diarization

import (
	"time"

	"github.com/kbukum/minutes/config"
	"github.com/kbukum/minutes/validation"
)

// Pipelines.
const (
	// BaselinePipeline needs no access token and is the fallback when the
	// requested pipeline cannot be loaded.
	BaselinePipeline = "pyannote/speaker-diarization"
	BackendPyannote  = "pyannote"
)

// Defaults.
const (
	DefaultClusteringThreshold = 0.5
	DefaultTimeout             = 30 * time.Minute
	// MergeGap is the largest silence between two turns of the same
	// speaker that still merges them.
	MergeGap = 0.05
)

// Devices.
const (
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

// Options configures one Diarize call.
type Options struct {
	PipelineName string `mapstructure:"pipeline_name" json:"pipeline_name"`
	// MinSpeakers and MaxSpeakers are forwarded when positive.
	MinSpeakers         int     `mapstructure:"min_speakers" json:"min_speakers,omitempty"`
	MaxSpeakers         int     `mapstructure:"max_speakers" json:"max_speakers,omitempty"`
	ClusteringThreshold float64 `mapstructure:"clustering_threshold" json:"clustering_threshold"`
	UseGPU              bool    `mapstructure:"use_gpu" json:"use_gpu"`
	AuthToken           string  `mapstructure:"auth_token" json:"-"`
	// ExpectedSpeakers is the roster size. A different detected count is
	// logged and recorded as a warning.
	ExpectedSpeakers int           `mapstructure:"expected_speakers" json:"expected_speakers,omitempty"`
	Backend          string        `mapstructure:"backend" json:"backend,omitempty"`
	Timeout          time.Duration `mapstructure:"timeout" json:"timeout,omitempty"`
}

// ApplyDefaults fills zero-valued fields from env.
func (o *Options) ApplyDefaults(env *config.Env) {
	if o.PipelineName == "" {
		o.PipelineName = env.DiarizerPipelineDefault
	}
	if o.AuthToken == "" {
		o.AuthToken = env.DiarizerAuthToken
	}
	if o.ClusteringThreshold == 0 {
		o.ClusteringThreshold = DefaultClusteringThreshold
	}
	if o.Backend == "" {
		o.Backend = BackendPyannote
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
}

// Validate checks the options.
func (o *Options) Validate() error {
	v := validation.New().
		Required("pipeline_name", o.PipelineName).
		RangeFloat("clustering_threshold", o.ClusteringThreshold, 0, 2).
		Custom(o.MinSpeakers >= 0, "min_speakers", "must not be negative").
		Custom(o.MaxSpeakers >= 0, "max_speakers", "must not be negative")
	if o.MinSpeakers > 0 && o.MaxSpeakers > 0 {
		v.Custom(o.MinSpeakers <= o.MaxSpeakers, "min_speakers", "must not exceed max_speakers")
	}
	return v.Err()
}

// Device returns the requested device.
func (o *Options) Device() string {
	if o.UseGPU {
		return DeviceCUDA
	}
	return DeviceCPU
}

// Segment is a speaker turn. Index is the chronological speaker index and
// Label its SPEAKER_NN form.
type Segment struct {
	Start         float64 `json:"start"`
	End           float64 `json:"end"`
	Label         string  `json:"speaker"`
	OriginalLabel string  `json:"original_label"`
	Index         int     `json:"speaker_index"`
}

// Duration returns End - Start.
func (s Segment) Duration() float64 { return s.End - s.Start }

// Speaker summarizes one detected speaker.
type Speaker struct {
	Index           int     `json:"index"`
	Label           string  `json:"label"`
	OriginalLabel   string  `json:"original_label"`
	FirstAppearance float64 `json:"first_appearance"`
	TotalTime       float64 `json:"total_time"`
	Segments        int     `json:"segments"`
}

// Audit records the pipeline that ran and what it was given.
type Audit struct {
	RequestedPipeline string         `json:"requested_pipeline"`
	LoadedPipeline    string         `json:"loaded_pipeline"`
	Backend           string         `json:"backend"`
	Device            string         `json:"device"`
	FallbackUsed      bool           `json:"fallback_used"`
	FallbackReason    string         `json:"fallback_reason,omitempty"`
	LoadAttempts      int            `json:"load_attempts"`
	CacheHit          bool           `json:"cache_hit"`
	ParametersApplied map[string]any `json:"parameters_applied"`
	// LabelMapping maps original labels to SPEAKER_NN.
	LabelMapping     map[string]string `json:"label_mapping"`
	SegmentsRaw      int               `json:"segments_raw"`
	SegmentsMerged   int               `json:"segments_merged"`
	Warnings         []string          `json:"warnings,omitempty"`
	ProcessingTimeMS int64             `json:"processing_time_ms"`
}

// Result is the outcome of Diarize. Segments are chronological.
type Result struct {
	Segments         []Segment `json:"segments"`
	Speakers         []Speaker `json:"speakers"`
	SpeakersDetected int       `json:"speakers_detected"`
	TotalDuration    float64   `json:"total_duration"`
	Audit            Audit     `json:"audit"`
}
