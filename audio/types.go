// Package audio turns a raw meeting recording into a 16 kHz mono PCM16 WAV
// ready for ASR and diarization: decode, silence trim, pre-emphasis,
// optional spectral noise gating, peak normalization and an optional
// voice-band sox pass.
package audio

import (
	"strings"
	"time"

	"github.com/kbukum/minutes/validation"
)

// PipelineVersion identifies the enhancement chain in metadata.
const PipelineVersion = "v2.0"

// Stage names recorded in Metadata.StepsCompleted / StepsSkipped.
const (
	StepDecode          = "decode"
	StepTrimNormalize   = "trim_normalize"
	StepPreemphasis     = "preemphasis"
	StepNoiseReduction  = "noise_reduction"
	StepPeakNormalize   = "peak_normalize"
	StepBandpassCompand = "bandpass_compand"
)

// Artifact variants.
const (
	VariantRaw      = "raw"
	VariantEnhanced = "enhanced"
)

// Defaults.
const (
	DefaultSampleRate   = 16000
	DefaultOutputDir    = "./output"
	DefaultStageTimeout = 10 * time.Minute
	DefaultTopDB        = 20.0
	DefaultPreemphasis  = 0.97
	DefaultPeakDBFS     = -3.0
	// MinTrimRatio is the share of samples a trim must keep, else it is reverted.
	MinTrimRatio = 0.10
)

// Options configures one Enhance call.
type Options struct {
	TargetSampleRate    int    `mapstructure:"target_sample_rate" json:"target_sample_rate"`
	ApplyNoiseReduction bool   `mapstructure:"apply_noise_reduction" json:"apply_noise_reduction"`
	ApplyCompandFilter  bool   `mapstructure:"apply_compand_filter" json:"apply_compand_filter"`
	OutputDir           string `mapstructure:"output_dir" json:"output_dir"`
	// FileID names the output as {FileID}.wav. Generated when empty.
	FileID string `mapstructure:"file_id" json:"file_id,omitempty"`
	// StageTimeout bounds each external tool invocation.
	StageTimeout time.Duration `mapstructure:"stage_timeout" json:"stage_timeout"`
}

// ApplyDefaults fills in zero-valued fields.
func (o *Options) ApplyDefaults() {
	if o.TargetSampleRate == 0 {
		o.TargetSampleRate = DefaultSampleRate
	}
	if o.OutputDir == "" {
		o.OutputDir = DefaultOutputDir
	}
	if o.StageTimeout <= 0 {
		o.StageTimeout = DefaultStageTimeout
	}
}

// Validate checks the options.
func (o *Options) Validate() error {
	return validation.New().
		Min("target_sample_rate", o.TargetSampleRate, 8000).
		Required("output_dir", o.OutputDir).
		Custom(o.TargetSampleRate <= 192000, "target_sample_rate", "must be at most 192000").
		Custom(validFileID(o.FileID), "file_id", "must be a plain file name").
		Err()
}

// validFileID rejects IDs that would place the output outside OutputDir.
func validFileID(id string) bool {
	if id == "" {
		return true
	}
	return id != "." && !strings.Contains(id, "..") && !strings.ContainsAny(id, `/\`+"\x00")
}

// Artifact describes an audio file.
type Artifact struct {
	Path       string  `json:"path"`
	Variant    string  `json:"variant"`
	Format     string  `json:"format"`
	Codec      string  `json:"codec"`
	Channels   int     `json:"channels"`
	SampleRate int     `json:"sample_rate"`
	Duration   float64 `json:"duration"`
	Size       int64   `json:"size"`
	BitRate    int64   `json:"bit_rate,omitempty"`
}

// Metadata records what the enhancement chain did.
type Metadata struct {
	PipelineVersion     string            `json:"pipeline_version"`
	FileID              string            `json:"file_id"`
	StepsCompleted      []string          `json:"steps_completed"`
	StepsSkipped        []string          `json:"steps_skipped"`
	StepErrors          map[string]string `json:"step_errors,omitempty"`
	OriginalDuration    float64           `json:"original_duration"`
	ProcessedDuration   float64           `json:"processed_duration"`
	OriginalSize        int64             `json:"original_size"`
	ProcessedSize       int64             `json:"processed_size"`
	OriginalSampleRate  int               `json:"original_sample_rate"`
	ProcessedSampleRate int               `json:"processed_sample_rate"`
	OriginalChannels    int               `json:"original_channels"`
	ProcessedChannels   int               `json:"processed_channels"`
	CompressionRatio    float64           `json:"compression_ratio"`
	TrimReverted        bool              `json:"trim_reverted"`
	SamplesTrimmed      int               `json:"samples_trimmed"`
	Tools               map[string]bool   `json:"tools"`
	ParametersApplied   map[string]any    `json:"parameters_applied"`
	ProcessingTimeMS    int64             `json:"processing_time_ms"`
	PublishedURL        string            `json:"published_url,omitempty"`
}

func (m *Metadata) completed(step string) { m.StepsCompleted = append(m.StepsCompleted, step) }

func (m *Metadata) skipped(step string, err error) {
	m.StepsSkipped = append(m.StepsSkipped, step)
	if err != nil {
		if m.StepErrors == nil {
			m.StepErrors = make(map[string]string)
		}
		m.StepErrors[step] = err.Error()
	}
}

// Result is the outcome of Enhance.
type Result struct {
	EnhancedPath string    `json:"enhanced_path"`
	Raw          Artifact  `json:"raw"`
	Enhanced     Artifact  `json:"enhanced"`
	Metadata     *Metadata `json:"metadata"`
}
