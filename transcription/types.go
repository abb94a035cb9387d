// Package transcription is the ASR stage: it turns the enhanced WAV into
// timestamped segments with a per-segment confidence. Backends (faster and
// classic whisper sidecars, Google Cloud Speech) are selected by name from a
// provider registry; loaded models are cached per (model, device).
package transcription

import (
	"strings"
	"time"

	"github.com/kbukum/minutes/config"
	"github.com/kbukum/minutes/validation"
)

// Backend names.
const (
	BackendFaster  = "faster"
	BackendClassic = "classic"
	BackendGoogle  = "google"
)

// Devices.
const (
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

// LanguageAuto asks the backend to detect the language.
const LanguageAuto = "auto"

// DefaultTimeout bounds one inference call.
const DefaultTimeout = 30 * time.Minute

// Confidence sources recorded in the audit.
const (
	ConfidenceWordProbability = "word_probability_mean"
	ConfidenceAvgLogProb      = "avg_logprob_sigmoid"
	ConfidenceProvider        = "provider_confidence"
	ConfidenceNone            = "none"
	ConfidenceMixed           = "mixed"
)

// Options configures one Transcribe call.
type Options struct {
	ModelName      string  `mapstructure:"model_name" json:"model_name"`
	Language       string  `mapstructure:"language" json:"language"`
	Temperature    float64 `mapstructure:"temperature" json:"temperature"`
	WordTimestamps bool    `mapstructure:"word_timestamps" json:"word_timestamps"`
	InitialPrompt  string  `mapstructure:"initial_prompt" json:"initial_prompt,omitempty"`
	UseGPU         bool    `mapstructure:"use_gpu" json:"use_gpu"`
	// Backend selects the engine. Empty uses USE_FASTER_ASR_BACKEND.
	Backend string        `mapstructure:"backend" json:"backend,omitempty"`
	Timeout time.Duration `mapstructure:"timeout" json:"timeout,omitempty"`
}

// ApplyDefaults fills zero-valued fields from env.
func (o *Options) ApplyDefaults(env *config.Env) {
	if o.ModelName == "" {
		o.ModelName = env.ASRModelDefault
	}
	if o.Language == "" {
		o.Language = LanguageAuto
	}
	if o.Backend == "" {
		o.Backend = BackendClassic
		if env.UseFasterASRBackend {
			o.Backend = BackendFaster
		}
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
}

// Validate checks the options.
func (o *Options) Validate() error {
	return validation.New().
		Required("model_name", o.ModelName).
		RangeFloat("temperature", o.Temperature, 0, 1).
		Custom(!strings.ContainsAny(o.Language, " /"), "language", "must be a language code or auto").
		Err()
}

// Device returns the device requested by the options.
func (o *Options) Device() string {
	if o.UseGPU {
		return DeviceCUDA
	}
	return DeviceCPU
}

// Word is a word with its timing and probability.
type Word struct {
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Text        string  `json:"word"`
	Probability float64 `json:"probability"`
}

// Segment is a transcribed span of audio. Confidence is derived; the raw
// inputs it came from are kept alongside.
type Segment struct {
	Start        float64  `json:"start"`
	End          float64  `json:"end"`
	Text         string   `json:"text"`
	Confidence   float64  `json:"confidence"`
	AvgLogProb   *float64 `json:"avg_logprob,omitempty"`
	WordProbMean *float64 `json:"word_prob_mean,omitempty"`
	NoSpeechProb *float64 `json:"no_speech_prob,omitempty"`
	Words        []Word   `json:"words,omitempty"`
}

// ModelMetadata identifies the model that actually ran.
type ModelMetadata struct {
	RequestedModel string `json:"requested_model"`
	LoadedModel    string `json:"loaded_model"`
	Backend        string `json:"backend"`
	Device         string `json:"device"`
	ComputeType    string `json:"compute_type,omitempty"`
	SizeMB         int    `json:"size_mb,omitempty"`
	NumThreads     int    `json:"num_threads,omitempty"`
	CacheHit       bool   `json:"cache_hit"`
	LoadAttempts   int    `json:"load_attempts"`
}

// Audit records what the engine was asked for and what it ran with.
type Audit struct {
	ParametersApplied map[string]any `json:"parameters_applied"`
	ModelMetadata     ModelMetadata  `json:"model_metadata"`
	ConfidenceSource  string         `json:"confidence_source"`
	ProcessingTimeMS  int64          `json:"processing_time_ms"`
}

// Result is the outcome of Transcribe. Segments are sorted by start, then end.
type Result struct {
	Segments            []Segment `json:"segments"`
	FullText            string    `json:"full_text"`
	LanguageDetected    string    `json:"language_detected"`
	LanguageProbability float64   `json:"language_probability"`
	Duration            float64   `json:"duration"`
	Audit               Audit     `json:"audit"`
}
