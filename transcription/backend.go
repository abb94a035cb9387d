package transcription

import (
	"context"
	"fmt"

	"github.com/kbukum/minutes/provider"
)

// ModelKey identifies a cached model.
type ModelKey struct {
	Backend string `json:"backend"`
	Model   string `json:"model"`
	Device  string `json:"device"`
}

func (k ModelKey) String() string {
	return fmt.Sprintf("%s/%s@%s", k.Backend, k.Model, k.Device)
}

// ModelInfo is what a backend reports after loading.
type ModelInfo struct {
	Name        string
	Device      string
	ComputeType string
	NumThreads  int
}

// InferenceParams are the parameters passed to a model. The fixed decoding
// defaults come from DefaultInferenceParams.
type InferenceParams struct {
	// Language is empty for auto-detection.
	Language                string
	Temperature             float64
	WordTimestamps          bool
	InitialPrompt           string
	BeamSize                int
	BestOf                  int
	VADFilter               bool
	ConditionOnPreviousText bool
	NoSpeechThreshold       float64
}

// DefaultInferenceParams returns the fixed decoding defaults.
func DefaultInferenceParams() InferenceParams {
	return InferenceParams{
		BeamSize:                1,
		BestOf:                  1,
		VADFilter:               true,
		ConditionOnPreviousText: false,
		NoSpeechThreshold:       0.5,
	}
}

// RawSegment is a backend segment before confidence derivation.
type RawSegment struct {
	Start        float64
	End          float64
	Text         string
	AvgLogProb   *float64
	NoSpeechProb *float64
	// Confidence is a backend-native confidence, when the backend has one.
	Confidence *float64
	Words      []Word
}

// RawTranscript is a backend result.
type RawTranscript struct {
	Segments            []RawSegment
	Language            string
	LanguageProbability float64
	Duration            float64
	// ParamsSent is every parameter the backend put on the wire.
	ParamsSent map[string]any
}

// Model is a loaded model handle.
type Model interface {
	Info() ModelInfo
	Transcribe(ctx context.Context, path string, params InferenceParams) (*RawTranscript, error)
	// Close releases the model on the backend.
	Close(ctx context.Context) error
}

// Backend loads models.
type Backend interface {
	provider.Provider
	LoadModel(ctx context.Context, key ModelKey) (Model, error)
}

// NewRegistry creates a backend registry.
func NewRegistry() *provider.Registry[Backend] {
	return provider.NewRegistry[Backend]()
}
