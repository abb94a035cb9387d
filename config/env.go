package config

import (
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// Environment variables read by the pipeline core.
const (
	EnvASRModelDefault         = "ASR_MODEL_DEFAULT"
	EnvDiarizerPipelineDefault = "DIARIZER_PIPELINE_DEFAULT"
	EnvDiarizerAuthToken       = "DIARIZER_AUTH_TOKEN"
	EnvUseFasterASRBackend     = "USE_FASTER_ASR_BACKEND"
	EnvNumThreads              = "NUM_THREADS"
)

// Env holds the process-level defaults the core reads from the environment.
// All other settings arrive per call.
type Env struct {
	ASRModelDefault         string
	DiarizerPipelineDefault string
	DiarizerAuthToken       string
	UseFasterASRBackend     bool
	NumThreads              int

	v *viper.Viper
}

// ReadEnv snapshots the pipeline environment variables.
func ReadEnv() *Env {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault(EnvASRModelDefault, "base")
	v.SetDefault(EnvDiarizerPipelineDefault, "pyannote/speaker-diarization-3.1")
	v.SetDefault(EnvUseFasterASRBackend, true)
	v.SetDefault(EnvNumThreads, runtime.NumCPU())

	threads := v.GetInt(EnvNumThreads)
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	return &Env{
		ASRModelDefault:         v.GetString(EnvASRModelDefault),
		DiarizerPipelineDefault: v.GetString(EnvDiarizerPipelineDefault),
		DiarizerAuthToken:       v.GetString(EnvDiarizerAuthToken),
		UseFasterASRBackend:     v.GetBool(EnvUseFasterASRBackend),
		NumThreads:              threads,
		v:                       v,
	}
}

// APIKeyVar returns the variable holding the API key of a provider kind.
func APIKeyVar(kind string) string {
	return strings.ToUpper(kind) + "_API_KEY"
}

// ProviderAPIKey returns {KIND}_API_KEY, or "" when unset.
func (e *Env) ProviderAPIKey(kind string) string {
	if e.v == nil {
		return ""
	}
	return e.v.GetString(APIKeyVar(kind))
}
