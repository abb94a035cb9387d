package errors

// ErrorCode represents a machine-readable error code.
type ErrorCode string

// Pipeline taxonomy. Every public entry point of the pipeline fails with
// exactly one of these codes.
const (
	// ErrCodeInput indicates invalid audio, an empty roster, a malformed
	// template or missing provider credentials.
	ErrCodeInput ErrorCode = "INPUT_ERROR"
	// ErrCodeAudioPipeline indicates the audio could not be decoded or has
	// no audio stream.
	ErrCodeAudioPipeline ErrorCode = "AUDIO_PIPELINE_ERROR"
	// ErrCodeExternalTool indicates ffmpeg, ffprobe or sox was missing or
	// exited non-zero.
	ErrCodeExternalTool ErrorCode = "EXTERNAL_TOOL_ERROR"
	// ErrCodeModelLoad indicates the ASR or diarization model could not be acquired.
	ErrCodeModelLoad ErrorCode = "MODEL_LOAD_ERROR"
	// ErrCodeInference indicates a runtime failure during ASR or diarization.
	ErrCodeInference ErrorCode = "INFERENCE_ERROR"
	// ErrCodeProvider indicates an LLM provider failure.
	ErrCodeProvider ErrorCode = "PROVIDER_ERROR"
	// ErrCodeSection indicates a non-retryable failure of one minutes section.
	ErrCodeSection ErrorCode = "SECTION_ERROR"
)

// Connection/Availability errors (retryable)
const (
	// ErrCodeServiceUnavailable indicates the service is temporarily unavailable.
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	// ErrCodeConnectionFailed indicates a failed connection to a service.
	ErrCodeConnectionFailed ErrorCode = "CONNECTION_FAILED"
	// ErrCodeTimeout indicates the request timed out.
	ErrCodeTimeout ErrorCode = "TIMEOUT"
	// ErrCodeRateLimited indicates the client is rate limited.
	ErrCodeRateLimited ErrorCode = "RATE_LIMITED"
)

// Resource and internal errors
const (
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"
	ErrCodeInternal        ErrorCode = "INTERNAL_ERROR"
	ErrCodeExternalService ErrorCode = "EXTERNAL_SERVICE_ERROR"
)

// Model loads get one more attempt; provider errors carry their own flag.
var retryableCodes = map[ErrorCode]bool{
	ErrCodeServiceUnavailable: true,
	ErrCodeConnectionFailed:   true,
	ErrCodeTimeout:            true,
	ErrCodeRateLimited:        true,
	ErrCodeExternalService:    true,
	ErrCodeModelLoad:          true,
	ErrCodeInput:              false,
	ErrCodeAudioPipeline:      false,
	ErrCodeExternalTool:       false,
	ErrCodeInference:          false,
	ErrCodeSection:            false,
	ErrCodeInternal:           false,
}

// IsRetryableCode returns true if the error code indicates a retryable error.
func IsRetryableCode(code ErrorCode) bool {
	return retryableCodes[code]
}
