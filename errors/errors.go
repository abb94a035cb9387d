// Package errors provides the error taxonomy shared by every pipeline stage.
// Each failure carries a stable machine-readable code, a human message,
// a retryable flag and an optional cause.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// AppError is the unified application error type.
type AppError struct {
	// Code is a machine-readable error code.
	Code ErrorCode `json:"code"`
	// Message is a human-readable error message.
	Message string `json:"message"`
	// Retryable indicates if the operation can be retried.
	Retryable bool `json:"retryable"`
	// HTTPStatus is the recommended HTTP status code for collaborators
	// exposing this error over HTTP.
	HTTPStatus int `json:"-"`
	// Details contains additional context for the error.
	Details map[string]any `json:"details,omitempty"`
	// Cause is the underlying error that caused this error.
	Cause error `json:"-"`
}

// Error returns the string representation of the error.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error.
func (e *AppError) Unwrap() error { return e.Cause }

// WithCause sets the underlying cause of the error and returns the receiver.
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetails merges the provided details into the error and returns the receiver.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// WithDetail sets a single detail key-value pair and returns the receiver.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a new AppError with automatic retryable detection.
func New(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Retryable:  IsRetryableCode(code),
	}
}

// --- Pipeline taxonomy constructors ---

// InputError reports invalid caller input on the named field.
func InputError(field, reason string) *AppError {
	details := make(map[string]any)
	if field != "" {
		details["field"] = field
	}
	return &AppError{
		Code: ErrCodeInput, Message: fmt.Sprintf("Invalid input: %s", reason),
		HTTPStatus: http.StatusBadRequest, Details: details,
	}
}

// Validation creates an InputError carrying an already formatted message.
func Validation(message string) *AppError {
	return &AppError{
		Code: ErrCodeInput, Message: message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// MissingField creates an InputError for a missing required field.
func MissingField(field string) *AppError {
	return &AppError{
		Code: ErrCodeInput, Message: fmt.Sprintf("Missing required field: %s", field),
		HTTPStatus: http.StatusBadRequest,
		Details: map[string]any{"field": field},
	}
}

// AudioPipeline reports undecodable input or input without an audio stream.
func AudioPipeline(path, reason string) *AppError {
	return &AppError{
		Code: ErrCodeAudioPipeline, Message: fmt.Sprintf("Audio pipeline failed: %s", reason),
		HTTPStatus: http.StatusUnprocessableEntity,
		Details: map[string]any{"path": path},
	}
}

// ExternalTool reports a media tool that is missing or exited non-zero.
func ExternalTool(tool string, exitCode int, cause error) *AppError {
	return &AppError{
		Code: ErrCodeExternalTool, Message: fmt.Sprintf("External tool %s failed", tool),
		HTTPStatus: http.StatusInternalServerError,
		Details: map[string]any{"tool": tool, "exit_code": exitCode}, Cause: cause,
	}
}

// ModelLoad reports a model that could not be acquired. It is retryable once.
func ModelLoad(model, device string, cause error) *AppError {
	return &AppError{
		Code: ErrCodeModelLoad, Message: fmt.Sprintf("Could not load model %s on %s", model, device),
		HTTPStatus: http.StatusServiceUnavailable, Retryable: true,
		Details: map[string]any{"model": model, "device": device}, Cause: cause,
	}
}

// Inference reports a runtime failure of ASR or diarization.
func Inference(stage string, cause error) *AppError {
	return &AppError{
		Code: ErrCodeInference, Message: fmt.Sprintf("Inference failed during %s", stage),
		HTTPStatus: http.StatusInternalServerError,
		Details: map[string]any{"stage": stage}, Cause: cause,
	}
}

// Provider reports an LLM provider failure with an explicit retryable flag.
func Provider(providerID string, retryable bool, cause error) *AppError {
	return &AppError{
		Code: ErrCodeProvider, Message: fmt.Sprintf("LLM provider %s failed", providerID),
		HTTPStatus: http.StatusBadGateway, Retryable: retryable,
		Details: map[string]any{"provider": providerID}, Cause: cause,
	}
}

// Section reports the failure of a single minutes section.
func Section(order int, name string, cause error) *AppError {
	return &AppError{
		Code: ErrCodeSection, Message: fmt.Sprintf("Section %d (%s) failed", order, name),
		HTTPStatus: http.StatusUnprocessableEntity,
		Details: map[string]any{"order": order, "section": name}, Cause: cause,
	}
}

// --- Common Error Constructors ---

// Timeout creates a new AppError for an operation that timed out.
func Timeout(operation string) *AppError {
	return &AppError{
		Code: ErrCodeTimeout, Message: fmt.Sprintf("%s took too long", operation),
		HTTPStatus: http.StatusGatewayTimeout, Retryable: true,
		Details: map[string]any{"operation": operation},
	}
}

// ServiceUnavailable creates a new AppError for a service that is temporarily unavailable.
func ServiceUnavailable(service string) *AppError {
	return &AppError{
		Code: ErrCodeServiceUnavailable, Message: fmt.Sprintf("The %s is temporarily unavailable", service),
		HTTPStatus: http.StatusServiceUnavailable, Retryable: true,
		Details: map[string]any{"service": service},
	}
}

// NotFound creates a new AppError for a resource that was not found.
func NotFound(resource, id string) *AppError {
	details := map[string]any{"resource": resource}
	if id != "" {
		details["id"] = id
	}
	return &AppError{
		Code: ErrCodeNotFound, Message: fmt.Sprintf("The requested %s was not found", resource),
		HTTPStatus: http.StatusNotFound, Details: details,
	}
}

// Internal creates a new AppError for an unexpected failure.
func Internal(cause error) *AppError {
	return &AppError{
		Code: ErrCodeInternal, Message: "An unexpected error occurred",
		HTTPStatus: http.StatusInternalServerError, Cause: cause,
	}
}

// ExternalServiceError creates a new AppError for an error from an external service.
func ExternalServiceError(service string, cause error) *AppError {
	return &AppError{
		Code: ErrCodeExternalService, Message: fmt.Sprintf("The %s service encountered an error", service),
		HTTPStatus: http.StatusBadGateway, Retryable: true,
		Details: map[string]any{"service": service}, Cause: cause,
	}
}

// --- Inspection helpers ---

// IsAppError checks if an error is an AppError.
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// CodeOf returns the code of the first AppError in the chain, or
// ErrCodeInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsRetryable reports whether err is an AppError marked retryable.
func IsRetryable(err error) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Retryable
	}
	return false
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return stderrors.As(err, target) }
