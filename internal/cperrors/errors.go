// Package cperrors defines the stable error kinds shared across the
// registry, rate limiter, and gateway HTTP front.
package cperrors

import "fmt"

// Code is a stable machine-readable error identifier.
type Code string

const (
	CodeNodeNotFound      Code = "NODE_NOT_FOUND"
	CodeNoAvailableNode   Code = "NO_AVAILABLE_NODE"
	CodeVoiceNotFound     Code = "VOICE_NOT_FOUND"
	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"
	CodeInvalidRequest    Code = "INVALID_REQUEST"
	CodeRequestTimeout    Code = "REQUEST_TIMEOUT"
	CodeEngineError       Code = "ENGINE_ERROR"
	CodeModelNotLoaded    Code = "MODEL_NOT_LOADED"
)

// ControlPlaneError is the error type returned by registry, limiter, and
// gateway collaborators. Handlers map it to an HTTP response at the
// boundary; it is never allowed to escape as a generic error string.
type ControlPlaneError struct {
	Code    Code
	Message string
}

func (e *ControlPlaneError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NodeNotFound reports that no worker record exists for id.
func NodeNotFound(id string) error {
	return &ControlPlaneError{Code: CodeNodeNotFound, Message: fmt.Sprintf("node not found: %s", id)}
}

// NoAvailableNode reports that engine has no available worker.
func NoAvailableNode(engine string) error {
	return &ControlPlaneError{Code: CodeNoAvailableNode, Message: fmt.Sprintf("no available node for engine: %s", engine)}
}

// VoiceNotFound reports that no voice artifact exists for id.
func VoiceNotFound(id string) error {
	return &ControlPlaneError{Code: CodeVoiceNotFound, Message: fmt.Sprintf("voice not found: %s", id)}
}

// RateLimitExceeded reports that a request was rejected by a limiter layer.
func RateLimitExceeded(detail string) error {
	return &ControlPlaneError{Code: CodeRateLimitExceeded, Message: detail}
}

// InvalidRequest reports a client-supplied value failed validation.
func InvalidRequest(detail string) error {
	return &ControlPlaneError{Code: CodeInvalidRequest, Message: detail}
}

// RequestTimeout reports an outbound call exceeded its deadline.
func RequestTimeout(detail string) error {
	return &ControlPlaneError{Code: CodeRequestTimeout, Message: detail}
}

// EngineError reports a worker's engine adapter failed.
func EngineError(detail string) error {
	return &ControlPlaneError{Code: CodeEngineError, Message: detail}
}

// ModelNotLoaded reports a worker rejected work because its model isn't loaded.
func ModelNotLoaded(id string) error {
	return &ControlPlaneError{Code: CodeModelNotLoaded, Message: fmt.Sprintf("model not loaded: %s", id)}
}

// As is a small helper so callers can branch on Code without importing
// errors.As boilerplate at every call site.
func As(err error) (*ControlPlaneError, bool) {
	cpe, ok := err.(*ControlPlaneError)
	return cpe, ok
}
