// ABOUTME: Structured error shapes carried in failed response frames
// ABOUTME: ErrorShape doubles as a Go error so handlers can return it directly

package protocol

import (
	"errors"
	"fmt"
)

// Error codes carried on the wire.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeUnavailable    = "UNAVAILABLE"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeAgentTimeout   = "AGENT_TIMEOUT"
	CodeNotFound       = "NOT_FOUND"
	CodeMethodNotFound = "METHOD_NOT_FOUND"
)

// ErrorShape is the structured error of a failed response.
type ErrorShape struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Details      any    `json:"details,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// Error implements the error interface.
func (e *ErrorShape) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds an ErrorShape with a formatted message.
func Errorf(code, format string, args ...any) *ErrorShape {
	return &ErrorShape{Code: code, Message: fmt.Sprintf(format, args...)}
}

// InvalidRequest builds an INVALID_REQUEST error.
func InvalidRequest(format string, args ...any) *ErrorShape {
	return Errorf(CodeInvalidRequest, format, args...)
}

// AsErrorShape converts any error into an ErrorShape. Errors that are not
// already shapes become UNAVAILABLE.
func AsErrorShape(err error) *ErrorShape {
	if err == nil {
		return nil
	}
	var shape *ErrorShape
	if errors.As(err, &shape) {
		return shape
	}
	return &ErrorShape{Code: CodeUnavailable, Message: err.Error()}
}
