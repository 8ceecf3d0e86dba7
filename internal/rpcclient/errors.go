// ABOUTME: Failure classes of gateway calls: timeout, close, remote error, misconfiguration
// ABOUTME: Errors carry the connection summary so users can see which gateway was dialled

package rpcclient

import (
	"errors"
	"fmt"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/agentrun-gateway/internal/protocol"
)

// ErrRemoteMisconfigured is returned before dialling when remote mode is
// selected without a URL.
var ErrRemoteMisconfigured = errors.New("gateway remote mode misconfigured")

// ErrClientClosed is returned for requests on a closed client.
var ErrClientClosed = errors.New("gateway client closed")

// TimeoutError means the call deadline passed. The connection has been torn down.
type TimeoutError struct {
	Timeout time.Duration
	Details string
}

func (e *TimeoutError) Error() string {
	return withDetails(fmt.Sprintf("gateway timeout after %dms", e.Timeout.Milliseconds()), e.Details)
}

// CloseError means the connection closed before the call settled.
type CloseError struct {
	Code    int
	Reason  string
	Details string
	cause   error
}

func (e *CloseError) Error() string {
	label := fmt.Sprint(e.Code)
	if desc := DescribeCloseCode(e.Code); desc != "" {
		label += " " + desc
	}
	return withDetails(fmt.Sprintf("gateway closed (%s): %s", label, e.Reason), e.Details)
}

func (e *CloseError) Unwrap() error {
	return e.cause
}

// RemoteError is a response with ok=false.
type RemoteError struct {
	Method string
	Shape  *protocol.ErrorShape
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("gateway %s failed: %s", e.Method, e.Shape.Error())
}

func (e *RemoteError) Unwrap() error {
	return e.Shape
}

// Code returns the wire error code.
func (e *RemoteError) Code() string {
	return e.Shape.Code
}

// DescribeCloseCode gives a human label for well-known close codes.
func DescribeCloseCode(code int) string {
	switch code {
	case int(websocket.StatusNormalClosure):
		return "normal closure"
	case int(websocket.StatusAbnormalClosure):
		return "abnormal closure (no close frame)"
	case int(websocket.StatusProtocolError):
		return "protocol error"
	case int(websocket.StatusPolicyViolation):
		return "policy violation"
	default:
		return ""
	}
}

// closeErrorFrom converts a read/write failure into a CloseError. Failures
// without a close frame are reported as 1006.
func closeErrorFrom(err error) *CloseError {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return &CloseError{Code: int(ce.Code), Reason: ce.Reason, cause: err}
	}
	return &CloseError{Code: int(websocket.StatusAbnormalClosure), cause: err}
}

func withDetails(msg, details string) string {
	if details == "" {
		return msg
	}
	return msg + "\n" + details
}
