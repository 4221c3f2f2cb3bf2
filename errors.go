package mcp

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrConnection is returned when a transport cannot be established.
	ErrConnection = errors.New("mcp: connection failed")
	// ErrIO is returned when reading from or writing to an established transport fails.
	ErrIO = errors.New("mcp: i/o error")
	// ErrTransportClosed is returned by a Transport after Close, or once the peer hung up.
	ErrTransportClosed = errors.New("mcp: transport closed")
	// ErrProtocol is returned for payloads that are not valid JSON-RPC 2.0 messages.
	ErrProtocol = errors.New("mcp: protocol error")
	// ErrTimeout is returned when a request is not answered within its timeout.
	ErrTimeout = errors.New("mcp: request timed out")
	// ErrHandshake is returned when the initialize exchange fails.
	ErrHandshake = errors.New("mcp: handshake failed")
	// ErrToolNotFound is returned when the server does not know the called tool.
	ErrToolNotFound = errors.New("mcp: tool not found")
	// ErrResourceNotFound is returned when the server does not know the requested resource.
	ErrResourceNotFound = errors.New("mcp: resource not found")
	// ErrInvocation is returned when the server reports a failed operation.
	ErrInvocation = errors.New("mcp: invocation failed")
	// ErrInvalidState is returned when an operation is attempted in the wrong session state.
	ErrInvalidState = errors.New("mcp: invalid session state")
	// ErrConnectionClosed is returned to every pending and future request once the
	// connection is gone.
	ErrConnectionClosed = errors.New("mcp: connection closed")
	// ErrCapabilityNotSupported is returned when the server did not advertise the
	// capability an operation needs.
	ErrCapabilityNotSupported = errors.New("mcp: capability not supported by server")
)

// ConnectionError reports a failed dial.
type ConnectionError struct {
	// Target describes what was dialed: a command line, a socket address or a URL.
	Target string
	Err    error
}

// HTTPStatusError reports a message the server's HTTP endpoint refused. The connection
// itself stays usable, so it does not match ErrIO.
type HTTPStatusError struct {
	StatusCode int
	Status     string
}

// ProtocolError reports a malformed message. Payload holds the offending bytes,
// truncated for logging.
type ProtocolError struct {
	Payload []byte
	Err     error
}

// TimeoutError reports a request that got no response within Timeout.
type TimeoutError struct {
	ID      int64
	Method  string
	Timeout time.Duration
}

// HandshakeError reports a failed initialize exchange. Remote is set when the server
// answered with an error response.
type HandshakeError struct {
	Reason string
	Remote *JSONRPCError
}

// ToolNotFoundError is returned by CallTool when the server does not know Name.
type ToolNotFoundError struct {
	Name   string
	Remote *JSONRPCError
}

// ResourceNotFoundError is returned by ReadResource when the server does not know URI.
type ResourceNotFoundError struct {
	URI    string
	Remote *JSONRPCError
}

// InvocationError carries the diagnostic payload of a failed remote operation. Either
// Remote is set (an error response) or Content is (a tool result flagged with isError).
type InvocationError struct {
	Method  string
	Tool    string
	Remote  *JSONRPCError
	Content []Content
}

// InvalidStateError is returned when Op is attempted while the session is in State.
type InvalidStateError struct {
	Op    string
	State State
}

const maxPayloadInError = 256

func newProtocolError(payload []byte, err error) *ProtocolError {
	if len(payload) > maxPayloadInError {
		payload = payload[:maxPayloadInError]
	}
	return &ProtocolError{Payload: append([]byte(nil), payload...), Err: err}
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() []error { return []error{ErrConnection, e.Err} }

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d (%s)", e.StatusCode, e.Status)
}

func (e *ProtocolError) Error() string {
	if len(e.Payload) == 0 {
		return fmt.Sprintf("malformed message: %v", e.Err)
	}
	return fmt.Sprintf("malformed message %q: %v", e.Payload, e.Err)
}

func (e *ProtocolError) Unwrap() []error { return []error{ErrProtocol, e.Err} }

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %d (%s) timed out after %s", e.ID, e.Method, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

func (e *HandshakeError) Error() string {
	if e.Remote != nil {
		return fmt.Sprintf("handshake failed: %s: %v", e.Reason, e.Remote)
	}
	return "handshake failed: " + e.Reason
}

func (e *HandshakeError) Is(target error) bool { return target == ErrHandshake }

func (e *HandshakeError) Unwrap() error {
	if e.Remote == nil {
		return nil
	}
	return e.Remote
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool %q not found", e.Name)
}

func (e *ToolNotFoundError) Is(target error) bool { return target == ErrToolNotFound }

func (e *ResourceNotFoundError) Error() string {
	return fmt.Sprintf("resource %q not found", e.URI)
}

func (e *ResourceNotFoundError) Is(target error) bool { return target == ErrResourceNotFound }

func (e *InvocationError) Error() string {
	var b strings.Builder
	b.WriteString(e.Method)
	if e.Tool != "" {
		fmt.Fprintf(&b, " %q", e.Tool)
	}
	b.WriteString(" failed")
	if e.Remote != nil {
		fmt.Fprintf(&b, ": %v", e.Remote)
		return b.String()
	}
	for _, c := range e.Content {
		if c.Type == ContentTypeText && c.Text != "" {
			fmt.Fprintf(&b, ": %s", c.Text)
			break
		}
	}
	return b.String()
}

func (e *InvocationError) Is(target error) bool { return target == ErrInvocation }

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s not permitted in state %s", e.Op, e.State)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

// connectionClosed wraps cause so that it matches both ErrConnectionClosed and cause.
func connectionClosed(cause error) error {
	switch {
	case cause == nil:
		return ErrConnectionClosed
	case errors.Is(cause, ErrConnectionClosed):
		return cause
	}
	return fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
}

// isNotFound reports whether a remote error describes a missing tool or resource.
func isNotFound(e *JSONRPCError) bool {
	return strings.Contains(strings.ToLower(e.Message), "not found")
}
