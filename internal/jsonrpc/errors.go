package jsonrpc

// errors.go — error taxonomy: transport, protocol, application, timeout.

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClosed is returned for every request still pending when the client
	// shuts down or its input stream ends, and for any call made afterwards.
	ErrClosed = errors.New("jsonrpc: connection closed")

	// ErrTimeout matches any *TimeoutError.
	ErrTimeout = errors.New("jsonrpc: request timed out")

	// ErrInvalidTimeout is returned when a request is issued without a
	// positive timeout.
	ErrInvalidTimeout = errors.New("jsonrpc: request timeout must be positive")

	// ErrBufferOverflow means the backend sent more unframed bytes than the
	// configured receive limit.
	ErrBufferOverflow = errors.New("jsonrpc: receive buffer limit exceeded")
)

// JSON-RPC and LSP error codes.
const (
	CodeParseError           = -32700
	CodeInvalidRequest       = -32600
	CodeMethodNotFound       = -32601
	CodeInvalidParams        = -32602
	CodeInternalError        = -32603
	CodeServerNotInitialized = -32002
	CodeUnknownError         = -32001
	CodeRequestCancelled     = -32800
	CodeContentModified      = -32801
)

// Error is an application error carried in a Response. It only ever
// rejects the request it answers.
type Error struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("jsonrpc error %d: %s (data: %s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError builds an application error for answering backend requests.
func NewError(code int64, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// TimeoutError reports a request whose timer expired before a response.
type TimeoutError struct {
	ID     int64
	Method string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("jsonrpc: %s (id %d) timed out after %s", e.Method, e.ID, e.After)
}

// Is reports whether target is ErrTimeout.
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// WriteError is a failed write of one frame. It rejects only the message
// that was being written.
type WriteError struct {
	Method string
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("jsonrpc: write %s: %v", e.Method, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// ProtocolError describes a frame that could not be decoded. Non-fatal
// protocol errors are skipped and reading continues with the next frame.
type ProtocolError struct {
	Err     error
	Header  string // raw header block, if the header was the problem
	Body    []byte // raw body, if the body was the problem
	Skipped int    // bytes dropped to reach the next frame header
	Fatal   bool
}

func (e *ProtocolError) Error() string {
	switch {
	case e.Body != nil:
		return fmt.Sprintf("jsonrpc: protocol error: %v (body %q)", e.Err, truncate(e.Body, 64))
	case e.Header != "":
		return fmt.Sprintf("jsonrpc: protocol error: %v (header %q)", e.Err, truncate([]byte(e.Header), 64))
	default:
		return fmt.Sprintf("jsonrpc: protocol error: %v", e.Err)
	}
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// IsTransport reports whether err means the connection itself failed,
// as opposed to a per-request application error or timeout.
func IsTransport(err error) bool {
	var we *WriteError
	var pe *ProtocolError
	return errors.Is(err, ErrClosed) || errors.As(err, &we) || errors.As(err, &pe)
}
