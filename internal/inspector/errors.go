package inspector

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

var (
	ErrNotConnected     = errors.New("not connected to inspector")
	ErrInvalidSession   = errors.New("invalid session")
	ErrSessionDestroyed = errors.New("session destroyed")
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
	ErrTransportClosed  = errors.New("transport closed")
)

// ErrorClass categorises transport failures.
type ErrorClass int

const (
	ErrorClassUnknown ErrorClass = iota
	ErrorClassConnRefused
	ErrorClassTimeout
	ErrorClassDNS
	ErrorClassConnReset
	ErrorClassHostUnreachable
	ErrorClassPermissionDenied
	ErrorClassTLSHandshake
	ErrorClassHandshake
	ErrorClassCancelled
)

func (c ErrorClass) String() string {
	switch c {
	case ErrorClassConnRefused:
		return "connection_refused"
	case ErrorClassTimeout:
		return "timeout"
	case ErrorClassDNS:
		return "dns_resolution"
	case ErrorClassConnReset:
		return "connection_reset"
	case ErrorClassHostUnreachable:
		return "host_unreachable"
	case ErrorClassPermissionDenied:
		return "permission_denied"
	case ErrorClassTLSHandshake:
		return "tls_handshake"
	case ErrorClassHandshake:
		return "websocket_handshake"
	case ErrorClassCancelled:
		return "context_cancelled"
	default:
		return "unknown"
	}
}

// Classification is the result of ClassifyError.
type Classification struct {
	Class     ErrorClass
	Temporary bool
}

// ClassifyError inspects a dial or transport error and reports whether
// retrying can help.
func ClassifyError(err error) Classification {
	if err == nil {
		return Classification{}
	}

	if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrTransportClosed) {
		return Classification{Class: ErrorClassConnReset, Temporary: true}
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "context canceled"):
		return Classification{Class: ErrorClassCancelled}
	case strings.Contains(errStr, "context deadline exceeded"):
		return Classification{Class: ErrorClassTimeout, Temporary: true}
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return Classification{Class: ErrorClassTimeout, Temporary: true}
	}

	switch {
	case strings.Contains(errStr, "connection refused"):
		return Classification{Class: ErrorClassConnRefused, Temporary: true}
	case strings.Contains(errStr, "connection reset"), strings.Contains(errStr, "broken pipe"),
		strings.Contains(errStr, "unexpected eof"), strings.Contains(errStr, "close 1006"):
		return Classification{Class: ErrorClassConnReset, Temporary: true}
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "timed out"):
		return Classification{Class: ErrorClassTimeout, Temporary: true}
	case strings.Contains(errStr, "no such host"), strings.Contains(errStr, "name resolution"):
		return Classification{Class: ErrorClassDNS, Temporary: true}
	case strings.Contains(errStr, "host unreachable"), strings.Contains(errStr, "no route to host"),
		strings.Contains(errStr, "network is unreachable"):
		return Classification{Class: ErrorClassHostUnreachable, Temporary: true}
	case strings.Contains(errStr, "permission denied"):
		return Classification{Class: ErrorClassPermissionDenied}
	case strings.Contains(errStr, "tls"), strings.Contains(errStr, "certificate"):
		return Classification{Class: ErrorClassTLSHandshake}
	case strings.Contains(errStr, "bad handshake"):
		return Classification{Class: ErrorClassHandshake}
	}

	// Unknown errors are retried; the retry budget bounds the cost.
	return Classification{Class: ErrorClassUnknown, Temporary: true}
}

// ConnectionError reports that the inspector endpoint is unreachable or the
// transport was lost.
type ConnectionError struct {
	Endpoint  string
	Attempt   int
	Exhausted bool
	Class     ErrorClass
	Temporary bool
	Err       error
	Timestamp time.Time
}

func newConnectionError(endpoint string, attempt int, err error) *ConnectionError {
	c := ClassifyError(err)
	return &ConnectionError{
		Endpoint:  endpoint,
		Attempt:   attempt,
		Class:     c.Class,
		Temporary: c.Temporary,
		Err:       err,
		Timestamp: time.Now(),
	}
}

func (e *ConnectionError) Error() string {
	var b strings.Builder
	b.WriteString("connection error")
	if e.Class != ErrorClassUnknown {
		fmt.Fprintf(&b, " [%s]", e.Class)
	}
	if e.Endpoint != "" {
		fmt.Fprintf(&b, " to %s", e.Endpoint)
	}
	if e.Exhausted {
		fmt.Fprintf(&b, " after %d reconnect attempts", e.Attempt)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ConnectionError) Unwrap() []error {
	if e.Exhausted {
		return []error{e.Err, ErrRetriesExhausted}
	}
	return []error{e.Err}
}

// ProtocolError reports an invalid session, a malformed command or a command
// the inspector rejected.
type ProtocolError struct {
	Method    string
	SessionID string
	Err       error
}

func (e *ProtocolError) Error() string {
	switch {
	case e.SessionID != "" && e.Method != "":
		return fmt.Sprintf("protocol error in %s (session %s): %v", e.Method, e.SessionID, e.Err)
	case e.SessionID != "":
		return fmt.Sprintf("protocol error (session %s): %v", e.SessionID, e.Err)
	case e.Method != "":
		return fmt.Sprintf("protocol error in %s: %v", e.Method, e.Err)
	default:
		return fmt.Sprintf("protocol error: %v", e.Err)
	}
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// ResponseError is the error object of an inspector response.
type ResponseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *ResponseError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("%s (%d): %s", e.Message, e.Code, e.Data)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Code)
}

// EvaluationError reports that evaluated script threw.
type EvaluationError struct {
	Expression  string
	Text        string
	Description string
	LineNumber  int
	Column      int
	Details     []byte
}

func (e *EvaluationError) Error() string {
	msg := e.Description
	if msg == "" {
		msg = e.Text
	}
	if msg == "" {
		msg = "script threw an exception"
	}
	return "evaluation failed: " + msg
}

// TimeoutError reports a command that got no response in time.
type TimeoutError struct {
	Method    string
	ID        int64
	SessionID string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %s (id %d) timed out after %s", e.Method, e.ID, e.Timeout)
}

// IsTimeout lets callers test for timeouts without importing this package.
func (e *TimeoutError) IsTimeout() bool { return true }
