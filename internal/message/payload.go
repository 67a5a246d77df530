package message

import "encoding/json"

// Payload is the tagged union carried by a Message. Only types in this package
// implement it.
type Payload interface {
	Kind() Type
}

// RPCError is a JSON-RPC error object. Inspector errors share the same shape.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return e.Message
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError    = -32000
)

// RequestPayload is a tool-side JSON-RPC request.
type RequestPayload struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (RequestPayload) Kind() Type       { return TypeRequest }
func (p RequestPayload) method() string { return p.Method }

// ResponsePayload is a tool-side JSON-RPC response.
type ResponsePayload struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

func (ResponsePayload) Kind() Type { return TypeResponse }

// NotificationPayload is a tool-side notification.
type NotificationPayload struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (NotificationPayload) Kind() Type       { return TypeNotification }
func (p NotificationPayload) method() string { return p.Method }

// CommandPayload is an inspector command waiting to be sent. RequestID keeps
// the originating tool request id.
type CommandPayload struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	RequestID json.RawMessage `json:"requestId,omitempty"`
}

func (CommandPayload) Kind() Type       { return TypeCommand }
func (p CommandPayload) method() string { return p.Method }

// ResultPayload is the outcome of an inspector command.
type ResultPayload struct {
	CommandID int64           `json:"commandId"`
	Method    string          `json:"method,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *RPCError       `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	RequestID json.RawMessage `json:"requestId,omitempty"`
}

func (ResultPayload) Kind() Type       { return TypeResult }
func (p ResultPayload) method() string { return p.Method }

// EventPayload is an inspector event.
type EventPayload struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

func (EventPayload) Kind() Type       { return TypeEvent }
func (p EventPayload) method() string { return p.Method }

// InternalPayload carries router-internal signals.
type InternalPayload struct {
	Name string `json:"name"`
	Data any    `json:"data,omitempty"`
}

func (InternalPayload) Kind() Type       { return TypeInternal }
func (p InternalPayload) method() string { return p.Name }

// BatchPayload aggregates messages produced by the batching transform.
type BatchPayload struct {
	Messages []*Message `json:"messages"`
}

func (BatchPayload) Kind() Type { return TypeInternal }
