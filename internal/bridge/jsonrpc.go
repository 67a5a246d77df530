package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"github.com/standardbeagle/devbridge/internal/inspector"
	"github.com/standardbeagle/devbridge/internal/message"
	"github.com/standardbeagle/devbridge/internal/router"
)

const jsonrpcVersion = "2.0"

// Error codes in the JSON-RPC implementation-defined range.
const (
	CodeConnection = -32000
	CodeTimeout    = -32001
	CodeEvaluation = -32002
	CodeDropped    = -32003
	CodeStopped    = -32004
)

// Request is a JSON-RPC 2.0 request. A request without an id is a
// notification and gets no response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (r Request) IsNotification() bool {
	return len(r.ID) == 0
}

type Response struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Result  json.RawMessage   `json:"result,omitempty"`
	Error   *message.RPCError `json:"error,omitempty"`
}

// Notification is pushed to websocket clients and other sinks.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

var nullID = json.RawMessage("null")

func resultResponse(id json.RawMessage, result json.RawMessage) *Response {
	if len(result) == 0 {
		result = json.RawMessage("{}")
	}
	return &Response{JSONRPC: jsonrpcVersion, ID: orNull(id), Result: result}
}

func errorResponse(id json.RawMessage, err *message.RPCError) *Response {
	return &Response{JSONRPC: jsonrpcVersion, ID: orNull(id), Error: err}
}

func orNull(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return nullID
	}
	return id
}

// rpcError maps a Go error from the router or inspector onto a JSON-RPC
// error object.
func rpcError(err error) *message.RPCError {
	var (
		rpcErr   *message.RPCError
		timeout  *inspector.TimeoutError
		evalErr  *inspector.EvaluationError
		protoErr *inspector.ProtocolError
		connErr  *inspector.ConnectionError
		respErr  *inspector.ResponseError
	)
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return &message.RPCError{Code: CodeTimeout, Message: err.Error()}
	case errors.As(err, &evalErr):
		return &message.RPCError{Code: CodeEvaluation, Message: err.Error(), Data: json.RawMessage(nonEmptyJSON(evalErr.Details))}
	case errors.Is(err, inspector.ErrInvalidSession), errors.Is(err, inspector.ErrSessionDestroyed):
		return &message.RPCError{Code: message.CodeInvalidParams, Message: err.Error()}
	case errors.As(err, &respErr):
		return &message.RPCError{Code: respErr.Code, Message: respErr.Message, Data: dataOrNil(respErr.Data)}
	case errors.As(err, &protoErr):
		return &message.RPCError{Code: message.CodeInvalidRequest, Message: err.Error()}
	case errors.As(err, &connErr), errors.Is(err, inspector.ErrNotConnected):
		return &message.RPCError{Code: CodeConnection, Message: err.Error()}
	case errors.Is(err, router.ErrStopped):
		return &message.RPCError{Code: CodeStopped, Message: err.Error()}
	default:
		return &message.RPCError{Code: message.CodeInternalError, Message: err.Error()}
	}
}

func nonEmptyJSON(data []byte) []byte {
	if len(data) == 0 || !json.Valid(data) {
		return []byte("null")
	}
	return data
}

func dataOrNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Handle decodes a single or batch JSON-RPC payload, runs it and encodes the
// reply. ok is false when nothing should be sent back, which is the case for
// notifications and batches made only of notifications.
func (b *Bridge) Handle(ctx context.Context, data []byte) (reply []byte, ok bool) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return encode(errorResponse(nil, &message.RPCError{Code: message.CodeInvalidRequest, Message: "empty request"}))
	}

	if data[0] != '[' {
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return encode(errorResponse(nil, &message.RPCError{Code: message.CodeParseError, Message: "parse error: " + err.Error()}))
		}
		resp := b.Call(ctx, req)
		if resp == nil {
			return nil, false
		}
		return encode(resp)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return encode(errorResponse(nil, &message.RPCError{Code: message.CodeParseError, Message: "parse error: " + err.Error()}))
	}
	if len(raw) == 0 {
		return encode(errorResponse(nil, &message.RPCError{Code: message.CodeInvalidRequest, Message: "empty batch"}))
	}

	reqs := make([]Request, 0, len(raw))
	var invalid []*Response
	for _, item := range raw {
		var req Request
		if err := json.Unmarshal(item, &req); err != nil {
			invalid = append(invalid, errorResponse(nil, &message.RPCError{Code: message.CodeInvalidRequest, Message: "invalid request: " + err.Error()}))
			continue
		}
		reqs = append(reqs, req)
	}

	responses := append(b.CallBatch(ctx, reqs), invalid...)
	if len(responses) == 0 {
		return nil, false
	}
	return encode(responses)
}

func encode(v any) ([]byte, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(errorResponse(nil, &message.RPCError{Code: message.CodeInternalError, Message: err.Error()}))
	}
	return data, true
}
