package inspector

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// Command is an outbound inspector request. Params may be nil, a
// json.RawMessage or any value that marshals to a JSON object.
type Command struct {
	ID        int64
	Method    string
	Params    any
	SessionID string
}

// Result is the response to a Command. A non-nil Error is an inspector-level
// failure and is not returned as a Go error by Send.
type Result struct {
	ID        int64           `json:"id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ResponseError  `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// Decode unmarshals the result body into v, or returns the inspector error.
func (r *Result) Decode(v any) error {
	if r.Error != nil {
		return r.Error
	}
	if v == nil || len(r.Result) == 0 {
		return nil
	}
	return json.Unmarshal(r.Result, v)
}

// Event is an inbound inspector notification.
type Event struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type commandFrame struct {
	ID        int64  `json:"id"`
	Method    string `json:"method"`
	Params    any    `json:"params,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

func encodeCommand(cmd Command) ([]byte, error) {
	params := cmd.Params
	if raw, ok := params.(json.RawMessage); ok && len(raw) == 0 {
		params = nil
	}
	data, err := json.Marshal(commandFrame{
		ID:        cmd.ID,
		Method:    cmd.Method,
		Params:    params,
		SessionID: cmd.SessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", cmd.Method, err)
	}
	return data, nil
}

// frameKind tells responses and events apart: responses carry an id.
type frameKind int

const (
	frameInvalid frameKind = iota
	frameResponse
	frameEvent
)

func classifyFrame(data []byte) frameKind {
	if !gjson.ValidBytes(data) {
		return frameInvalid
	}
	if gjson.GetBytes(data, "id").Exists() {
		return frameResponse
	}
	if gjson.GetBytes(data, "method").Exists() {
		return frameEvent
	}
	return frameInvalid
}

// TargetInfo describes a debuggable target.
type TargetInfo struct {
	TargetID         string `json:"targetId"`
	Type             string `json:"type"`
	Title            string `json:"title"`
	URL              string `json:"url"`
	Attached         bool   `json:"attached"`
	BrowserContextID string `json:"browserContextId,omitempty"`
}
