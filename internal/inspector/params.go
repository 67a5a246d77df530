package inspector

import (
	"encoding/json"
	"fmt"
)

// EventParams is the decoded params of an inspector event. Methods without a
// dedicated type decode to UnknownParams.
type EventParams interface {
	EventMethod() string
}

type TargetCreated struct {
	TargetInfo TargetInfo `json:"targetInfo"`
}

type TargetDestroyed struct {
	TargetID string `json:"targetId"`
}

type TargetInfoChanged struct {
	TargetInfo TargetInfo `json:"targetInfo"`
}

type AttachedToTarget struct {
	SessionID          string     `json:"sessionId"`
	TargetInfo         TargetInfo `json:"targetInfo"`
	WaitingForDebugger bool       `json:"waitingForDebugger"`
}

type DetachedFromTarget struct {
	SessionID string `json:"sessionId"`
	TargetID  string `json:"targetId,omitempty"`
}

// RemoteObject is a mirror of a JavaScript value.
type RemoteObject struct {
	Type        string          `json:"type"`
	Subtype     string          `json:"subtype,omitempty"`
	ClassName   string          `json:"className,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
	Description string          `json:"description,omitempty"`
	ObjectID    string          `json:"objectId,omitempty"`
}

type ConsoleAPICalled struct {
	Type               string         `json:"type"`
	Args               []RemoteObject `json:"args"`
	ExecutionContextID int            `json:"executionContextId"`
	Timestamp          float64        `json:"timestamp"`
}

// ExceptionDetails describes a thrown exception.
type ExceptionDetails struct {
	ExceptionID  int           `json:"exceptionId"`
	Text         string        `json:"text"`
	LineNumber   int           `json:"lineNumber"`
	ColumnNumber int           `json:"columnNumber"`
	URL          string        `json:"url,omitempty"`
	Exception    *RemoteObject `json:"exception,omitempty"`
}

type ExceptionThrown struct {
	Timestamp        float64          `json:"timestamp"`
	ExceptionDetails ExceptionDetails `json:"exceptionDetails"`
}

type NetworkRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
}

type RequestWillBeSent struct {
	RequestID string         `json:"requestId"`
	LoaderID  string         `json:"loaderId"`
	Request   NetworkRequest `json:"request"`
	Type      string         `json:"type,omitempty"`
	FrameID   string         `json:"frameId,omitempty"`
	Timestamp float64        `json:"timestamp"`
}

type NetworkResponse struct {
	URL        string            `json:"url"`
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	MimeType   string            `json:"mimeType"`
	Headers    map[string]string `json:"headers,omitempty"`
}

type ResponseReceived struct {
	RequestID string          `json:"requestId"`
	Type      string          `json:"type,omitempty"`
	Response  NetworkResponse `json:"response"`
	Timestamp float64         `json:"timestamp"`
}

type LoadingFailed struct {
	RequestID string  `json:"requestId"`
	ErrorText string  `json:"errorText"`
	Canceled  bool    `json:"canceled,omitempty"`
	Type      string  `json:"type,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

type Frame struct {
	ID       string `json:"id"`
	ParentID string `json:"parentId,omitempty"`
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

type FrameNavigated struct {
	Frame Frame `json:"frame"`
}

type LoadEventFired struct {
	Timestamp float64 `json:"timestamp"`
}

// UnknownParams carries the raw params of methods without a dedicated type.
type UnknownParams struct {
	Method string
	Raw    json.RawMessage
}

func (TargetCreated) EventMethod() string      { return "Target.targetCreated" }
func (TargetDestroyed) EventMethod() string    { return "Target.targetDestroyed" }
func (TargetInfoChanged) EventMethod() string  { return "Target.targetInfoChanged" }
func (AttachedToTarget) EventMethod() string   { return "Target.attachedToTarget" }
func (DetachedFromTarget) EventMethod() string { return "Target.detachedFromTarget" }
func (ConsoleAPICalled) EventMethod() string   { return "Runtime.consoleAPICalled" }
func (ExceptionThrown) EventMethod() string    { return "Runtime.exceptionThrown" }
func (RequestWillBeSent) EventMethod() string  { return "Network.requestWillBeSent" }
func (ResponseReceived) EventMethod() string   { return "Network.responseReceived" }
func (LoadingFailed) EventMethod() string      { return "Network.loadingFailed" }
func (FrameNavigated) EventMethod() string     { return "Page.frameNavigated" }
func (LoadEventFired) EventMethod() string     { return "Page.loadEventFired" }
func (p UnknownParams) EventMethod() string    { return p.Method }

var paramDecoders = map[string]func(json.RawMessage) (EventParams, error){
	"Target.targetCreated":      decodeAs[TargetCreated],
	"Target.targetDestroyed":    decodeAs[TargetDestroyed],
	"Target.targetInfoChanged":  decodeAs[TargetInfoChanged],
	"Target.attachedToTarget":   decodeAs[AttachedToTarget],
	"Target.detachedFromTarget": decodeAs[DetachedFromTarget],
	"Runtime.consoleAPICalled":  decodeAs[ConsoleAPICalled],
	"Runtime.exceptionThrown":   decodeAs[ExceptionThrown],
	"Network.requestWillBeSent": decodeAs[RequestWillBeSent],
	"Network.responseReceived":  decodeAs[ResponseReceived],
	"Network.loadingFailed":     decodeAs[LoadingFailed],
	"Page.frameNavigated":       decodeAs[FrameNavigated],
	"Page.loadEventFired":       decodeAs[LoadEventFired],
}

func decodeAs[T EventParams](raw json.RawMessage) (EventParams, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Decode returns the typed params for e.
func (e Event) Decode() (EventParams, error) {
	decode, ok := paramDecoders[e.Method]
	if !ok {
		return UnknownParams{Method: e.Method, Raw: e.Params}, nil
	}
	p, err := decode(e.Params)
	if err != nil {
		return nil, &ProtocolError{Method: e.Method, SessionID: e.SessionID, Err: fmt.Errorf("malformed event params: %w", err)}
	}
	return p, nil
}
