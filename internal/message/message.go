// Package message defines the envelope that flows through the router. A
// message carries exactly one payload and its Type is derived from that
// payload, so the two never disagree.
package message

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeRequest      Type = "request"
	TypeResponse     Type = "response"
	TypeNotification Type = "notification"
	TypeCommand      Type = "command"
	TypeResult       Type = "result"
	TypeEvent        Type = "event"
	TypeInternal     Type = "internal"
)

type Priority string

const (
	PriorityImmediate Priority = "immediate"
	PriorityHigh      Priority = "high"
	PriorityNormal    Priority = "normal"
	PriorityLow       Priority = "low"
)

// Well known sources and targets.
const (
	SourceTool      = "tool"
	SourceInspector = "inspector"
	SourceRouter    = "router"
)

// IDGenerator produces message IDs. Tests may replace it.
type IDGenerator func() string

// DefaultIDGenerator returns random uuid v4 strings.
var DefaultIDGenerator IDGenerator = uuid.NewString

type Message struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Source    string         `json:"source"`
	Target    string         `json:"target,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Priority  Priority       `json:"priority"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   Payload        `json:"payload"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type Option func(*Message)

func WithTarget(target string) Option {
	return func(m *Message) { m.Target = target }
}

func WithSession(sessionID string) Option {
	return func(m *Message) { m.SessionID = sessionID }
}

func WithPriority(p Priority) Option {
	return func(m *Message) { m.Priority = p }
}

// WithMetadata merges md into the message metadata.
func WithMetadata(md map[string]any) Option {
	return func(m *Message) {
		if len(md) == 0 {
			return
		}
		if m.Metadata == nil {
			m.Metadata = make(map[string]any, len(md))
		}
		maps.Copy(m.Metadata, md)
	}
}

// WithIDGenerator overrides DefaultIDGenerator for one message.
func WithIDGenerator(gen IDGenerator) Option {
	return func(m *Message) { m.ID = gen() }
}

// New builds a message around payload. The message type is payload.Kind().
func New(source string, payload Payload, opts ...Option) *Message {
	m := &Message{
		Type:      payload.Kind(),
		Source:    source,
		Priority:  PriorityNormal,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.ID == "" {
		m.ID = DefaultIDGenerator()
	}
	return m
}

// Method returns the payload method, or "" for payloads without one.
func (m *Message) Method() string {
	if m == nil || m.Payload == nil {
		return ""
	}
	if mp, ok := m.Payload.(interface{ method() string }); ok {
		return mp.method()
	}
	return ""
}

// Params returns the payload params, or nil for payloads without params.
func (m *Message) Params() json.RawMessage {
	switch p := m.Payload.(type) {
	case RequestPayload:
		return p.Params
	case NotificationPayload:
		return p.Params
	case CommandPayload:
		return p.Params
	case EventPayload:
		return p.Params
	}
	return nil
}

// WithParams returns a clone whose payload params are replaced. Messages whose
// payload has no params are returned as is.
func (m *Message) WithParams(params json.RawMessage) *Message {
	switch p := m.Payload.(type) {
	case RequestPayload:
		p.Params = params
		return m.WithPayload(p)
	case NotificationPayload:
		p.Params = params
		return m.WithPayload(p)
	case CommandPayload:
		p.Params = params
		return m.WithPayload(p)
	case EventPayload:
		p.Params = params
		return m.WithPayload(p)
	}
	return m
}

// Clone returns a copy with its own metadata map. Payloads are values and are
// shared.
func (m *Message) Clone() *Message {
	c := *m
	if m.Metadata != nil {
		c.Metadata = maps.Clone(m.Metadata)
	}
	return &c
}

// WithPayload returns a clone carrying p, with Type updated to match.
func (m *Message) WithPayload(p Payload) *Message {
	c := m.Clone()
	c.Payload = p
	c.Type = p.Kind()
	return c
}

// Meta returns a metadata value as a string when present.
func (m *Message) Meta(key string) string {
	if m.Metadata == nil {
		return ""
	}
	s, _ := m.Metadata[key].(string)
	return s
}
