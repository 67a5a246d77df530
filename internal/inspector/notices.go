package inspector

import (
	"time"

	"github.com/standardbeagle/devbridge/pkg/events"
)

// Kinds of notices published on the Manager's bus.
const (
	EventReceived       events.EventType = "inspector.event"
	StateChanged        events.EventType = "connection.state_changed"
	ReconnectScheduled  events.EventType = "connection.reconnect_scheduled"
	ConnectionFailed    events.EventType = "connection.failed"
	TargetCreatedKind   events.EventType = "target.created"
	TargetDestroyedKind events.EventType = "target.destroyed"
	TargetChangedKind   events.EventType = "target.info_changed"
	SessionCreated      events.EventType = "session.created"
	SessionDestroyed    events.EventType = "session.destroyed"
	SessionEvent        events.EventType = "session.event"
)

// Notice is anything published on the Manager's bus.
type Notice = events.Event

// EventNotice wraps every inspector event, before session delivery.
type EventNotice struct {
	Event Event
}

func (EventNotice) Type() events.EventType { return EventReceived }

// StateNotice reports a connection state transition.
type StateNotice struct {
	Transition StateTransition
}

func (StateNotice) Type() events.EventType { return StateChanged }

type ReconnectNotice struct {
	Attempt int
	Delay   time.Duration
}

func (ReconnectNotice) Type() events.EventType { return ReconnectScheduled }

// FailureNotice is published once retries are exhausted or disabled.
type FailureNotice struct {
	Err *ConnectionError
}

func (FailureNotice) Type() events.EventType { return ConnectionFailed }

// TargetNotice reports target discovery changes. Kind is one of
// TargetCreatedKind, TargetDestroyedKind or TargetChangedKind.
type TargetNotice struct {
	Kind   events.EventType
	Target TargetInfo
}

func (n TargetNotice) Type() events.EventType { return n.Kind }

// SessionNotice reports session creation or destruction.
type SessionNotice struct {
	Kind      events.EventType
	SessionID string
	Target    TargetInfo
}

func (n SessionNotice) Type() events.EventType { return n.Kind }

// SessionEventNotice is published for each event a Session handles.
type SessionEventNotice struct {
	SessionID string
	Event     Event
}

func (SessionEventNotice) Type() events.EventType { return SessionEvent }
