package router

import (
	"github.com/standardbeagle/devbridge/internal/message"
	"github.com/standardbeagle/devbridge/pkg/events"
)

const (
	MessageRouted  events.EventType = "router.message_routed"
	MessageDropped events.EventType = "router.message_dropped"
	RouteFailed    events.EventType = "router.route_failed"
)

type RoutedEvent struct {
	Message *message.Message
	RouteID string
}

func (RoutedEvent) Type() events.EventType { return MessageRouted }

type DroppedEvent struct {
	Message *message.Message
	Reason  string
}

func (DroppedEvent) Type() events.EventType { return MessageDropped }

type FailedEvent struct {
	Message *message.Message
	RouteID string
	Err     error
}

func (FailedEvent) Type() events.EventType { return RouteFailed }
