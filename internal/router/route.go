package router

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/standardbeagle/devbridge/internal/message"
)

// Handler processes a routed message. A non-nil returned message is fed
// back into Process.
type Handler func(ctx context.Context, msg *message.Message) (*message.Message, error)

// ErrorHandler receives transform and handler failures.
type ErrorHandler func(ctx context.Context, msg *message.Message, err error)

// Route selects messages by source, type and an optional predicate. Empty
// filters match everything. Higher Priority wins; ties go to the route
// registered first.
type Route struct {
	ID           string
	Name         string
	SourceFilter []string
	TypeFilter   []message.Type
	CustomFilter func(*message.Message) bool
	Handler      Handler
	Priority     int
	Disabled     bool

	seq uint64
}

func (r *Route) matches(msg *message.Message) bool {
	if r.Disabled {
		return false
	}
	if len(r.SourceFilter) > 0 && !slices.Contains(r.SourceFilter, msg.Source) {
		return false
	}
	if len(r.TypeFilter) > 0 && !slices.Contains(r.TypeFilter, msg.Type) {
		return false
	}
	if r.CustomFilter != nil && !r.CustomFilter(msg) {
		return false
	}
	return true
}

func (r *Route) label() string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}

// ConfigurationError reports invalid router or gateway configuration.
type ConfigurationError struct {
	Component string
	Field     string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid %s configuration: %s", e.Component, e.Reason)
	}
	return fmt.Sprintf("invalid %s configuration: %s: %s", e.Component, e.Field, e.Reason)
}

var (
	ErrRouteNotFound = errors.New("route not found")
	ErrChainTooDeep  = errors.New("handler chain too deep")
	ErrStopped       = errors.New("router stopped")
)

// RouteError wraps a handler failure with the route that produced it.
type RouteError struct {
	RouteID string
	Err     error
}

func (e *RouteError) Error() string {
	return fmt.Sprintf("route %s: %v", e.RouteID, e.Err)
}

func (e *RouteError) Unwrap() error { return e.Err }

// PanicError is returned when a handler panics.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}
