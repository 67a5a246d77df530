// Package bridge connects tool-side JSON-RPC traffic to the inspector through
// the message router. Tool requests become inspector commands, command
// results become responses, and inspector events become notifications.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/standardbeagle/devbridge/internal/inspector"
	"github.com/standardbeagle/devbridge/internal/message"
	"github.com/standardbeagle/devbridge/internal/router"
	"github.com/standardbeagle/devbridge/internal/transform"
	"github.com/standardbeagle/devbridge/pkg/events"
)

// Route ids installed by New.
const (
	RouteCommand      = "inspector-command"
	RouteResult       = "inspector-result"
	RouteResponse     = "tool-response"
	RouteNotification = "tool-notification"
	RouteCatchAll     = "catch-all"
)

const (
	metaCorrelation = "correlation_id"

	// MethodList is answered locally with the mapped tool methods.
	MethodList = "bridge/methods"

	DefaultCallTimeout = 30 * time.Second
)

// NotificationSink receives tool notifications. Sinks run on the inspector
// dispatcher goroutine and must not block.
type NotificationSink func(Notification)

type waiter struct {
	id json.RawMessage
	ch chan *Response
}

type Bridge struct {
	manager     *inspector.Manager
	router      *router.Router
	table       *transform.MethodTable
	log         *zap.Logger
	callTimeout time.Duration
	catchAll    bool

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	waiters  map[string]*waiter
	sinks    map[uint64]NotificationSink
	nextSink uint64

	managerSub events.HandlerID
	routerSub  events.HandlerID
	closeOnce  sync.Once
}

type Option func(*Bridge)

func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.log = l
		}
	}
}

// WithMethodTable replaces transform.DefaultMethodTable.
func WithMethodTable(t *transform.MethodTable) Option {
	return func(b *Bridge) { b.table = t }
}

// WithCallTimeout bounds how long Call waits for a correlated response.
func WithCallTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.callTimeout = d
		}
	}
}

// WithCatchAll installs a lowest priority route that logs messages no other
// route takes, so they are neither queued nor dropped.
func WithCatchAll(enabled bool) Option {
	return func(b *Bridge) { b.catchAll = enabled }
}

// New wires m and r together: it installs the protocol mapping transform and
// the standard routes on r and starts lifting inspector events into r.
func New(m *inspector.Manager, r *router.Router, opts ...Option) (*Bridge, error) {
	b := &Bridge{
		manager:     m,
		router:      r,
		log:         zap.NewNop(),
		callTimeout: DefaultCallTimeout,
		waiters:     make(map[string]*waiter),
		sinks:       make(map[uint64]NotificationSink),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.table == nil {
		b.table = transform.DefaultMethodTable()
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())

	r.AddTransform(transform.ProtocolMapping(b.table))

	routes := []router.Route{
		{
			ID:         RouteCommand,
			Name:       "Inspector commands",
			TypeFilter: []message.Type{message.TypeCommand},
			Handler:    b.handleCommand,
		},
		{
			ID:         RouteResult,
			Name:       "Inspector results",
			TypeFilter: []message.Type{message.TypeResult},
			Handler:    b.handleResult,
		},
		{
			ID:         RouteResponse,
			Name:       "Tool responses",
			TypeFilter: []message.Type{message.TypeResponse},
			Handler:    b.handleResponse,
		},
		{
			ID:         RouteNotification,
			Name:       "Tool notifications",
			TypeFilter: []message.Type{message.TypeNotification},
			Handler:    b.handleNotification,
		},
	}
	if b.catchAll {
		routes = append(routes, router.Route{
			ID:       RouteCatchAll,
			Name:     "Catch-all",
			Priority: math.MinInt,
			Handler:  b.handleUnrouted,
		})
	}
	for _, route := range routes {
		if err := r.AddRoute(route); err != nil {
			return nil, fmt.Errorf("install route %s: %w", route.ID, err)
		}
	}

	b.routerSub = r.Subscribe(router.MessageDropped, func(e events.Event) {
		if d, ok := e.(router.DroppedEvent); ok {
			b.dropped(d)
		}
	})
	b.managerSub = m.Subscribe(inspector.EventReceived, func(n inspector.Notice) {
		if ev, ok := n.(inspector.EventNotice); ok {
			b.lift(ev.Event)
		}
	})
	return b, nil
}

// Close detaches the bridge from the manager and router and fails pending
// calls. It does not stop either of them.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		b.manager.Unsubscribe(b.managerSub)
		b.router.Unsubscribe(b.routerSub)
		b.cancel()

		b.mu.Lock()
		waiters := b.waiters
		b.waiters = make(map[string]*waiter)
		b.sinks = make(map[uint64]NotificationSink)
		b.mu.Unlock()

		for _, w := range waiters {
			w.ch <- errorResponse(w.id, &message.RPCError{Code: CodeStopped, Message: "bridge closed"})
		}
	})
}

func (b *Bridge) Manager() *inspector.Manager { return b.manager }
func (b *Bridge) Router() *router.Router      { return b.router }
func (b *Bridge) Methods() []string           { return b.table.ToolMethods() }

// AddSink registers fn for tool notifications. The returned func removes it.
func (b *Bridge) AddSink(fn NotificationSink) (remove func()) {
	b.mu.Lock()
	b.nextSink++
	id := b.nextSink
	b.sinks[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.sinks, id)
		b.mu.Unlock()
	}
}

// Call runs req through the router and waits for its correlated response.
// Notifications return nil once processed.
func (b *Bridge) Call(ctx context.Context, req Request) *Response {
	if resp := b.precheck(req); resp != nil {
		if req.IsNotification() {
			return nil
		}
		return resp
	}

	msg, w := b.prepare(req)
	if w != nil {
		defer b.forget(msg.Meta(metaCorrelation))
	}

	if err := b.router.Process(ctx, msg); err != nil {
		if w == nil {
			b.log.Debug("Notification request failed", zap.String("method", req.Method), zap.Error(err))
			return nil
		}
		return errorResponse(req.ID, rpcError(err))
	}
	if w == nil {
		return nil
	}
	return b.await(ctx, w)
}

// CallBatch processes reqs concurrently through Router.ProcessBatch and
// returns the responses in request order, skipping notifications.
func (b *Bridge) CallBatch(ctx context.Context, reqs []Request) []*Response {
	responses := make([]*Response, len(reqs))
	msgs := make([]*message.Message, 0, len(reqs))
	index := make([]int, 0, len(reqs))
	waiters := make([]*waiter, len(reqs))

	for i, req := range reqs {
		if resp := b.precheck(req); resp != nil {
			if !req.IsNotification() {
				responses[i] = resp
			}
			continue
		}
		msg, w := b.prepare(req)
		if w != nil {
			defer b.forget(msg.Meta(metaCorrelation))
		}
		waiters[i] = w
		msgs = append(msgs, msg)
		index = append(index, i)
	}

	errs := b.router.ProcessBatch(ctx, msgs)
	for j, err := range errs {
		i := index[j]
		if err != nil && waiters[i] != nil {
			responses[i] = errorResponse(reqs[i].ID, rpcError(err))
			waiters[i] = nil
		}
	}
	for i, w := range waiters {
		if w != nil {
			responses[i] = b.await(ctx, w)
		}
	}

	out := responses[:0]
	for _, resp := range responses {
		if resp != nil {
			out = append(out, resp)
		}
	}
	return out
}

// precheck answers requests that never reach the router: malformed ones,
// local methods and methods without a mapping.
func (b *Bridge) precheck(req Request) *Response {
	if req.JSONRPC != "" && req.JSONRPC != jsonrpcVersion {
		return errorResponse(req.ID, &message.RPCError{Code: message.CodeInvalidRequest, Message: fmt.Sprintf("unsupported jsonrpc version %q", req.JSONRPC)})
	}
	if req.Method == "" {
		return errorResponse(req.ID, &message.RPCError{Code: message.CodeInvalidRequest, Message: "missing method"})
	}
	if len(req.Params) > 0 && !json.Valid(req.Params) {
		return errorResponse(req.ID, &message.RPCError{Code: message.CodeInvalidParams, Message: "params are not valid JSON"})
	}
	if req.Method == MethodList {
		data, _ := json.Marshal(map[string]any{"methods": b.table.ToolMethods()})
		return resultResponse(req.ID, data)
	}
	if _, ok := b.table.Command(req.Method); !ok {
		return errorResponse(req.ID, &message.RPCError{Code: message.CodeMethodNotFound, Message: "method not found: " + req.Method})
	}
	return nil
}

func (b *Bridge) prepare(req Request) (*message.Message, *waiter) {
	corr := uuid.NewString()
	msg := message.New(message.SourceTool,
		message.RequestPayload{ID: req.ID, Method: req.Method, Params: req.Params},
		message.WithTarget(transform.TargetInspector),
		message.WithMetadata(map[string]any{metaCorrelation: corr}),
	)
	if req.IsNotification() {
		return msg, nil
	}

	w := &waiter{id: req.ID, ch: make(chan *Response, 1)}
	b.mu.Lock()
	b.waiters[corr] = w
	b.mu.Unlock()
	return msg, w
}

func (b *Bridge) await(ctx context.Context, w *waiter) *Response {
	ctx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()
	select {
	case resp := <-w.ch:
		return resp
	case <-ctx.Done():
		return errorResponse(w.id, &message.RPCError{Code: CodeTimeout, Message: "no response: " + ctx.Err().Error()})
	}
}

func (b *Bridge) forget(corr string) {
	b.mu.Lock()
	delete(b.waiters, corr)
	b.mu.Unlock()
}

// resolve delivers resp to the waiter for corr, if one is still waiting.
func (b *Bridge) resolve(corr string, build func(id json.RawMessage) *Response) bool {
	if corr == "" {
		return false
	}
	b.mu.Lock()
	w, ok := b.waiters[corr]
	delete(b.waiters, corr)
	b.mu.Unlock()
	if !ok {
		return false
	}
	w.ch <- build(w.id)
	return true
}

func (b *Bridge) dropped(d router.DroppedEvent) {
	corr := d.Message.Meta(metaCorrelation)
	b.resolve(corr, func(id json.RawMessage) *Response {
		return errorResponse(id, &message.RPCError{Code: CodeDropped, Message: "request dropped: " + d.Reason})
	})
}

func (b *Bridge) handleCommand(ctx context.Context, msg *message.Message) (*message.Message, error) {
	p, ok := msg.Payload.(message.CommandPayload)
	if !ok {
		return nil, fmt.Errorf("command route got %T", msg.Payload)
	}

	cmd := inspector.Command{Method: p.Method, SessionID: p.SessionID}
	if len(p.Params) > 0 {
		cmd.Params = p.Params
	}
	res, err := b.manager.Send(ctx, cmd)
	if err != nil {
		return nil, err
	}

	result := message.ResultPayload{
		CommandID: res.ID,
		Method:    p.Method,
		Result:    res.Result,
		SessionID: res.SessionID,
		RequestID: p.RequestID,
	}
	if res.Error != nil {
		result.Error = &message.RPCError{Code: res.Error.Code, Message: res.Error.Message, Data: dataOrNil(res.Error.Data)}
	}
	return message.New(message.SourceInspector, result,
		message.WithTarget(transform.TargetTool),
		message.WithSession(p.SessionID),
		message.WithPriority(msg.Priority),
		message.WithMetadata(msg.Metadata),
	), nil
}

// handleResult turns a command result into the tool response, which the
// router feeds to the response route.
func (b *Bridge) handleResult(_ context.Context, msg *message.Message) (*message.Message, error) {
	p, ok := msg.Payload.(message.ResultPayload)
	if !ok {
		return nil, fmt.Errorf("result route got %T", msg.Payload)
	}
	resp := message.ResponsePayload{ID: p.RequestID, Error: p.Error}
	if p.Error == nil {
		resp.Result = p.Result
	}
	return message.New(message.SourceRouter, resp,
		message.WithTarget(transform.TargetTool),
		message.WithSession(msg.SessionID),
		message.WithPriority(msg.Priority),
		message.WithMetadata(msg.Metadata),
	), nil
}

func (b *Bridge) handleResponse(_ context.Context, msg *message.Message) (*message.Message, error) {
	p, ok := msg.Payload.(message.ResponsePayload)
	if !ok {
		return nil, fmt.Errorf("response route got %T", msg.Payload)
	}
	delivered := b.resolve(msg.Meta(metaCorrelation), func(id json.RawMessage) *Response {
		if p.Error != nil {
			return errorResponse(id, p.Error)
		}
		return resultResponse(id, p.Result)
	})
	if !delivered {
		b.log.Debug("Response without waiter", zap.String("message", msg.ID))
	}
	return nil, nil
}

func (b *Bridge) handleNotification(_ context.Context, msg *message.Message) (*message.Message, error) {
	p, ok := msg.Payload.(message.NotificationPayload)
	if !ok {
		return nil, fmt.Errorf("notification route got %T", msg.Payload)
	}
	n := Notification{JSONRPC: jsonrpcVersion, Method: p.Method, Params: p.Params}

	b.mu.Lock()
	sinks := make([]NotificationSink, 0, len(b.sinks))
	for _, s := range b.sinks {
		sinks = append(sinks, s)
	}
	b.mu.Unlock()

	for _, sink := range sinks {
		sink(n)
	}
	return nil, nil
}

func (b *Bridge) handleUnrouted(_ context.Context, msg *message.Message) (*message.Message, error) {
	b.log.Debug("Unrouted message",
		zap.String("message", msg.ID),
		zap.String("type", string(msg.Type)),
		zap.String("method", msg.Method()))
	return nil, nil
}

// lift runs on the inspector dispatcher goroutine.
func (b *Bridge) lift(ev inspector.Event) {
	msg := message.New(message.SourceInspector,
		message.EventPayload{Method: ev.Method, Params: ev.Params, SessionID: ev.SessionID},
		message.WithSession(ev.SessionID),
		message.WithTarget(transform.TargetTool),
		message.WithPriority(eventPriority(ev)),
	)
	msg.Timestamp = ev.Timestamp
	if err := b.router.Process(b.ctx, msg); err != nil && !errors.Is(err, router.ErrStopped) {
		b.log.Warn("Event routing failed", zap.String("method", ev.Method), zap.Error(err))
	}
}

func eventPriority(ev inspector.Event) message.Priority {
	switch ev.Method {
	case "Inspector.targetCrashed":
		return message.PriorityImmediate
	case "Runtime.exceptionThrown":
		return message.PriorityHigh
	case "Log.entryAdded":
		if gjson.GetBytes(ev.Params, "entry.level").String() == "error" {
			return message.PriorityHigh
		}
	}
	return message.PriorityNormal
}

// Stats is the payload of the /stats endpoint and the router_stats tool.
type Stats struct {
	Router    router.Statistics       `json:"router"`
	Queue     int                     `json:"queueLength"`
	Inspector map[string]interface{}  `json:"inspector"`
	Sessions  []inspector.SessionInfo `json:"sessions"`
}

func (b *Bridge) Stats() Stats {
	return Stats{
		Router:    b.router.GetStatistics(),
		Queue:     b.router.QueueLength(),
		Inspector: b.manager.Stats(),
		Sessions:  b.Sessions(),
	}
}

func (b *Bridge) Sessions() []inspector.SessionInfo {
	sessions := b.manager.GetAllSessions()
	out := make([]inspector.SessionInfo, len(sessions))
	for i, s := range sessions {
		out[i] = s.Info()
	}
	return out
}

// Session returns the session with id, or the oldest session when id is
// empty.
func (b *Bridge) Session(id string) (*inspector.Session, error) {
	if id != "" {
		if s := b.manager.GetSession(id); s != nil {
			return s, nil
		}
		return nil, &inspector.ProtocolError{SessionID: id, Err: inspector.ErrInvalidSession}
	}
	sessions := b.manager.GetAllSessions()
	if len(sessions) == 0 {
		return nil, errors.New("no attached session; attach to a target first")
	}
	return sessions[0], nil
}
