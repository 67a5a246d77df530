// Package router matches messages to routes and dispatches them to handlers,
// keeping per-type and per-source statistics.
package router

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/standardbeagle/devbridge/internal/message"
	"github.com/standardbeagle/devbridge/internal/transform"
	"github.com/standardbeagle/devbridge/pkg/events"
)

// QueueConfig controls buffering of messages no route matched.
type QueueConfig struct {
	Enabled         bool
	MaxSize         int
	ProcessInterval time.Duration
}

// Config is the router's initial setup. Routes and Transforms can also be
// added later.
type Config struct {
	Routes         []Route
	DefaultHandler Handler
	ErrorHandler   ErrorHandler
	Transforms     []transform.Transform
	Queue          QueueConfig
	// MaxChainDepth bounds how many times handler output is fed back into
	// Process for one inbound message.
	MaxChainDepth int
}

const (
	DefaultMaxChainDepth   = 16
	DefaultQueueSize       = 1000
	DefaultProcessInterval = 100 * time.Millisecond
)

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger; nil keeps the no-op default.
func WithLogger(l *zap.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.log = l
		}
	}
}

// WithPipeline replaces the transform pipeline. Config.Transforms are added
// to it.
func WithPipeline(p *transform.Pipeline) Option {
	return func(r *Router) { r.pipeline = p }
}

type depthKey struct{}

// drainedKey marks a re-submission from the queue, already tallied once.
type drainedKey struct{}

// Router owns its routes, queue and statistics; all three are guarded by mu.
type Router struct {
	log      *zap.Logger
	pipeline *transform.Pipeline
	bus      *events.Bus[events.Event]

	defaultHandler Handler
	errorHandler   ErrorHandler
	queueCfg       QueueConfig
	maxDepth       int

	mu      sync.Mutex
	routes  []*Route
	nextSeq uint64
	queue   []*message.Message
	stats   *stats
	stopped bool

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// New builds a router and starts the queue drain ticker when queueing is
// enabled.
func New(cfg Config, opts ...Option) (*Router, error) {
	r := &Router{
		log:            zap.NewNop(),
		bus:            events.NewBus[events.Event](),
		defaultHandler: cfg.DefaultHandler,
		errorHandler:   cfg.ErrorHandler,
		queueCfg:       cfg.Queue,
		maxDepth:       cfg.MaxChainDepth,
		stats:          newStats(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.pipeline == nil {
		r.pipeline = transform.NewPipeline()
	}
	for _, t := range cfg.Transforms {
		r.pipeline.Add(t)
	}
	if r.maxDepth <= 0 {
		r.maxDepth = DefaultMaxChainDepth
	}
	if r.queueCfg.Enabled {
		if r.queueCfg.MaxSize <= 0 {
			r.queueCfg.MaxSize = DefaultQueueSize
		}
		if r.queueCfg.ProcessInterval <= 0 {
			r.queueCfg.ProcessInterval = DefaultProcessInterval
		}
	}
	for _, route := range cfg.Routes {
		if err := r.AddRoute(route); err != nil {
			return nil, err
		}
	}

	r.bus.OnPanic(func(kind events.EventType, id events.HandlerID, v any) {
		r.log.Error("Router listener panicked",
			zap.String("event", string(kind)),
			zap.Stringer("handler", id),
			zap.Any("panic", v))
	})

	if r.queueCfg.Enabled {
		ctx, cancel := context.WithCancel(context.Background())
		r.cancel = cancel
		r.done = make(chan struct{})
		go r.drainLoop(ctx)
	}
	return r, nil
}

// Process runs msg through the transform pipeline and dispatches it to the
// first matching route. Handler output is processed in turn.
func (r *Router) Process(ctx context.Context, msg *message.Message) error {
	depth, _ := ctx.Value(depthKey{}).(int)
	if depth > r.maxDepth {
		r.fail(ctx, msg, "", ErrChainTooDeep)
		return ErrChainTooDeep
	}

	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		r.mu.Lock()
		r.stats.samples.Push(elapsed)
		r.mu.Unlock()
	}()

	r.mu.Lock()
	if r.stopped {
		r.stats.drop(ReasonStopped)
		r.mu.Unlock()
		return ErrStopped
	}
	if drained, _ := ctx.Value(drainedKey{}).(bool); !drained {
		r.stats.Received++
		r.stats.ByType[msg.Type]++
		r.stats.BySource[msg.Source]++
	}
	r.mu.Unlock()

	out, err := r.pipeline.Run(ctx, msg)
	if err != nil {
		r.fail(ctx, msg, "", err)
		return err
	}
	if out == nil {
		r.drop(msg, ReasonFiltered)
		return nil
	}
	if out != msg {
		r.mu.Lock()
		r.stats.Transformed++
		r.mu.Unlock()
	}

	route := r.match(out)
	if route == nil {
		return r.unmatched(ctx, out)
	}

	next, err := r.invoke(ctx, route.Handler, out)
	if err != nil {
		// the next matching route is deliberately not tried
		r.fail(ctx, out, route.ID, err)
		r.log.Error("Route handler failed",
			zap.String("route", route.label()),
			zap.String("message", out.ID),
			zap.Error(err))
		return &RouteError{RouteID: route.ID, Err: err}
	}

	r.mu.Lock()
	r.stats.Routed++
	r.mu.Unlock()
	r.bus.Publish(RoutedEvent{Message: out, RouteID: route.ID})

	if next != nil {
		return r.Process(context.WithValue(ctx, depthKey{}, depth+1), next)
	}
	return nil
}

// match returns the highest priority enabled route that accepts msg.
func (r *Router) match(msg *message.Message) *Route {
	r.mu.Lock()
	routes := slices.Clone(r.routes)
	r.mu.Unlock()

	var best *Route
	for _, route := range routes {
		if !route.matches(msg) {
			continue
		}
		if best == nil || route.Priority > best.Priority ||
			route.Priority == best.Priority && route.seq < best.seq {
			best = route
		}
	}
	return best
}

func (r *Router) unmatched(ctx context.Context, msg *message.Message) error {
	if r.defaultHandler != nil {
		next, err := r.invoke(ctx, r.defaultHandler, msg)
		if err != nil {
			r.fail(ctx, msg, "default", err)
			return &RouteError{RouteID: "default", Err: err}
		}
		r.mu.Lock()
		r.stats.Routed++
		r.mu.Unlock()
		r.bus.Publish(RoutedEvent{Message: msg, RouteID: "default"})
		if next != nil {
			depth, _ := ctx.Value(depthKey{}).(int)
			return r.Process(context.WithValue(ctx, depthKey{}, depth+1), next)
		}
		return nil
	}

	if r.queueCfg.Enabled {
		r.mu.Lock()
		if len(r.queue) < r.queueCfg.MaxSize {
			r.queue = append(r.queue, msg)
			r.stats.Queued++
			r.mu.Unlock()
			r.log.Debug("Message queued", zap.String("message", msg.ID), zap.String("method", msg.Method()))
			return nil
		}
		r.mu.Unlock()
		r.drop(msg, ReasonQueueFull)
		return nil
	}

	r.drop(msg, ReasonNoRoute)
	return nil
}

func (r *Router) invoke(ctx context.Context, h Handler, msg *message.Message) (out *message.Message, err error) {
	defer func() {
		if v := recover(); v != nil {
			out, err = nil, &PanicError{Value: v}
		}
	}()
	return h(ctx, msg)
}

func (r *Router) drop(msg *message.Message, reason string) {
	r.mu.Lock()
	r.stats.drop(reason)
	r.mu.Unlock()
	r.log.Debug("Message dropped",
		zap.String("message", msg.ID),
		zap.String("method", msg.Method()),
		zap.String("reason", reason))
	r.bus.Publish(DroppedEvent{Message: msg, Reason: reason})
}

func (r *Router) fail(ctx context.Context, msg *message.Message, routeID string, err error) {
	r.mu.Lock()
	r.stats.Errors++
	r.mu.Unlock()
	r.bus.Publish(FailedEvent{Message: msg, RouteID: routeID, Err: err})
	if r.errorHandler != nil {
		r.errorHandler(ctx, msg, err)
	}
}

// ProcessBatch processes msgs concurrently and waits for all of them. The
// returned slice holds each message's error at its index.
func (r *Router) ProcessBatch(ctx context.Context, msgs []*message.Message) []error {
	errs := make([]error, len(msgs))
	var g errgroup.Group
	for i, msg := range msgs {
		g.Go(func() error {
			errs[i] = r.Process(ctx, msg)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func (r *Router) drainLoop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.queueCfg.ProcessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if msg := r.dequeue(); msg != nil {
				_ = r.Process(context.WithValue(ctx, drainedKey{}, true), msg)
			}
		}
	}
}

func (r *Router) dequeue() *message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return nil
	}
	msg := r.queue[0]
	r.queue[0] = nil
	r.queue = r.queue[1:]
	return msg
}

// AddRoute registers route. Routes without an ID get a generated one.
func (r *Router) AddRoute(route Route) error {
	if route.Handler == nil {
		return &ConfigurationError{Component: "router", Field: "route " + route.label() + ".handler", Reason: "handler is required"}
	}
	if route.ID == "" {
		route.ID = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.routes {
		if existing.ID == route.ID {
			return &ConfigurationError{Component: "router", Field: "route " + route.ID, Reason: "duplicate route id"}
		}
	}
	r.nextSeq++
	route.seq = r.nextSeq
	r.routes = append(r.routes, &route)
	return nil
}

// RemoveRoute deletes the route with id and reports whether it existed.
func (r *Router) RemoveRoute(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, route := range r.routes {
		if route.ID == id {
			r.routes = slices.Delete(slices.Clone(r.routes), i, i+1)
			return true
		}
	}
	return false
}

// EnableRoute and DisableRoute toggle a route without changing its place in
// the priority order.
func (r *Router) EnableRoute(id string) error  { return r.setDisabled(id, false) }
func (r *Router) DisableRoute(id string) error { return r.setDisabled(id, true) }

func (r *Router) setDisabled(id string, disabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, route := range r.routes {
		if route.ID == id {
			// routes are shared with in-flight match snapshots; replace, don't mutate
			updated := *route
			updated.Disabled = disabled
			r.routes = slices.Clone(r.routes)
			r.routes[i] = &updated
			return nil
		}
	}
	return &RouteError{RouteID: id, Err: ErrRouteNotFound}
}

// GetRoutes returns copies of the registered routes in registration order.
func (r *Router) GetRoutes() []Route {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Route, len(r.routes))
	for i, route := range r.routes {
		out[i] = *route
	}
	return out
}

// AddTransform appends t to the pipeline.
func (r *Router) AddTransform(t transform.Transform) {
	r.pipeline.Add(t)
}

// GetStatistics returns a snapshot of the counters.
func (r *Router) GetStatistics() Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats.snapshot()
}

func (r *Router) ResetStatistics() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.reset()
}

func (r *Router) QueueLength() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Subscribe registers a listener for MessageRouted, MessageDropped or
// RouteFailed.
func (r *Router) Subscribe(kind events.EventType, h events.Handler[events.Event]) events.HandlerID {
	return r.bus.Subscribe(kind, h)
}

func (r *Router) SubscribeAll(h events.Handler[events.Event]) events.HandlerID {
	return r.bus.SubscribeAll(h)
}

func (r *Router) Unsubscribe(id events.HandlerID) bool {
	return r.bus.Unsubscribe(id)
}

// Stop halts the drain ticker and detaches all listeners. Queued messages are
// discarded. Safe to call more than once.
func (r *Router) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.stopped = true
		r.queue = nil
		r.mu.Unlock()

		if r.cancel != nil {
			r.cancel()
			<-r.done
		}
		r.bus.UnsubscribeAll()
	})
}
