package inspector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/standardbeagle/devbridge/internal/buffer"
	"github.com/standardbeagle/devbridge/pkg/events"
)

// ConnectionState is the state of the Manager's transport.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota // initial, or after Disconnect
	StateConnecting                          // resolving and dialing
	StateConnected                           // transport up, read loop running
	StateError                               // last attempt failed or transport lost
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StateTransition records a state change
type StateTransition struct {
	From      ConnectionState `json:"from"`
	To        ConnectionState `json:"to"`
	Timestamp time.Time       `json:"timestamp"`
	Reason    string          `json:"reason"`
}

const (
	maxStateHistory  = 100
	reconnectTimeout = 30 * time.Second
)

type pendingCommand struct {
	id        int64
	method    string
	sessionID string
	issuedAt  time.Time
	done      chan struct{}
	result    *Result
	err       error
}

func (p *pendingCommand) complete(res *Result, err error) {
	p.result = res
	p.err = err
	close(p.done)
}

// connection is the per-transport state. A new one is made on every
// successful dial.
type connection struct {
	transport Transport
	ctx       context.Context
	cancel    context.CancelFunc
	queue     *eventQueue
}

// Manager owns the inspector transport, the pending command table and the
// session table. All three are guarded by mu.
type Manager struct {
	cfg      Config
	dialer   Dialer
	resolver Resolver
	log      *zap.Logger
	bus      *events.Bus[Notice]
	events   *buffer.RingBuffer[Event]
	domains  *DomainRegistry

	nextID atomic.Int64

	mu          sync.Mutex
	state       ConnectionState
	history     []StateTransition
	stateCh     chan struct{} // closed and replaced on every transition
	conn        *connection
	endpoint    Endpoint
	sessions    map[string]*Session
	pending     map[int64]*pendingCommand
	rootDomains map[string]bool
	attempt     int
	retryTimer  *time.Timer
	epoch       uint64 // bumped by Disconnect to orphan in-flight connects
	lastErr     *ConnectionError

	rootDomainMu sync.Mutex
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithDialer replaces the default websocket dialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithResolver replaces the endpoint resolver that finds or launches a browser.
func WithResolver(r Resolver) Option {
	return func(m *Manager) { m.resolver = r }
}

// WithLogger sets the logger. A nil logger is ignored.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithEventBufferSize caps the retained event ring buffer.
func WithEventBufferSize(n int) Option {
	return func(m *Manager) { m.cfg.EventBufferSize = n }
}

// WithDomains sets the domains enabled on every new session.
func WithDomains(names ...string) Option {
	return func(m *Manager) { m.cfg.Domains = names }
}

// WithDomainRegistry replaces the registry of manageable domains.
func WithDomainRegistry(r *DomainRegistry) Option {
	return func(m *Manager) { m.domains = r }
}

// NewManager returns a disconnected Manager. Call Connect to dial the
// inspector; the Manager reconnects on its own after transport loss.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:         cfg.withDefaults(),
		dialer:      NewWebSocketDialer(),
		resolver:    NewEndpointResolver(),
		log:         zap.NewNop(),
		bus:         events.NewBus[Notice](),
		state:       StateDisconnected,
		stateCh:     make(chan struct{}),
		sessions:    make(map[string]*Session),
		pending:     make(map[int64]*pendingCommand),
		rootDomains: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg.EventBufferSize <= 0 {
		m.cfg.EventBufferSize = DefaultEventBufferSize
	}
	m.events = buffer.New[Event](m.cfg.EventBufferSize)

	if m.domains == nil {
		m.domains = NewDomainRegistry()
		RegisterDefaultDomains(m.domains, m)
	}
	for _, name := range m.cfg.Domains {
		if _, ok := m.domains.Get(name); !ok {
			m.domains.Register(NewDomain(name, m))
		}
	}

	m.bus.OnPanic(func(kind events.EventType, id events.HandlerID, r any) {
		m.log.Error("Notice handler panicked",
			zap.String("kind", string(kind)),
			zap.Stringer("handler", id),
			zap.Any("panic", r))
	})
	return m
}

// Connect resolves the endpoint and dials it. When the attempt fails and a
// retry is scheduled Connect returns nil; AwaitConnected reports the final
// outcome.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.lastErr != nil {
		// a manual connect after giving up starts a fresh schedule
		m.attempt = 0
		m.lastErr = nil
	}
	epoch := m.epoch
	m.mu.Unlock()

	return m.connect(ctx, epoch)
}

func (m *Manager) connect(ctx context.Context, epoch uint64) error {
	var out []Notice

	m.mu.Lock()
	if m.epoch != epoch || m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.transitionLocked(StateConnecting, "connect", &out)
	m.mu.Unlock()
	m.publish(out...)

	endpoint, err := m.resolver.Resolve(ctx, m.cfg.Connection)
	var t Transport
	if err == nil {
		m.log.Debug("Dialing inspector", zap.String("endpoint", endpoint.URL))
		t, err = m.dialer.Dial(ctx, endpoint)
	}
	if err != nil {
		return m.connectFailed(epoch, endpoint.URL, err)
	}

	out = out[:0]
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		t.Close()
		return newConnectionError(endpoint.URL, 0, fmt.Errorf("connect aborted: %w", ErrNotConnected))
	}
	cctx, cancel := context.WithCancel(context.Background())
	c := &connection{transport: t, ctx: cctx, cancel: cancel, queue: newEventQueue()}
	m.conn = c
	m.endpoint = endpoint
	m.attempt = 0
	m.lastErr = nil
	m.transitionLocked(StateConnected, "connected", &out)
	m.mu.Unlock()

	go m.readLoop(c)
	go m.dispatchLoop(c)

	m.log.Info("Connected to inspector",
		zap.String("endpoint", endpoint.URL),
		zap.String("browser", endpoint.Browser))
	m.publish(out...)

	if m.cfg.Connection.AutoAttach {
		if err := m.enableAutoAttach(ctx); err != nil {
			m.log.Warn("Auto-attach setup failed", zap.Error(err))
		}
	}
	return nil
}

func (m *Manager) enableAutoAttach(ctx context.Context) error {
	res, err := m.transmit(ctx, Command{
		Method: "Target.setDiscoverTargets",
		Params: map[string]any{"discover": true},
	})
	if err != nil {
		return err
	}
	if res.Error != nil {
		return &ProtocolError{Method: "Target.setDiscoverTargets", Err: res.Error}
	}

	res, err = m.transmit(ctx, Command{
		Method: "Target.setAutoAttach",
		Params: map[string]any{
			"autoAttach":             true,
			"waitForDebuggerOnStart": false,
			"flatten":                m.cfg.Connection.FlattenSessions,
		},
	})
	if err != nil {
		return err
	}
	if res.Error != nil {
		return &ProtocolError{Method: "Target.setAutoAttach", Err: res.Error}
	}
	return nil
}

func (m *Manager) connectFailed(epoch uint64, endpoint string, err error) error {
	var out []Notice

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return newConnectionError(endpoint, 0, err)
	}
	cerr := newConnectionError(endpoint, m.attempt, err)
	m.transitionLocked(StateError, err.Error(), &out)
	retrying := m.scheduleRetryLocked(epoch, &out)
	if !retrying {
		cerr.Exhausted = m.cfg.Retry.Enabled
		m.lastErr = cerr
		out = append(out, FailureNotice{Err: cerr})
	}
	m.mu.Unlock()
	m.publish(out...)

	if retrying {
		m.log.Warn("Inspector connection failed", zap.String("endpoint", endpoint), zap.Error(err))
		return nil
	}
	m.log.Error("Giving up on inspector connection", zap.Error(cerr))
	return cerr
}

// scheduleRetryLocked arms the reconnect timer when the retry budget allows.
func (m *Manager) scheduleRetryLocked(epoch uint64, out *[]Notice) bool {
	r := m.cfg.Retry
	if !r.Enabled || m.attempt >= r.MaxAttempts {
		return false
	}
	delay := r.Backoff(m.attempt)
	m.attempt++
	attempt := m.attempt
	m.retryTimer = time.AfterFunc(delay, func() { m.reconnect(epoch) })
	*out = append(*out, ReconnectNotice{Attempt: attempt, Delay: delay})

	m.log.Info("Scheduling inspector reconnect",
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", r.MaxAttempts),
		zap.Duration("delay", delay))
	return true
}

func (m *Manager) reconnect(epoch uint64) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), reconnectTimeout)
	defer cancel()
	_ = m.connect(ctx, epoch)
}

// AwaitConnected blocks until the manager is connected, gives up, or ctx is
// done. A manager that gave up returns the *ConnectionError that ended the
// retry schedule.
func (m *Manager) AwaitConnected(ctx context.Context) error {
	for {
		m.mu.Lock()
		state, lastErr, ch, endpoint := m.state, m.lastErr, m.stateCh, m.endpoint.URL
		m.mu.Unlock()

		switch {
		case state == StateConnected:
			return nil
		case state == StateDisconnected:
			return newConnectionError(endpoint, 0, ErrNotConnected)
		case state == StateError && lastErr != nil:
			return lastErr
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Disconnect tears everything down. Safe to call repeatedly.
func (m *Manager) Disconnect() {
	var out []Notice

	m.mu.Lock()
	m.epoch++
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	c := m.conn
	m.conn = nil
	pending := m.takePendingLocked()
	sessions := m.takeSessionsLocked()
	m.rootDomains = make(map[string]bool)
	m.attempt = 0
	m.lastErr = nil
	endpoint := m.endpoint.URL
	m.transitionLocked(StateDisconnected, "disconnect requested", &out)
	m.mu.Unlock()

	if c != nil {
		c.cancel()
		c.queue.close()
		if err := c.transport.Close(); err != nil {
			m.log.Debug("Closing transport", zap.Error(err))
		}
		m.log.Info("Disconnected from inspector", zap.String("endpoint", endpoint))
	}

	failPending(pending, newConnectionError(endpoint, 0, ErrNotConnected))
	for _, s := range sessions {
		s.Destroy()
	}
	m.publish(out...)
}

// Close disconnects and releases the resolver, killing any launched browser.
func (m *Manager) Close() error {
	m.Disconnect()
	if closer, ok := m.resolver.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (m *Manager) readLoop(c *connection) {
	for {
		data, err := c.transport.ReadMessage(c.ctx)
		if err != nil {
			c.queue.close()
			m.transportLost(c, err)
			return
		}
		m.handleFrame(c, data)
	}
}

func (m *Manager) handleFrame(c *connection, data []byte) {
	switch classifyFrame(data) {
	case frameResponse:
		var res Result
		if err := json.Unmarshal(data, &res); err != nil {
			m.log.Warn("Discarding malformed response", zap.Error(err))
			return
		}
		m.resolvePending(&res)

	case frameEvent:
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			m.log.Warn("Discarding malformed event", zap.Error(err))
			return
		}
		ev.Timestamp = time.Now()
		c.queue.push(ev)

	default:
		m.log.Warn("Discarding unrecognised frame", zap.Int("bytes", len(data)))
	}
}

func (m *Manager) resolvePending(res *Result) {
	m.mu.Lock()
	p, ok := m.pending[res.ID]
	if ok {
		delete(m.pending, res.ID)
	}
	m.mu.Unlock()

	if !ok {
		m.log.Debug("Response for unknown command", zap.Int64("id", res.ID))
		return
	}
	p.complete(res, nil)
}

func (m *Manager) transportLost(c *connection, cause error) {
	var out []Notice

	m.mu.Lock()
	if m.conn != c {
		// Disconnect got here first
		m.mu.Unlock()
		return
	}
	m.conn = nil
	pending := m.takePendingLocked()
	sessions := m.takeSessionsLocked()
	m.rootDomains = make(map[string]bool)
	cerr := newConnectionError(m.endpoint.URL, m.attempt, cause)
	m.transitionLocked(StateError, "transport lost: "+cause.Error(), &out)
	if !m.scheduleRetryLocked(m.epoch, &out) {
		cerr.Exhausted = m.cfg.Retry.Enabled
		m.lastErr = cerr
		out = append(out, FailureNotice{Err: cerr})
	}
	m.mu.Unlock()

	m.log.Warn("Inspector transport lost", zap.Error(cause), zap.Int("pending", len(pending)))
	_ = c.transport.Close()

	failPending(pending, cerr)
	for _, s := range sessions {
		s.Destroy()
	}
	m.publish(out...)
}

func (m *Manager) dispatchLoop(c *connection) {
	defer c.cancel()
	for {
		ev, ok := c.queue.pop(c.ctx)
		if !ok {
			return
		}
		m.dispatch(c, ev)
	}
}

// dispatch runs on the dispatcher goroutine, one event at a time. Events
// queued before c was lost are still delivered, but cannot create sessions.
func (m *Manager) dispatch(c *connection, ev Event) {
	m.events.Push(ev)
	m.publish(EventNotice{Event: ev})

	if ev.SessionID != "" {
		if s := m.GetSession(ev.SessionID); s != nil {
			s.HandleEvent(ev)
		}
	}

	if !strings.HasPrefix(ev.Method, "Target.") {
		return
	}
	params, err := ev.Decode()
	if err != nil {
		m.log.Warn("Bad target event", zap.String("method", ev.Method), zap.Error(err))
		return
	}

	switch p := params.(type) {
	case TargetCreated:
		m.publish(TargetNotice{Kind: TargetCreatedKind, Target: p.TargetInfo})
	case TargetDestroyed:
		m.publish(TargetNotice{Kind: TargetDestroyedKind, Target: TargetInfo{TargetID: p.TargetID}})
	case TargetInfoChanged:
		for _, s := range m.GetAllSessions() {
			if s.TargetInfo().TargetID == p.TargetInfo.TargetID {
				s.setTargetInfo(p.TargetInfo)
			}
		}
		m.publish(TargetNotice{Kind: TargetChangedKind, Target: p.TargetInfo})
	case AttachedToTarget:
		s, created := m.registerSession(c, p.SessionID, p.TargetInfo)
		switch {
		case s == nil:
			m.log.Debug("Attach event from a lost connection", zap.String("session", p.SessionID))
		case !created:
			s.setTargetInfo(p.TargetInfo)
		default:
			// preload off the dispatcher so later events are not held up
			go m.preloadDomains(c.ctx, s)
		}
	case DetachedFromTarget:
		m.removeSession(p.SessionID)
	}
}

// Send transmits cmd and waits for its response. Commands carrying a session
// id are routed through that session.
func (m *Manager) Send(ctx context.Context, cmd Command) (*Result, error) {
	if cmd.SessionID != "" {
		s := m.GetSession(cmd.SessionID)
		if s == nil {
			return nil, &ProtocolError{Method: cmd.Method, SessionID: cmd.SessionID, Err: ErrInvalidSession}
		}
		return s.Send(ctx, cmd)
	}
	return m.transmit(ctx, cmd)
}

func (m *Manager) transmit(ctx context.Context, cmd Command) (*Result, error) {
	if cmd.ID == 0 {
		cmd.ID = m.nextID.Add(1)
	}
	data, err := encodeCommand(cmd)
	if err != nil {
		return nil, &ProtocolError{Method: cmd.Method, SessionID: cmd.SessionID, Err: err}
	}

	p := &pendingCommand{
		id:        cmd.ID,
		method:    cmd.Method,
		sessionID: cmd.SessionID,
		issuedAt:  time.Now(),
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	if m.state != StateConnected || m.conn == nil {
		endpoint := m.endpoint.URL
		m.mu.Unlock()
		return nil, newConnectionError(endpoint, 0, ErrNotConnected)
	}
	if _, dup := m.pending[cmd.ID]; dup {
		m.mu.Unlock()
		return nil, &ProtocolError{Method: cmd.Method, SessionID: cmd.SessionID, Err: fmt.Errorf("duplicate command id %d", cmd.ID)}
	}
	m.pending[cmd.ID] = p
	c := m.conn
	endpoint := m.endpoint.URL
	m.mu.Unlock()

	m.log.Debug("Sending command",
		zap.Int64("id", cmd.ID),
		zap.String("method", cmd.Method),
		zap.String("session", cmd.SessionID))

	if err := c.transport.WriteMessage(ctx, data); err != nil {
		if m.dropPending(cmd.ID) {
			return nil, newConnectionError(endpoint, 0, err)
		}
		<-p.done
		return p.result, p.err
	}

	timer := time.NewTimer(m.cfg.CommandTimeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return p.result, p.err
	case <-timer.C:
		if m.dropPending(cmd.ID) {
			return nil, &TimeoutError{Method: cmd.Method, ID: cmd.ID, SessionID: cmd.SessionID, Timeout: m.cfg.CommandTimeout}
		}
	case <-ctx.Done():
		if m.dropPending(cmd.ID) {
			return nil, ctx.Err()
		}
	}
	// the response won the race; it completes momentarily
	<-p.done
	return p.result, p.err
}

// dropPending removes a pending command and reports whether it was still
// registered.
func (m *Manager) dropPending(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[id]; !ok {
		return false
	}
	delete(m.pending, id)
	return true
}

func (m *Manager) takePendingLocked() []*pendingCommand {
	out := make([]*pendingCommand, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p)
	}
	m.pending = make(map[int64]*pendingCommand)
	return out
}

func failPending(pending []*pendingCommand, err error) {
	for _, p := range pending {
		p.complete(nil, err)
	}
}

func (m *Manager) takeSessionsLocked() []*Session {
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.sessions = make(map[string]*Session)
	return out
}

// CreateSession attaches to targetID and returns the resulting session.
func (m *Manager) CreateSession(ctx context.Context, targetID string) (*Session, error) {
	m.mu.Lock()
	c, state, endpoint := m.conn, m.state, m.endpoint.URL
	m.mu.Unlock()
	if state != StateConnected || c == nil {
		return nil, newConnectionError(endpoint, 0, ErrNotConnected)
	}

	const method = "Target.attachToTarget"
	res, err := m.transmit(ctx, Command{
		Method: method,
		Params: map[string]any{"targetId": targetID, "flatten": true},
	})
	if err != nil {
		return nil, err
	}
	if res.Error != nil {
		return nil, &ProtocolError{Method: method, Err: res.Error}
	}

	var out struct {
		SessionID string `json:"sessionId"`
	}
	if err := res.Decode(&out); err != nil {
		return nil, &ProtocolError{Method: method, Err: fmt.Errorf("malformed response: %w", err)}
	}
	if out.SessionID == "" {
		return nil, &ProtocolError{Method: method, Err: errors.New("response carried no sessionId")}
	}

	s, created := m.registerSession(c, out.SessionID, TargetInfo{TargetID: targetID})
	if s == nil {
		return nil, newConnectionError(endpoint, 0, ErrNotConnected)
	}
	if created {
		m.preloadDomains(ctx, s)
	}
	return s, nil
}

// registerSession returns the session for id, creating it when new. It
// returns nil when c is no longer the live connection.
func (m *Manager) registerSession(c *connection, id string, info TargetInfo) (*Session, bool) {
	m.mu.Lock()
	if m.conn != c {
		m.mu.Unlock()
		return nil, false
	}
	if s, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return s, false
	}
	s := newSession(id, info, m)
	m.sessions[id] = s
	m.mu.Unlock()

	m.log.Info("Session created",
		zap.String("session", id),
		zap.String("target", info.TargetID),
		zap.String("url", info.URL))
	m.publish(SessionNotice{Kind: SessionCreated, SessionID: id, Target: info})
	return s, true
}

func (m *Manager) removeSession(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok {
		s.Destroy()
	}
}

func (m *Manager) preloadDomains(ctx context.Context, s *Session) {
	if len(m.cfg.Domains) == 0 {
		return
	}
	if err := m.domains.EnableDomains(ctx, m.cfg.Domains, s.ID()); err != nil {
		m.log.Warn("Domain preload incomplete", zap.String("session", s.ID()), zap.Error(err))
	}
}

// GetSession returns the live session with id, or nil.
func (m *Manager) GetSession(id string) *Session {
	m.mu.Lock()
	s := m.sessions[id]
	m.mu.Unlock()
	if s == nil || s.IsDestroyed() {
		return nil
	}
	return s
}

// DetachSession detaches from the session's target and destroys the session.
func (m *Manager) DetachSession(ctx context.Context, id string) error {
	const method = "Target.detachFromTarget"
	if m.GetSession(id) == nil {
		return &ProtocolError{Method: method, SessionID: id, Err: ErrInvalidSession}
	}
	err := m.call(ctx, method, map[string]any{"sessionId": id}, nil)
	m.removeSession(id)
	return err
}

// GetAllSessions returns live sessions, oldest first.
func (m *Manager) GetAllSessions() []*Session {
	m.mu.Lock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b *Session) int {
		if c := a.created.Compare(b.created); c != 0 {
			return c
		}
		return strings.Compare(a.id, b.id)
	})
	return out
}

// EnableDomain enables a domain at browser level (no session). Repeated
// calls send nothing.
func (m *Manager) EnableDomain(ctx context.Context, name string) error {
	return m.setRootDomain(ctx, name, true)
}

func (m *Manager) DisableDomain(ctx context.Context, name string) error {
	return m.setRootDomain(ctx, name, false)
}

func (m *Manager) setRootDomain(ctx context.Context, name string, enable bool) error {
	m.rootDomainMu.Lock()
	defer m.rootDomainMu.Unlock()

	m.mu.Lock()
	enabled := m.rootDomains[name]
	m.mu.Unlock()
	if enabled == enable {
		return nil
	}

	method := name + ".disable"
	if enable {
		method = name + ".enable"
	}
	res, err := m.transmit(ctx, Command{Method: method})
	if err != nil {
		return err
	}
	if res.Error != nil {
		return &ProtocolError{Method: method, Err: res.Error}
	}

	m.mu.Lock()
	if enable {
		m.rootDomains[name] = true
	} else {
		delete(m.rootDomains, name)
	}
	m.mu.Unlock()
	return nil
}

// Targets lists every target the browser knows about.
func (m *Manager) Targets(ctx context.Context) ([]TargetInfo, error) {
	var out struct {
		TargetInfos []TargetInfo `json:"targetInfos"`
	}
	if err := m.call(ctx, "Target.getTargets", nil, &out); err != nil {
		return nil, err
	}
	return out.TargetInfos, nil
}

// CreateTarget opens a new page and returns its target id.
func (m *Manager) CreateTarget(ctx context.Context, url string) (string, error) {
	var out struct {
		TargetID string `json:"targetId"`
	}
	if err := m.call(ctx, "Target.createTarget", map[string]any{"url": url}, &out); err != nil {
		return "", err
	}
	return out.TargetID, nil
}

func (m *Manager) CloseTarget(ctx context.Context, targetID string) error {
	return m.call(ctx, "Target.closeTarget", map[string]any{"targetId": targetID}, nil)
}

// call is transmit for browser-level commands, turning inspector errors into
// a *ProtocolError.
func (m *Manager) call(ctx context.Context, method string, params any, out any) error {
	res, err := m.transmit(ctx, Command{Method: method, Params: params})
	if err != nil {
		return err
	}
	if err := res.Decode(out); err != nil {
		return &ProtocolError{Method: method, Err: err}
	}
	return nil
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StateHistory returns the most recent state transitions, oldest first.
func (m *Manager) StateHistory() []StateTransition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.history)
}

func (m *Manager) transitionLocked(to ConnectionState, reason string, out *[]Notice) {
	if m.state == to {
		return
	}
	t := StateTransition{From: m.state, To: to, Timestamp: time.Now(), Reason: reason}
	m.state = to
	m.history = append(m.history, t)
	if len(m.history) > maxStateHistory {
		m.history = m.history[len(m.history)-maxStateHistory:]
	}
	close(m.stateCh)
	m.stateCh = make(chan struct{})
	*out = append(*out, StateNotice{Transition: t})
}

// Events is the buffer of recently received inspector events.
func (m *Manager) Events() *buffer.RingBuffer[Event] {
	return m.events
}

// Domains returns the registry of manageable domains.
func (m *Manager) Domains() *DomainRegistry {
	return m.domains
}

func (m *Manager) Endpoint() Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endpoint
}

// Subscribe registers handler for one notice kind.
func (m *Manager) Subscribe(kind events.EventType, handler events.Handler[Notice]) events.HandlerID {
	return m.bus.Subscribe(kind, handler)
}

// SubscribeAll registers handler for every notice kind.
func (m *Manager) SubscribeAll(handler events.Handler[Notice]) events.HandlerID {
	return m.bus.SubscribeAll(handler)
}

// Unsubscribe removes a handler. It reports whether the handler was registered.
func (m *Manager) Unsubscribe(id events.HandlerID) bool {
	return m.bus.Unsubscribe(id)
}

func (m *Manager) publish(notices ...Notice) {
	for _, n := range notices {
		m.bus.Publish(n)
	}
}

func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Stats returns manager statistics
func (m *Manager) Stats() map[string]interface{} {
	m.mu.Lock()
	stats := map[string]interface{}{
		"state":            m.state.String(),
		"endpoint":         m.endpoint.URL,
		"sessions":         len(m.sessions),
		"pending_commands": len(m.pending),
		"retry_attempt":    m.attempt,
	}
	m.mu.Unlock()

	stats["buffered_events"] = m.events.Len()
	stats["total_events"] = m.events.TotalPushed()
	stats["bus"] = m.bus.Metrics()
	return stats
}
