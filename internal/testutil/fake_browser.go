// Package testutil holds test doubles shared across packages: an in-memory
// browser speaking the inspector wire format and polling helpers.
package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// Frame is a command as the fake browser received it.
type Frame struct {
	ID        int64           `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// Param returns params[key] decoded into a generic value.
func (f Frame) Param(key string) any {
	var m map[string]any
	_ = json.Unmarshal(f.Params, &m)
	return m[key]
}

// ErrorObject is an inspector error reply.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Responder produces the reply to a command. Returning a non-nil error
// object sends an error response.
type Responder func(f Frame) (result any, errObj *ErrorObject)

var ErrConnectionReset = errors.New("connection reset by peer")

// FakeBrowser answers inspector commands in memory. Unhandled methods get an
// empty result.
type FakeBrowser struct {
	mu        sync.Mutex
	handlers  map[string]Responder
	ignored   map[string]bool
	frames    []Frame
	conn      *FakeConn
	dials     int
	failDials int
	dialErr   error
}

func NewFakeBrowser() *FakeBrowser {
	return &FakeBrowser{
		handlers: make(map[string]Responder),
		ignored:  make(map[string]bool),
	}
}

func (b *FakeBrowser) Handle(method string, r Responder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[method] = r
}

// Ignore makes the browser swallow method without replying.
func (b *FakeBrowser) Ignore(method string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ignored[method] = true
}

// FailDials makes the next n dials fail with err. A negative n fails forever.
func (b *FakeBrowser) FailDials(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failDials = n
	b.dialErr = err
}

// Dial opens a new in-memory connection.
func (b *FakeBrowser) Dial(ctx context.Context) (*FakeConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.failDials != 0 {
		if b.failDials > 0 {
			b.failDials--
		}
		return nil, b.dialErr
	}
	c := &FakeConn{
		browser: b,
		in:      make(chan []byte, 4096),
		done:    make(chan struct{}),
	}
	b.conn = c
	return c, nil
}

func (b *FakeBrowser) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Frames returns every command received so far.
func (b *FakeBrowser) Frames() []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Frame(nil), b.frames...)
}

// FramesFor returns the commands received for method.
func (b *FakeBrowser) FramesFor(method string) []Frame {
	var out []Frame
	for _, f := range b.Frames() {
		if f.Method == method {
			out = append(out, f)
		}
	}
	return out
}

// Count returns how many times method was received.
func (b *FakeBrowser) Count(method string) int {
	return len(b.FramesFor(method))
}

// Emit sends an event on the current connection.
func (b *FakeBrowser) Emit(method string, params any, sessionID string) {
	frame := map[string]any{"method": method}
	if params != nil {
		frame["params"] = params
	}
	if sessionID != "" {
		frame["sessionId"] = sessionID
	}
	data, _ := json.Marshal(frame)

	b.mu.Lock()
	c := b.conn
	b.mu.Unlock()
	if c != nil {
		c.deliver(data)
	}
}

// Drop kills the current connection as if the network failed.
func (b *FakeBrowser) Drop() {
	b.mu.Lock()
	c := b.conn
	b.conn = nil
	b.mu.Unlock()
	if c != nil {
		c.closeWith(ErrConnectionReset)
	}
}

func (b *FakeBrowser) receive(c *FakeConn, data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}

	b.mu.Lock()
	b.frames = append(b.frames, f)
	ignored := b.ignored[f.Method]
	handler := b.handlers[f.Method]
	b.mu.Unlock()

	if ignored {
		return
	}

	var result any = map[string]any{}
	var errObj *ErrorObject
	if handler != nil {
		result, errObj = handler(f)
	}

	reply := map[string]any{"id": f.ID}
	if f.SessionID != "" {
		reply["sessionId"] = f.SessionID
	}
	if errObj != nil {
		reply["error"] = errObj
	} else {
		if result == nil {
			result = map[string]any{}
		}
		reply["result"] = result
	}
	out, _ := json.Marshal(reply)
	c.deliver(out)
}

// FakeConn satisfies the inspector Transport interface.
type FakeConn struct {
	browser *FakeBrowser
	in      chan []byte
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	err     error
}

func (c *FakeConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *FakeConn) WriteMessage(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return errors.New("write on closed connection")
	default:
	}
	c.browser.receive(c, data)
	return nil
}

func (c *FakeConn) Close() error {
	c.closeWith(errors.New("use of closed connection"))
	return nil
}

func (c *FakeConn) closeWith(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *FakeConn) deliver(data []byte) {
	select {
	case <-c.done:
	case c.in <- data:
	}
}
