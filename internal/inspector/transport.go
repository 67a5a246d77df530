package inspector

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is a bidirectional message channel to the inspector. Writes may be
// called concurrently; ReadMessage is called from a single goroutine. Close
// must unblock a pending ReadMessage.
type Transport interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

// Endpoint is a resolved inspector websocket address.
type Endpoint struct {
	URL     string
	Browser string
}

// Dialer opens a Transport to a resolved endpoint. Dial must honor ctx
// cancellation.
type Dialer interface {
	Dial(ctx context.Context, endpoint Endpoint) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, endpoint Endpoint) (Transport, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, endpoint Endpoint) (Transport, error) {
	return f(ctx, endpoint)
}

// WebSocketDialer dials the inspector with gorilla/websocket.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	// ReadLimit caps a single inbound frame. Screenshots of large pages can be
	// tens of megabytes.
	ReadLimit int64
	Header    http.Header
}

// NewWebSocketDialer returns a dialer with default handshake timeout and read limit.
func NewWebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{
		HandshakeTimeout: 10 * time.Second,
		ReadLimit:        64 << 20,
	}
}

// Dial performs the websocket handshake against endpoint.URL.
func (d *WebSocketDialer) Dial(ctx context.Context, endpoint Endpoint) (Transport, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
		ReadBufferSize:   64 << 10,
		WriteBufferSize:  64 << 10,
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint.URL, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (t *wsTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, ErrTransportClosed
		}
		return nil, err
	}
	return data, nil
}

func (t *wsTransport) WriteMessage(ctx context.Context, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		t.writeMu.Unlock()

		t.closeErr = t.conn.Close()
		if errors.Is(t.closeErr, websocket.ErrCloseSent) {
			t.closeErr = nil
		}
	})
	return t.closeErr
}
