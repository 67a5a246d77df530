package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/standardbeagle/devbridge/internal/inspector"
)

const (
	maxRequestBytes = 4 << 20
	clientQueueSize = 256
	writeWait       = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Server exposes a Bridge over HTTP: JSON-RPC on POST /rpc, a JSON-RPC
// websocket with pushed notifications on /ws, and /health and /stats.
type Server struct {
	bridge   *Bridge
	router   *mux.Router
	upgrader websocket.Upgrader
	log      *zap.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closing bool
	wg      sync.WaitGroup
}

type ServerOption func(*Server)

func WithServerLogger(l *zap.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithCheckOrigin overrides the websocket origin check. The default accepts
// only requests without an Origin header or from the same host.
func WithCheckOrigin(fn func(r *http.Request) bool) ServerOption {
	return func(s *Server) { s.upgrader.CheckOrigin = fn }
}

func NewServer(b *Bridge, opts ...ServerOption) *Server {
	s := &Server{
		bridge:  b,
		router:  mux.NewRouter(),
		log:     zap.NewNop(),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router.HandleFunc("/rpc", s.handleRPC).Methods(http.MethodPost)
	s.router.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Serve serves on ln until ctx is done, then shuts down gracefully and
// closes open websocket connections.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("Bridge server listening", zap.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		s.closeClients()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.closeClients()
	if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return err
}

func (s *Server) closeClients() {
	s.mu.Lock()
	s.closing = true
	for c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reply, ok := s.bridge.Handle(r.Context(), body)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(reply)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	m := s.bridge.Manager()
	state := m.State()
	status, code := "ok", http.StatusOK
	if state != inspector.StateConnected {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":   status,
		"state":    state,
		"endpoint": m.Endpoint().URL,
		"sessions": len(m.GetAllSessions()),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bridge.Stats())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// push queues a notification, dropping it if the client is not keeping up.
func (c *wsClient) push(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// reply queues a response, waiting for room unless the client is gone.
func (c *wsClient) reply(data []byte) {
	select {
	case c.send <- data:
	case <-c.done:
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxRequestBytes)

	c := &wsClient{
		conn: conn,
		send: make(chan []byte, clientQueueSize),
		done: make(chan struct{}),
	}
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	remove := s.bridge.AddSink(func(n Notification) {
		data, err := json.Marshal(n)
		if err != nil {
			return
		}
		if !c.push(data) {
			s.log.Debug("Dropping notification for slow websocket client", zap.String("method", n.Method))
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	var requests sync.WaitGroup
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(c)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("Websocket read ended", zap.Error(err))
			}
			break
		}
		requests.Add(1)
		go func() {
			defer requests.Done()
			if reply, ok := s.bridge.Handle(ctx, data); ok {
				c.reply(reply)
			}
		}()
	}

	remove()
	cancel()
	close(c.done)
	requests.Wait()
	<-writerDone
	conn.Close()

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func (s *Server) writeLoop(c *wsClient) {
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Debug("Websocket write failed", zap.Error(err))
				c.conn.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
