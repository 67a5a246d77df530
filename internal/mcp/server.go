// Package mcp exposes the bridge as Model Context Protocol tools and
// resources, served over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/standardbeagle/devbridge/internal/bridge"
)

const serverName = "devbridge"

// Server is an MCP server backed by a Bridge. Tool notifications from the
// bridge are forwarded to connected MCP clients.
type Server struct {
	mcp    *server.MCPServer
	bridge *bridge.Bridge
	log    *zap.Logger

	removeSink func()
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithoutNotifications stops bridge notifications from being forwarded.
func WithoutNotifications() Option {
	return func(s *Server) { s.removeSink = func() {} }
}

func NewServer(b *bridge.Bridge, version string, opts ...Option) *Server {
	s := &Server{
		bridge: b,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mcp = server.NewMCPServer(
		serverName,
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
	)
	s.registerTools()
	s.registerResources()

	if s.removeSink == nil {
		s.removeSink = b.AddSink(s.forward)
	}
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// ServeStdio speaks MCP on in and out until ctx is done or in is closed.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(zap.NewStdLog(s.log.Named("stdio")))
	err := stdio.Listen(ctx, in, out)
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// Close stops forwarding notifications.
func (s *Server) Close() {
	s.removeSink()
}

func (s *Server) forward(n bridge.Notification) {
	var params map[string]any
	if len(n.Params) > 0 {
		if err := json.Unmarshal(n.Params, &params); err != nil {
			s.log.Debug("Notification params are not an object", zap.String("method", n.Method), zap.Error(err))
			return
		}
	}
	s.mcp.SendNotificationToAllClients(n.Method, params)
}
