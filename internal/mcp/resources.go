package mcp

import (
	"context"
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	ResourceSessions = "devbridge://sessions"
	ResourceEvents   = "devbridge://events"
	ResourceStats    = "devbridge://stats"
)

func (s *Server) registerResources() {
	s.addJSONResource(ResourceSessions, "Inspector Sessions",
		"Attached inspector sessions",
		func() any { return s.bridge.Sessions() })

	s.addJSONResource(ResourceEvents, "Recent Events",
		"Recently received inspector events, oldest first",
		func() any { return s.bridge.Manager().Events().Last(defaultEventLimit) })

	s.addJSONResource(ResourceStats, "Bridge Statistics",
		"Router counters and inspector connection state",
		func() any { return s.bridge.Stats() })
}

func (s *Server) addJSONResource(uri, name, description string, read func() any) {
	res := mcplib.NewResource(uri, name,
		mcplib.WithResourceDescription(description),
		mcplib.WithMIMEType("application/json"),
	)
	s.mcp.AddResource(res, func(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
		data, err := json.MarshalIndent(read(), "", "  ")
		if err != nil {
			return nil, err
		}
		return []mcplib.ResourceContents{
			mcplib.TextResourceContents{
				URI:      request.Params.URI,
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	})
}
