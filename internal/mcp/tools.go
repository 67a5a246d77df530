package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/standardbeagle/devbridge/internal/bridge"
	"github.com/standardbeagle/devbridge/internal/inspector"
	"github.com/standardbeagle/devbridge/pkg/filters"
)

const defaultEventLimit = 50

// RegisterTools adds the browser_*, router_stats and inspector_call tools for
// b to srv.
func RegisterTools(srv *server.MCPServer, b *bridge.Bridge) {
	(&Server{mcp: srv, bridge: b, log: zap.NewNop()}).registerTools()
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcplib.NewTool("browser_targets",
		mcplib.WithDescription(`List the browser targets (pages, workers, iframes) the inspector can see.

**When to use:**
- Before browser_attach, to pick a target id
- User asks "what tabs are open?"`),
	), s.handleTargets)

	s.mcp.AddTool(mcplib.NewTool("browser_attach",
		mcplib.WithDescription(`Attach an inspector session to a browser target.

Without target_id the first page target is used. With url and no target_id a
new page is opened at url and attached. Returns the session, whose id can be
passed as session_id to the other browser_* tools.`),
		mcplib.WithString("target_id", mcplib.Description("Target id from browser_targets")),
		mcplib.WithString("url", mcplib.Description("Open a new page at this URL and attach to it")),
	), s.handleAttach)

	s.mcp.AddTool(mcplib.NewTool("browser_detach",
		mcplib.WithDescription("Detach an inspector session."),
		mcplib.WithString("session_id", mcplib.Required(), mcplib.Description("Session to detach")),
	), s.handleDetach)

	s.mcp.AddTool(mcplib.NewTool("browser_sessions",
		mcplib.WithDescription("List attached inspector sessions with their target, state and enabled domains."),
	), s.handleSessions)

	s.mcp.AddTool(mcplib.NewTool("browser_evaluate",
		mcplib.WithDescription(`Evaluate a JavaScript expression in the page and return its JSON value.

**When to use:**
- Inspect page state: "what is document.title?", "is the user logged in?"
- Run a quick check against the DOM

Promises are awaited unless await_promise is false. Exceptions thrown by the
script are returned as tool errors with the exception text.`),
		mcplib.WithString("expression", mcplib.Required(), mcplib.Description("JavaScript to evaluate")),
		mcplib.WithString("session_id", mcplib.Description("Session to use; defaults to the oldest session")),
		mcplib.WithBoolean("await_promise", mcplib.Description("Wait for a returned promise (default true)")),
	), s.handleEvaluate)

	s.mcp.AddTool(mcplib.NewTool("browser_navigate",
		mcplib.WithDescription("Navigate the session's page to a URL."),
		mcplib.WithString("url", mcplib.Required(), mcplib.Description("URL to load")),
		mcplib.WithString("session_id", mcplib.Description("Session to use; defaults to the oldest session")),
	), s.handleNavigate)

	s.mcp.AddTool(mcplib.NewTool("browser_reload",
		mcplib.WithDescription("Reload the session's page."),
		mcplib.WithString("session_id", mcplib.Description("Session to use; defaults to the oldest session")),
		mcplib.WithBoolean("ignore_cache", mcplib.Description("Bypass the browser cache")),
	), s.handleReload)

	s.mcp.AddTool(mcplib.NewTool("browser_screenshot",
		mcplib.WithDescription("Capture a screenshot of the session's page."),
		mcplib.WithString("session_id", mcplib.Description("Session to use; defaults to the oldest session")),
		mcplib.WithString("format", mcplib.Description("png (default), jpeg or webp")),
		mcplib.WithNumber("quality", mcplib.Description("Compression quality 0-100 for jpeg and webp")),
		mcplib.WithBoolean("full_page", mcplib.Description("Capture beyond the viewport")),
	), s.handleScreenshot)

	s.mcp.AddTool(mcplib.NewTool("browser_cookies",
		mcplib.WithDescription("List cookies for the current page, or for the given URLs."),
		mcplib.WithString("session_id", mcplib.Description("Session to use; defaults to the oldest session")),
		mcplib.WithString("urls", mcplib.Description("Comma separated URLs")),
	), s.handleCookies)

	s.mcp.AddTool(mcplib.NewTool("browser_events",
		mcplib.WithDescription(`Show recently received inspector events, newest last.

**Filtering:**
- filter matches the event method, e.g. "Runtime.*" or "Network.responseReceived"
- filter_type is glob (default), contains, exact or regex`),
		mcplib.WithString("filter", mcplib.Description("Pattern matched against the event method")),
		mcplib.WithString("filter_type", mcplib.Description("glob, contains, exact or regex")),
		mcplib.WithString("session_id", mcplib.Description("Only events from this session")),
		mcplib.WithNumber("limit", mcplib.Description("Maximum events to return (default 50)")),
	), s.handleEvents)

	s.mcp.AddTool(mcplib.NewTool("router_stats",
		mcplib.WithDescription("Message router and inspector connection statistics."),
	), s.handleStats)

	s.mcp.AddTool(mcplib.NewTool("inspector_call",
		mcplib.WithDescription(`Send a mapped tool method through the message router, e.g.
"dom/getDocument" or "page/getFrameTree". Call with method "bridge/methods"
to list what is available. params is a JSON object; include "sessionId" in it
to address a session.`),
		mcplib.WithString("method", mcplib.Required(), mcplib.Description("Tool method name")),
		mcplib.WithString("params", mcplib.Description("JSON object of parameters")),
	), s.handleInspectorCall)
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcplib.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcplib.NewToolResultText(string(data)), nil
}

func toolError(action string, err error) *mcplib.CallToolResult {
	var evalErr *inspector.EvaluationError
	if errors.As(err, &evalErr) && evalErr.Description != "" {
		return mcplib.NewToolResultError(fmt.Sprintf("%s: %s", action, evalErr.Description))
	}
	return mcplib.NewToolResultError(fmt.Sprintf("%s: %v", action, err))
}

func (s *Server) session(request mcplib.CallToolRequest) (*inspector.Session, error) {
	return s.bridge.Session(request.GetString("session_id", ""))
}

func (s *Server) handleTargets(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	targets, err := s.bridge.Manager().Targets(ctx)
	if err != nil {
		return toolError("list targets", err), nil
	}
	return jsonResult(targets)
}

func (s *Server) handleAttach(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	m := s.bridge.Manager()
	targetID := request.GetString("target_id", "")

	if targetID == "" {
		if url := request.GetString("url", ""); url != "" {
			id, err := m.CreateTarget(ctx, url)
			if err != nil {
				return toolError("open page", err), nil
			}
			targetID = id
		} else {
			targets, err := m.Targets(ctx)
			if err != nil {
				return toolError("list targets", err), nil
			}
			for _, t := range targets {
				if t.Type == "page" {
					targetID = t.TargetID
					break
				}
			}
			if targetID == "" {
				return mcplib.NewToolResultError("no page target to attach to"), nil
			}
		}
	}

	sess, err := m.CreateSession(ctx, targetID)
	if err != nil {
		return toolError("attach", err), nil
	}
	return jsonResult(sess.Info())
}

func (s *Server) handleDetach(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	if err := s.bridge.Manager().DetachSession(ctx, id); err != nil {
		return toolError("detach", err), nil
	}
	return mcplib.NewToolResultText("detached " + id), nil
}

func (s *Server) handleSessions(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return jsonResult(s.bridge.Sessions())
}

func (s *Server) handleEvaluate(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	expression, err := request.RequireString("expression")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	sess, err := s.session(request)
	if err != nil {
		return toolError("evaluate", err), nil
	}

	await := request.GetBool("await_promise", true)
	value, err := sess.Evaluate(ctx, expression, inspector.EvaluateOptions{AwaitPromise: &await})
	if err != nil {
		return toolError("evaluate", err), nil
	}
	return mcplib.NewToolResultText(string(value)), nil
}

func (s *Server) handleNavigate(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	url, err := request.RequireString("url")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	sess, err := s.session(request)
	if err != nil {
		return toolError("navigate", err), nil
	}
	res, err := sess.Navigate(ctx, url)
	if err != nil {
		return toolError("navigate", err), nil
	}
	return jsonResult(res)
}

func (s *Server) handleReload(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	sess, err := s.session(request)
	if err != nil {
		return toolError("reload", err), nil
	}
	if err := sess.Reload(ctx, request.GetBool("ignore_cache", false)); err != nil {
		return toolError("reload", err), nil
	}
	return mcplib.NewToolResultText("reloaded"), nil
}

func (s *Server) handleScreenshot(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	sess, err := s.session(request)
	if err != nil {
		return toolError("screenshot", err), nil
	}

	format := strings.ToLower(request.GetString("format", "png"))
	switch format {
	case "png", "jpeg", "webp":
	default:
		return mcplib.NewToolResultError(fmt.Sprintf("unsupported format %q", format)), nil
	}

	img, err := sess.Screenshot(ctx, inspector.ScreenshotOptions{
		Format:   format,
		Quality:  request.GetInt("quality", 0),
		FullPage: request.GetBool("full_page", false),
	})
	if err != nil {
		return toolError("screenshot", err), nil
	}
	return mcplib.NewToolResultImage(
		fmt.Sprintf("Screenshot of %s (%d bytes)", sess.TargetInfo().URL, len(img)),
		base64.StdEncoding.EncodeToString(img),
		"image/"+format,
	), nil
}

func (s *Server) handleCookies(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	sess, err := s.session(request)
	if err != nil {
		return toolError("cookies", err), nil
	}
	var urls []string
	for _, u := range strings.Split(request.GetString("urls", ""), ",") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	cookies, err := sess.GetCookies(ctx, urls...)
	if err != nil {
		return toolError("cookies", err), nil
	}
	return jsonResult(cookies)
}

func (s *Server) handleEvents(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	var match *filters.Filter
	if pattern := request.GetString("filter", ""); pattern != "" {
		kind := filters.FilterType(request.GetString("filter_type", string(filters.FilterTypeGlob)))
		f, err := filters.NewFilter("events", kind, pattern, false)
		if err != nil {
			return mcplib.NewToolResultError(err.Error()), nil
		}
		match = f
	}
	sessionID := request.GetString("session_id", "")

	evs := s.bridge.Manager().Events().Filtered(func(ev inspector.Event) bool {
		if sessionID != "" && ev.SessionID != sessionID {
			return false
		}
		return match == nil || match.Matches(ev.Method)
	})
	if limit := request.GetInt("limit", defaultEventLimit); limit > 0 && len(evs) > limit {
		evs = evs[len(evs)-limit:]
	}
	return jsonResult(evs)
}

func (s *Server) handleStats(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return jsonResult(s.bridge.Stats())
}

func (s *Server) handleInspectorCall(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	method, err := request.RequireString("method")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	req := bridge.Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage("1"),
		Method:  method,
	}
	if params := request.GetString("params", ""); params != "" {
		req.Params = json.RawMessage(params)
	}

	resp := s.bridge.Call(ctx, req)
	if resp.Error != nil {
		return mcplib.NewToolResultError(fmt.Sprintf("%s failed (%d): %s", method, resp.Error.Code, resp.Error.Message)), nil
	}
	return mcplib.NewToolResultText(string(resp.Result)), nil
}
