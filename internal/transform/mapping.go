package transform

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/standardbeagle/devbridge/internal/message"
)

// TargetInspector and TargetTool are the message targets set by
// ProtocolMapping.
const (
	TargetInspector = "inspector"
	TargetTool      = "tool"
)

// sessionParam is the params key a tool request uses to address a session.
const sessionParam = "sessionId"

// MethodTable maps tool methods to inspector methods and inspector events to
// tool notifications.
type MethodTable struct {
	mu            sync.RWMutex
	commands      map[string]string
	notifications map[string]string
}

func NewMethodTable() *MethodTable {
	return &MethodTable{
		commands:      make(map[string]string),
		notifications: make(map[string]string),
	}
}

// DefaultMethodTable returns the stock mapping.
func DefaultMethodTable() *MethodTable {
	t := NewMethodTable()
	for tool, inspector := range map[string]string{
		"runtime/evaluate":       "Runtime.evaluate",
		"runtime/callFunctionOn": "Runtime.callFunctionOn",
		"runtime/getProperties":  "Runtime.getProperties",
		"page/navigate":          "Page.navigate",
		"page/reload":            "Page.reload",
		"page/captureScreenshot": "Page.captureScreenshot",
		"page/getFrameTree":      "Page.getFrameTree",
		"network/getCookies":     "Network.getCookies",
		"network/setCookie":      "Network.setCookie",
		"network/clearCookies":   "Network.clearBrowserCookies",
		"network/getBody":        "Network.getResponseBody",
		"dom/getDocument":        "DOM.getDocument",
		"dom/querySelector":      "DOM.querySelector",
		"dom/getOuterHTML":       "DOM.getOuterHTML",
		"target/getTargets":      "Target.getTargets",
		"target/createTarget":    "Target.createTarget",
		"target/closeTarget":     "Target.closeTarget",
		"browser/getVersion":     "Browser.getVersion",
	} {
		t.AddCommand(tool, inspector)
	}
	for event, notification := range map[string]string{
		"Runtime.consoleAPICalled":  "notifications/console",
		"Runtime.exceptionThrown":   "notifications/exception",
		"Log.entryAdded":            "notifications/log",
		"Network.requestWillBeSent": "notifications/network/request",
		"Network.responseReceived":  "notifications/network/response",
		"Network.loadingFailed":     "notifications/network/failed",
		"Page.frameNavigated":       "notifications/page/navigated",
		"Page.loadEventFired":       "notifications/page/load",
		"Target.targetCreated":      "notifications/target/created",
		"Target.targetDestroyed":    "notifications/target/destroyed",
		"Target.attachedToTarget":   "notifications/session/attached",
		"Target.detachedFromTarget": "notifications/session/detached",
	} {
		t.AddNotification(event, notification)
	}
	return t
}

func (t *MethodTable) AddCommand(toolMethod, inspectorMethod string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.commands[toolMethod] = inspectorMethod
}

func (t *MethodTable) AddNotification(event, toolMethod string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notifications[event] = toolMethod
}

// Command returns the inspector method for a tool method.
func (t *MethodTable) Command(toolMethod string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.commands[toolMethod]
	return m, ok
}

// Notification returns the tool notification for an inspector event.
func (t *MethodTable) Notification(event string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.notifications[event]
	return m, ok
}

// ToolMethods lists the mapped tool methods, sorted.
func (t *MethodTable) ToolMethods() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Sorted(maps.Keys(t.commands))
}

// ProtocolMapping turns tool requests into inspector commands and inspector
// events into tool notifications. Unmapped requests and events are dropped;
// other message types pass through.
func ProtocolMapping(table *MethodTable) Transform {
	return func(_ context.Context, msg *message.Message) (*message.Message, error) {
		switch p := msg.Payload.(type) {
		case message.RequestPayload:
			method, ok := table.Command(p.Method)
			if !ok {
				return nil, nil
			}
			params, sessionID, err := extractSession(p.Params)
			if err != nil {
				return nil, fmt.Errorf("map %s: %w", p.Method, err)
			}
			if sessionID == "" {
				sessionID = msg.SessionID
			}
			out := msg.WithPayload(message.CommandPayload{
				Method:    method,
				Params:    params,
				SessionID: sessionID,
				RequestID: p.ID,
			})
			out.Target = TargetInspector
			out.SessionID = sessionID
			return out, nil

		case message.EventPayload:
			method, ok := table.Notification(p.Method)
			if !ok {
				return nil, nil
			}
			params := p.Params
			if p.SessionID != "" {
				var err error
				params, err = sjson.SetBytes(nonEmpty(params), sessionParam, p.SessionID)
				if err != nil {
					return nil, fmt.Errorf("map %s: %w", p.Method, err)
				}
			}
			out := msg.WithPayload(message.NotificationPayload{Method: method, Params: params})
			out.Target = TargetTool
			return out, nil
		}
		return msg, nil
	}
}

// extractSession pulls the addressing sessionId out of tool params.
func extractSession(params []byte) ([]byte, string, error) {
	if len(params) == 0 {
		return params, "", nil
	}
	if !gjson.ValidBytes(params) {
		return nil, "", fmt.Errorf("params are not valid JSON")
	}
	sid := gjson.GetBytes(params, sessionParam)
	if !sid.Exists() {
		return params, "", nil
	}
	out, err := sjson.DeleteBytes(params, sessionParam)
	if err != nil {
		return nil, "", err
	}
	return out, sid.String(), nil
}

func nonEmpty(params []byte) []byte {
	if len(params) == 0 {
		return []byte("{}")
	}
	return params
}
