package inspector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/standardbeagle/devbridge/pkg/events"
)

// SessionState mirrors the lifecycle of an attached target.
type SessionState string

const (
	SessionConnecting   SessionState = "connecting"
	SessionConnected    SessionState = "connected"
	SessionDisconnected SessionState = "disconnected"
	SessionError        SessionState = "error"
)

// SessionInfo is a snapshot of a Session.
type SessionInfo struct {
	SessionID      string       `json:"sessionId"`
	TargetInfo     TargetInfo   `json:"targetInfo"`
	State          SessionState `json:"state"`
	Created        time.Time    `json:"created"`
	LastActivity   time.Time    `json:"lastActivity"`
	EnabledDomains []string     `json:"enabledDomains"`
}

// EventHandler receives session events. Handlers run on the dispatcher
// goroutine and may call Send.
type EventHandler func(Event)

type sessionHandler struct {
	id      events.HandlerID
	handler EventHandler
}

// Session is one flattened inspector session on a target. Sessions are
// created and destroyed by the Manager.
type Session struct {
	id      string
	manager *Manager
	log     *zap.Logger
	created time.Time

	mu           sync.RWMutex
	target       TargetInfo
	state        SessionState
	lastActivity time.Time
	domains      map[string]bool
	handlers     map[string][]sessionHandler
	nextHandler  events.HandlerID

	// serialises enable/disable so one domain is never enabled twice
	domainMu sync.Mutex
}

func newSession(id string, target TargetInfo, m *Manager) *Session {
	now := time.Now()
	return &Session{
		id:           id,
		manager:      m,
		log:          m.log.With(zap.String("session", id)),
		created:      now,
		target:       target,
		state:        SessionConnected,
		lastActivity: now,
		domains:      make(map[string]bool),
		handlers:     make(map[string][]sessionHandler),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionInfo{
		SessionID:      s.id,
		TargetInfo:     s.target,
		State:          s.state,
		Created:        s.created,
		LastActivity:   s.lastActivity,
		EnabledDomains: s.enabledDomainsLocked(),
	}
}

func (s *Session) TargetInfo() TargetInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.target
}

func (s *Session) setTargetInfo(info TargetInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info.TargetID == "" {
		info.TargetID = s.target.TargetID
	}
	s.target = info
}

func (s *Session) IsDestroyed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == SessionDisconnected
}

// EnabledDomains returns the enabled domain names, sorted.
func (s *Session) EnabledDomains() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabledDomainsLocked()
}

func (s *Session) enabledDomainsLocked() []string {
	out := make([]string, 0, len(s.domains))
	for name := range s.domains {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

func (s *Session) IsDomainEnabled(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.domains[name]
}

func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Send transmits cmd on this session. Inspector errors come back in
// Result.Error, not as a Go error.
func (s *Session) Send(ctx context.Context, cmd Command) (*Result, error) {
	if s.IsDestroyed() {
		return nil, &ProtocolError{Method: cmd.Method, SessionID: s.id, Err: ErrSessionDestroyed}
	}
	cmd.SessionID = s.id
	s.touch()
	res, err := s.manager.transmit(ctx, cmd)
	if err == nil {
		s.touch()
	}
	return res, err
}

// call sends method and decodes the result into out, turning inspector
// errors into a *ProtocolError.
func (s *Session) call(ctx context.Context, method string, params any, out any) error {
	res, err := s.Send(ctx, Command{Method: method, Params: params})
	if err != nil {
		return err
	}
	if err := res.Decode(out); err != nil {
		return &ProtocolError{Method: method, SessionID: s.id, Err: err}
	}
	return nil
}

// EnableDomain sends "<name>.enable" unless the domain is already enabled.
func (s *Session) EnableDomain(ctx context.Context, name string) error {
	return s.setDomain(ctx, name, true)
}

// DisableDomain sends "<name>.disable" when the domain is enabled.
func (s *Session) DisableDomain(ctx context.Context, name string) error {
	return s.setDomain(ctx, name, false)
}

func (s *Session) setDomain(ctx context.Context, name string, enable bool) error {
	s.domainMu.Lock()
	defer s.domainMu.Unlock()

	if s.IsDomainEnabled(name) == enable {
		return nil
	}

	method := name + ".disable"
	if enable {
		method = name + ".enable"
	}
	if err := s.call(ctx, method, nil, nil); err != nil {
		return err
	}

	s.mu.Lock()
	if enable {
		s.domains[name] = true
	} else {
		delete(s.domains, name)
	}
	s.mu.Unlock()

	s.log.Debug("Domain toggled", zap.String("domain", name), zap.Bool("enabled", enable))
	return nil
}

// EvaluateOptions tunes Runtime.evaluate. Nil pointers take the defaults
// (returnByValue and awaitPromise on).
type EvaluateOptions struct {
	ReturnByValue         *bool
	AwaitPromise          *bool
	IncludeCommandLineAPI bool
	Silent                bool
	ContextID             int
	Timeout               time.Duration
}

func (o EvaluateOptions) params(expression string) map[string]any {
	p := map[string]any{
		"expression":    expression,
		"returnByValue": o.ReturnByValue == nil || *o.ReturnByValue,
		"awaitPromise":  o.AwaitPromise == nil || *o.AwaitPromise,
	}
	if o.IncludeCommandLineAPI {
		p["includeCommandLineAPI"] = true
	}
	if o.Silent {
		p["silent"] = true
	}
	if o.ContextID != 0 {
		p["contextId"] = o.ContextID
	}
	if o.Timeout > 0 {
		p["timeout"] = o.Timeout.Milliseconds()
	}
	return p
}

// Evaluate runs expression in the page and returns the JSON value it produced.
// Scripts that throw fail with *EvaluationError. With returnByValue off the
// RemoteObject itself is returned.
func (s *Session) Evaluate(ctx context.Context, expression string, opts EvaluateOptions) (json.RawMessage, error) {
	const method = "Runtime.evaluate"
	res, err := s.Send(ctx, Command{Method: method, Params: opts.params(expression)})
	if err != nil {
		return nil, err
	}
	if res.Error != nil {
		return nil, &EvaluationError{Expression: expression, Text: res.Error.Message, Details: mustJSON(res.Error)}
	}

	body := res.Result
	if details := gjson.GetBytes(body, "exceptionDetails"); details.Exists() {
		return nil, &EvaluationError{
			Expression:  expression,
			Text:        details.Get("text").String(),
			Description: details.Get("exception.description").String(),
			LineNumber:  int(details.Get("lineNumber").Int()),
			Column:      int(details.Get("columnNumber").Int()),
			Details:     []byte(details.Raw),
		}
	}

	remote := gjson.GetBytes(body, "result")
	if opts.ReturnByValue != nil && !*opts.ReturnByValue {
		return json.RawMessage(remote.Raw), nil
	}
	value := remote.Get("value")
	if !value.Exists() {
		// undefined and unserializable values carry no "value"
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(value.Raw), nil
}

// EvaluateInto evaluates expression and unmarshals the value into out.
func (s *Session) EvaluateInto(ctx context.Context, expression string, out any) error {
	raw, err := s.Evaluate(ctx, expression, EvaluateOptions{})
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func mustJSON(v any) []byte {
	data, _ := json.Marshal(v)
	return data
}

// NavigateResult is the outcome of Page.navigate.
type NavigateResult struct {
	FrameID   string `json:"frameId"`
	LoaderID  string `json:"loaderId,omitempty"`
	ErrorText string `json:"errorText,omitempty"`
}

// Navigate loads url in the session's page. A navigation the browser reports
// as failed returns a *ProtocolError.
func (s *Session) Navigate(ctx context.Context, url string) (NavigateResult, error) {
	const method = "Page.navigate"
	var out NavigateResult
	if err := s.call(ctx, method, map[string]any{"url": url}, &out); err != nil {
		return NavigateResult{}, err
	}
	if out.ErrorText != "" {
		return out, &ProtocolError{Method: method, SessionID: s.id, Err: errors.New(out.ErrorText)}
	}
	return out, nil
}

func (s *Session) Reload(ctx context.Context, ignoreCache bool) error {
	return s.call(ctx, "Page.reload", map[string]any{"ignoreCache": ignoreCache}, nil)
}

// Viewport is a screenshot clip rectangle.
type Viewport struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Scale  float64 `json:"scale"`
}

type ScreenshotOptions struct {
	Format   string // "png" (default), "jpeg" or "webp"
	Quality  int    // jpeg/webp only
	Clip     *Viewport
	FullPage bool
}

// Screenshot captures the page and returns the decoded image bytes.
func (s *Session) Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error) {
	const method = "Page.captureScreenshot"
	params := map[string]any{}
	format := opts.Format
	if format == "" {
		format = "png"
	}
	params["format"] = format
	if opts.Quality > 0 && format != "png" {
		params["quality"] = opts.Quality
	}
	if opts.Clip != nil {
		clip := *opts.Clip
		if clip.Scale == 0 {
			clip.Scale = 1
		}
		params["clip"] = clip
	}
	if opts.FullPage {
		params["captureBeyondViewport"] = true
	}

	var out struct {
		Data string `json:"data"`
	}
	if err := s.call(ctx, method, params, &out); err != nil {
		return nil, err
	}
	img, err := base64.StdEncoding.DecodeString(out.Data)
	if err != nil {
		return nil, &ProtocolError{Method: method, SessionID: s.id, Err: fmt.Errorf("decode image: %w", err)}
	}
	return img, nil
}

type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	Size     int     `json:"size"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	Session  bool    `json:"session"`
	SameSite string  `json:"sameSite,omitempty"`
}

type CookieParam struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	URL      string  `json:"url,omitempty"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
}

// GetCookies returns cookies for urls, or for the current page when none are
// given.
func (s *Session) GetCookies(ctx context.Context, urls ...string) ([]Cookie, error) {
	var params map[string]any
	if len(urls) > 0 {
		params = map[string]any{"urls": urls}
	}
	var out struct {
		Cookies []Cookie `json:"cookies"`
	}
	if err := s.call(ctx, "Network.getCookies", params, &out); err != nil {
		return nil, err
	}
	return out.Cookies, nil
}

func (s *Session) SetCookie(ctx context.Context, cookie CookieParam) error {
	const method = "Network.setCookie"
	var out struct {
		Success *bool `json:"success"`
	}
	if err := s.call(ctx, method, cookie, &out); err != nil {
		return err
	}
	if out.Success != nil && !*out.Success {
		return &ProtocolError{Method: method, SessionID: s.id, Err: fmt.Errorf("browser rejected cookie %q", cookie.Name)}
	}
	return nil
}

func (s *Session) ClearCookies(ctx context.Context) error {
	return s.call(ctx, "Network.clearBrowserCookies", nil, nil)
}

// GetLocalStorage returns the page's localStorage contents.
func (s *Session) GetLocalStorage(ctx context.Context) (map[string]string, error) {
	out := map[string]string{}
	if err := s.EvaluateInto(ctx, localStorageDumpScript, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetLocalStorageItem stores value under key. Non-string values are stored
// as JSON text.
func (s *Session) SetLocalStorageItem(ctx context.Context, key string, value any) error {
	str, err := storageValue(value)
	if err != nil {
		return &ProtocolError{Method: "Runtime.evaluate", SessionID: s.id, Err: err}
	}
	script, err := BuildScript(localStorageSetScript, key, str)
	if err != nil {
		return &ProtocolError{Method: "Runtime.evaluate", SessionID: s.id, Err: err}
	}
	_, err = s.Evaluate(ctx, script, EvaluateOptions{})
	return err
}

func (s *Session) ClearLocalStorage(ctx context.Context) error {
	_, err := s.Evaluate(ctx, localStorageClearScript, EvaluateOptions{})
	return err
}

// On registers handler for events named method.
func (s *Session) On(method string, handler EventHandler) events.HandlerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandler++
	id := s.nextHandler
	s.handlers[method] = append(s.handlers[method], sessionHandler{id: id, handler: handler})
	return id
}

// Off removes a handler registered with On.
func (s *Session) Off(method string, id events.HandlerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	hs := s.handlers[method]
	for i, h := range hs {
		if h.id == id {
			s.handlers[method] = slices.Delete(slices.Clone(hs), i, i+1)
			if len(s.handlers[method]) == 0 {
				delete(s.handlers, method)
			}
			return true
		}
	}
	return false
}

// HandleEvent delivers ev to the handlers registered for its method. A
// panicking handler is logged and does not stop delivery to the rest.
func (s *Session) HandleEvent(ev Event) {
	s.mu.Lock()
	if s.state == SessionDisconnected {
		s.mu.Unlock()
		return
	}
	s.lastActivity = time.Now()
	handlers := s.handlers[ev.Method]
	s.mu.Unlock()

	s.manager.publish(SessionEventNotice{SessionID: s.id, Event: ev})

	for _, h := range handlers {
		s.invoke(h, ev)
	}
}

func (s *Session) invoke(h sessionHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Session event handler panicked",
				zap.String("method", ev.Method),
				zap.Stringer("handler", h.id),
				zap.Any("panic", r))
		}
	}()
	h.handler(ev)
}

// Destroy marks the session dead and drops its handlers. Idempotent.
func (s *Session) Destroy() {
	s.mu.Lock()
	if s.state == SessionDisconnected {
		s.mu.Unlock()
		return
	}
	s.state = SessionDisconnected
	s.handlers = make(map[string][]sessionHandler)
	s.domains = make(map[string]bool)
	target := s.target
	s.mu.Unlock()

	s.log.Info("Session destroyed", zap.String("target", target.TargetID))
	s.manager.publish(SessionNotice{Kind: SessionDestroyed, SessionID: s.id, Target: target})
}
