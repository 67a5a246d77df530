package inspector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/mafredri/cdp/devtool"
)

// Resolver turns connection settings into a websocket endpoint.
type Resolver interface {
	Resolve(ctx context.Context, cfg ConnectionConfig) (Endpoint, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, cfg ConnectionConfig) (Endpoint, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, cfg ConnectionConfig) (Endpoint, error) {
	return f(ctx, cfg)
}

// EndpointResolver resolves endpoints through the DevTools HTTP interface and
// owns any browser it launched. Reconnects reuse the launched browser while
// it still answers /json/version; a browser that went away is relaunched.
type EndpointResolver struct {
	mu      sync.Mutex
	browser *launchedBrowser

	start func(LaunchConfig) (*launchedBrowser, error)
	alive func(ctx context.Context, b *launchedBrowser) bool
}

type launchedBrowser struct {
	url  string
	kill func()
}

const aliveTimeout = 2 * time.Second

// NewEndpointResolver returns a resolver that launches Chrome with the rod
// launcher when asked to.
func NewEndpointResolver() *EndpointResolver {
	return &EndpointResolver{start: startChrome, alive: answersVersion}
}

// Resolve prefers an explicit websocket URL, then a launched browser, then
// the /json/version document of host:port.
func (r *EndpointResolver) Resolve(ctx context.Context, cfg ConnectionConfig) (Endpoint, error) {
	if cfg.WebSocketURL != "" {
		return Endpoint{URL: cfg.WebSocketURL}, nil
	}
	if cfg.Launch.Enabled {
		return r.launch(ctx, cfg.Launch)
	}
	return ResolveEndpoint(ctx, cfg)
}

func (r *EndpointResolver) launch(ctx context.Context, cfg LaunchConfig) (Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browser != nil {
		if r.alive(ctx, r.browser) {
			return Endpoint{URL: r.browser.url, Browser: "launched"}, nil
		}
		r.browser.kill()
		r.browser = nil
	}

	b, err := r.start(cfg)
	if err != nil {
		return Endpoint{}, fmt.Errorf("launch chrome: %w", err)
	}
	r.browser = b
	return Endpoint{URL: b.url, Browser: "launched"}, nil
}

// Close kills a launched browser, if any.
func (r *EndpointResolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser != nil {
		r.browser.kill()
		r.browser = nil
	}
	return nil
}

func startChrome(cfg LaunchConfig) (*launchedBrowser, error) {
	l := launcher.New().Headless(cfg.Headless)
	if cfg.Bin != "" {
		l = l.Bin(cfg.Bin)
	}
	for name, val := range cfg.Flags {
		if val == "" {
			l = l.Set(flags.Flag(name))
		} else {
			l = l.Set(flags.Flag(name), val)
		}
	}
	wsURL, err := l.Launch()
	if err != nil {
		return nil, err
	}
	return &launchedBrowser{url: wsURL, kill: l.Kill}, nil
}

// answersVersion reports whether the browser behind b's websocket URL still
// serves its DevTools HTTP interface.
func answersVersion(ctx context.Context, b *launchedBrowser) bool {
	u, err := url.Parse(b.url)
	if err != nil {
		return false
	}
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	ctx, cancel := context.WithTimeout(ctx, aliveTimeout)
	defer cancel()
	_, err = devtool.New(scheme + "://" + u.Host).Version(ctx)
	return err == nil
}

// ResolveEndpoint queries http(s)://host:port/json/version for the browser
// websocket URL.
func ResolveEndpoint(ctx context.Context, cfg ConnectionConfig) (Endpoint, error) {
	if cfg.WebSocketURL != "" {
		return Endpoint{URL: cfg.WebSocketURL}, nil
	}
	dt := devtool.New(DevToolsURL(cfg))
	v, err := dt.Version(ctx)
	if err != nil {
		return Endpoint{}, err
	}
	if v.WebSocketDebuggerURL == "" {
		return Endpoint{}, errors.New("devtools /json/version returned no webSocketDebuggerUrl")
	}
	return Endpoint{URL: v.WebSocketDebuggerURL, Browser: v.Browser}, nil
}

// DevToolsURL is the HTTP base URL of the DevTools interface.
func DevToolsURL(cfg ConnectionConfig) string {
	scheme := "http"
	if cfg.Secure {
		scheme = "https"
	}
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, strconv.Itoa(cfg.Port)))
}

// ListPageTargets returns the page targets reported by /json/list.
func ListPageTargets(ctx context.Context, cfg ConnectionConfig) ([]TargetInfo, error) {
	dt := devtool.New(DevToolsURL(cfg))
	targets, err := dt.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []TargetInfo
	for _, t := range targets {
		if t.Type != devtool.Page {
			continue
		}
		out = append(out, TargetInfo{
			TargetID: string(t.ID),
			Type:     string(t.Type),
			Title:    t.Title,
			URL:      t.URL,
		})
	}
	return out, nil
}
