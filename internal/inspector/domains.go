package inspector

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Domain is an inspector protocol domain that can be switched on and off per
// session.
type Domain interface {
	Name() string
	// Enable turns the domain on for sessionID, or at browser level when
	// sessionID is empty.
	Enable(ctx context.Context, sessionID string) error
	Disable(ctx context.Context, sessionID string) error
}

// DefaultDomainNames are registered by RegisterDefaultDomains.
var DefaultDomainNames = []string{
	"Page", "Runtime", "Network", "DOM", "Console", "Log", "Debugger", "Performance", "Target",
}

type managedDomain struct {
	name    string
	manager *Manager
}

// NewDomain returns a Domain that delegates to the manager's sessions, which
// track enablement so repeated enables never reach the wire.
func NewDomain(name string, m *Manager) Domain {
	return &managedDomain{name: name, manager: m}
}

func (d *managedDomain) Name() string { return d.name }

func (d *managedDomain) Enable(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return d.manager.EnableDomain(ctx, d.name)
	}
	s := d.manager.GetSession(sessionID)
	if s == nil {
		return &ProtocolError{Method: d.name + ".enable", SessionID: sessionID, Err: ErrInvalidSession}
	}
	return s.EnableDomain(ctx, d.name)
}

func (d *managedDomain) Disable(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return d.manager.DisableDomain(ctx, d.name)
	}
	s := d.manager.GetSession(sessionID)
	if s == nil {
		return &ProtocolError{Method: d.name + ".disable", SessionID: sessionID, Err: ErrInvalidSession}
	}
	return s.DisableDomain(ctx, d.name)
}

// DomainRegistry holds the domains known to a Manager, in registration order.
type DomainRegistry struct {
	mu      sync.RWMutex
	domains map[string]Domain
	order   []string
}

func NewDomainRegistry() *DomainRegistry {
	return &DomainRegistry{domains: make(map[string]Domain)}
}

// RegisterDefaultDomains registers a stock wrapper for each of DefaultDomainNames.
func RegisterDefaultDomains(r *DomainRegistry, m *Manager) {
	for _, name := range DefaultDomainNames {
		r.Register(NewDomain(name, m))
	}
}

// Register adds d, replacing any domain with the same name.
func (r *DomainRegistry) Register(d Domain) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.domains[d.Name()]; !exists {
		r.order = append(r.order, d.Name())
	}
	r.domains[d.Name()] = d
}

func (r *DomainRegistry) Get(name string) (Domain, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.domains[name]
	return d, ok
}

func (r *DomainRegistry) GetAll() []Domain {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Domain, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.domains[name])
	}
	return out
}

// EnableDomains enables each named domain in order. Every domain is
// attempted; the failures are joined.
func (r *DomainRegistry) EnableDomains(ctx context.Context, names []string, sessionID string) error {
	return r.each(names, func(d Domain) error { return d.Enable(ctx, sessionID) })
}

func (r *DomainRegistry) DisableDomains(ctx context.Context, names []string, sessionID string) error {
	return r.each(names, func(d Domain) error { return d.Disable(ctx, sessionID) })
}

func (r *DomainRegistry) each(names []string, fn func(Domain) error) error {
	var errs []error
	for _, name := range names {
		d, ok := r.Get(name)
		if !ok {
			errs = append(errs, fmt.Errorf("unknown domain %q", name))
			continue
		}
		if err := fn(d); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
