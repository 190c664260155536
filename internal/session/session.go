// Package session resolves the signed-in user and role from a cached profile
// lookup. Token refresh and expiry belong to the backend's auth provider.
package session

import (
	"context"
	"errors"
	"sync"

	"decisiondesk/internal/domain"
	"decisiondesk/internal/gateway"
)

var ErrNoProfile = errors.New("signed-in user has no profile; run `dq profile set`")

type Session struct {
	UserID      string
	Role        string
	DisplayName string
}

func (s Session) IsDrafter() bool  { return s.Role == domain.RoleDrafter }
func (s Session) IsReviewer() bool { return s.Role == domain.RoleReviewer }

// Provider caches the current profile after the first lookup.
type Provider struct {
	Profiles gateway.Profiles

	mu     sync.Mutex
	cached *Session
}

func NewProvider(p gateway.Profiles) *Provider {
	return &Provider{Profiles: p}
}

// Current returns the cached session, loading it on first use.
func (p *Provider) Current(ctx context.Context) (Session, error) {
	if s, ok := p.Cached(); ok {
		return s, nil
	}
	prof, err := p.Profiles.Me(ctx)
	if errors.Is(err, gateway.ErrNotFound) {
		return Session{}, ErrNoProfile
	}
	if err != nil {
		return Session{}, err
	}
	s := Session{UserID: prof.ID, Role: prof.Role, DisplayName: prof.DisplayName}
	p.mu.Lock()
	p.cached = &s
	p.mu.Unlock()
	return s, nil
}

// Cached returns the session without any I/O.
func (p *Provider) Cached() (Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached == nil {
		return Session{}, false
	}
	return *p.cached, true
}

// Set primes the cache, e.g. right after a profile upsert.
func (p *Provider) Set(prof domain.Profile) {
	p.mu.Lock()
	p.cached = &Session{UserID: prof.ID, Role: prof.Role, DisplayName: prof.DisplayName}
	p.mu.Unlock()
}

func (p *Provider) Clear() {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()
}
