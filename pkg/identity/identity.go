// Package identity is the auth collaborator: it exposes the currently
// authenticated identity synchronously plus a stream of identity-change
// events, which is all the mirror layer needs. The token-backed provider
// verifies JWTs; the daemon uses the same verification on connect.
package identity

import (
	"sync"
	"time"
)

// Identity describes one authenticated principal. A nil *Identity means
// signed out.
type Identity struct {
	Subject   string         `cbor:"sub"`
	Name      string         `cbor:"name,omitempty"`
	Email     string         `cbor:"email,omitempty"`
	Claims    map[string]any `cbor:"claims,omitempty"`
	ExpiresAt time.Time      `cbor:"exp,omitempty"`
}

// Provider is the auth collaborator contract.
type Provider interface {
	// Current returns the identity as of now, nil if signed out.
	Current() *Identity

	// Watch subscribes fn to identity-change events. fn is not called
	// with the current identity on attach, only on subsequent changes.
	// The returned stop function ends delivery.
	Watch(fn func(*Identity)) (stop func())
}

var _ Provider = (*StaticProvider)(nil)

// StaticProvider reports a fixed identity that never changes. Used in
// tests and examples.
type StaticProvider struct {
	identity *Identity
}

// NewStatic returns a provider fixed at id.
func NewStatic(id *Identity) *StaticProvider {
	return &StaticProvider{identity: id}
}

func (p *StaticProvider) Current() *Identity { return p.identity }

func (p *StaticProvider) Watch(func(*Identity)) func() {
	return func() {}
}

// watcherSet is the shared change-event registry used by mutable
// providers.
type watcherSet struct {
	mu       sync.Mutex
	watchers map[uint64]func(*Identity)
	next     uint64
}

func (s *watcherSet) add(fn func(*Identity)) func() {
	s.mu.Lock()
	if s.watchers == nil {
		s.watchers = make(map[uint64]func(*Identity))
	}
	id := s.next
	s.next++
	s.watchers[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
		})
	}
}

func (s *watcherSet) publish(id *Identity) {
	s.mu.Lock()
	targets := make([]func(*Identity), 0, len(s.watchers))
	for _, fn := range s.watchers {
		targets = append(targets, fn)
	}
	s.mu.Unlock()

	for _, fn := range targets {
		fn(id)
	}
}
