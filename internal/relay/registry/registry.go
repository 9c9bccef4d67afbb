// Package registry tracks the live sessions eligible to receive broadcasts.
package registry

import (
	"context"
	"strings"
	"sync"

	"github.com/karashiiro/mogmog/internal/relay/hub"
	"github.com/karashiiro/mogmog/internal/relay/identity"
)

// Session is one live streaming connection to the relay.
//
// One identity may hold multiple simultaneous sessions; the registry does not
// deduplicate, and every session receives broadcasts independently.
type Session interface {
	hub.Subscriber
	SessionID() string
	Identity() *identity.Identity
	// Disconnect force-closes the session (ban, kick).
	Disconnect()
}

// Registry is the concurrency-safe set of live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[Session]struct{}
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{sessions: make(map[Session]struct{})}
}

// Add registers a session for broadcasts.
func (r *Registry) Add(session Session) {
	if session == nil {
		return
	}
	r.mu.Lock()
	r.sessions[session] = struct{}{}
	r.mu.Unlock()
}

// Remove unregisters a session. It is idempotent.
func (r *Registry) Remove(session Session) {
	r.mu.Lock()
	delete(r.sessions, session)
	r.mu.Unlock()
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Subscribers returns the current broadcast fan-out set.
func (r *Registry) Subscribers() []hub.Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subscribers := make([]hub.Subscriber, 0, len(r.sessions))
	for session := range r.sessions {
		subscribers = append(subscribers, session)
	}
	return subscribers
}

// snapshot copies the session set so identity resolution never runs under
// the registry lock.
func (r *Registry) snapshot() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := make([]Session, 0, len(r.sessions))
	for session := range r.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}

// FindByNameAndWorld returns a live session claiming the given display name
// and home world, or nil.
func (r *Registry) FindByNameAndWorld(displayName string, worldID int) Session {
	displayName = strings.TrimSpace(displayName)
	for _, session := range r.snapshot() {
		id := session.Identity()
		if id == nil {
			continue
		}
		if strings.EqualFold(id.DisplayName, displayName) && id.HomeWorldID == worldID {
			return session
		}
	}
	return nil
}

// FindByAccountID returns every live session resolved to the given account.
// It may block on identity resolution for sessions that have not needed
// their account id yet.
func (r *Registry) FindByAccountID(ctx context.Context, accountID uint64) []Session {
	var matched []Session
	for _, session := range r.snapshot() {
		id := session.Identity()
		if id == nil || !id.HasAuthToken() {
			continue
		}
		resolved, err := id.AccountID(ctx)
		if err != nil {
			continue
		}
		if resolved == accountID {
			matched = append(matched, session)
		}
	}
	return matched
}

// Disconnect force-closes every live session for the account. ModerationStore
// invokes this when an identity is banned while connected.
func (r *Registry) Disconnect(accountID uint64) int {
	sessions := r.FindByAccountID(context.Background(), accountID)
	for _, session := range sessions {
		session.Disconnect()
	}
	return len(sessions)
}
