// Package identity resolves and authorizes the accounts behind relay sessions.
package identity

import (
	"context"
	"fmt"
	"sync"

	apperrors "github.com/karashiiro/mogmog/internal/errors"
	"golang.org/x/sync/singleflight"
)

// Capabilities is the policy bitmask advertised to clients at connect time.
// Unknown bits must be ignorable by old clients.
type Capabilities uint32

const (
	// CapAuthorizationCodeRequired requires every connecting client to supply
	// an authorization code for the external identity provider.
	CapAuthorizationCodeRequired Capabilities = 1 << 0
)

// Has reports whether every bit of flag is set.
func (c Capabilities) Has(flag Capabilities) bool {
	return c&flag == flag
}

// Identity is the resolved (or pending) account behind a session.
//
// The external account id is fetched lazily: only when a moderation check or
// operator authorization first needs it, and cached until Release. An Identity
// without an auth token can never be a moderation target or operator.
type Identity struct {
	DisplayName string
	HomeWorldID int

	hasAuthToken bool
	resolver     *Resolver

	mu        sync.Mutex
	grant     Grant
	accountID uint64
	resolved  bool
}

// NewIdentity creates an unauthenticated identity.
func NewIdentity(displayName string, homeWorldID int) *Identity {
	return &Identity{
		DisplayName: displayName,
		HomeWorldID: homeWorldID,
	}
}

// NewAuthenticatedIdentity creates an identity backed by a provider grant.
// The account id stays unresolved until the first caller needs it.
func NewAuthenticatedIdentity(displayName string, homeWorldID int, grant Grant, resolver *Resolver) *Identity {
	return &Identity{
		DisplayName:  displayName,
		HomeWorldID:  homeWorldID,
		hasAuthToken: true,
		resolver:     resolver,
		grant:        grant,
	}
}

// NewBypassIdentity creates a pre-authorized identity for internal bridges.
// It holds no external account id until one is assigned by configuration.
func NewBypassIdentity(displayName string, homeWorldID int, accountID uint64) *Identity {
	return &Identity{
		DisplayName:  displayName,
		HomeWorldID:  homeWorldID,
		hasAuthToken: true,
		accountID:    accountID,
		resolved:     accountID != 0,
	}
}

// HasAuthToken reports whether the identity validated an authorization code
// or carries the bypass grant.
func (i *Identity) HasAuthToken() bool {
	return i.hasAuthToken
}

// AccountID returns the durable external account id, resolving it through the
// identity provider on first use. Resolution for one identity is serialized;
// concurrent callers share a single provider round-trip.
func (i *Identity) AccountID(ctx context.Context) (uint64, error) {
	if !i.hasAuthToken {
		return 0, apperrors.New(apperrors.CodeNoAuthentication, "identity has no auth token")
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.resolved {
		return i.accountID, nil
	}
	if i.resolver == nil || i.grant.AccessToken == "" {
		return 0, apperrors.New(apperrors.CodeNoAuthentication, "identity has no resolvable account")
	}

	accountID, err := i.resolver.resolve(ctx, i.grant.AccessToken)
	if err != nil {
		return 0, err
	}
	i.accountID = accountID
	i.resolved = true
	return accountID, nil
}

// PeekAccountID returns the cached account id without triggering resolution.
func (i *Identity) PeekAccountID() (uint64, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.accountID, i.resolved
}

// Release drops the cached resolution when the owning session closes.
func (i *Identity) Release() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.resolver != nil {
		i.resolver.forget(i.grant.AccessToken)
	}
	i.grant = Grant{}
	i.accountID = 0
	i.resolved = false
}

// Resolver memoizes account-id lookups against the identity provider.
//
// Lookups for the same access token are single-flighted so interleaved
// moderation checks cannot race duplicate provider calls.
type Resolver struct {
	provider Provider
	group    singleflight.Group
}

// NewResolver creates a resolver over the given provider.
func NewResolver(provider Provider) *Resolver {
	return &Resolver{provider: provider}
}

func (r *Resolver) resolve(ctx context.Context, accessToken string) (uint64, error) {
	if r.provider == nil {
		return 0, apperrors.New(apperrors.CodeNoAuthentication, "identity provider is not configured")
	}

	value, err, _ := r.group.Do(accessToken, func() (any, error) {
		return r.provider.ResolveAccountID(ctx, accessToken)
	})
	if err != nil {
		return 0, fmt.Errorf("resolve account id: %w", err)
	}
	return value.(uint64), nil
}

func (r *Resolver) forget(accessToken string) {
	if accessToken == "" {
		return
	}
	r.group.Forget(accessToken)
}
