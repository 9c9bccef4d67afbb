package identity

import (
	"context"
	"crypto/subtle"
	"strings"

	apperrors "github.com/karashiiro/mogmog/internal/errors"
	"github.com/karashiiro/mogmog/internal/relay/worlds"
)

// AuthenticatorConfig defines the relay's authentication policy.
type AuthenticatorConfig struct {
	// Capabilities is the policy bitmask advertised to clients.
	Capabilities Capabilities
	// BypassCode allows internal bridges to authenticate without a provider
	// round-trip. Empty disables the bypass.
	BypassCode string
	// BypassAccountID is the account id assigned to bypass identities, so
	// administrative bridges can still pass operator checks. Zero leaves the
	// bypass identity unresolvable.
	BypassAccountID uint64
}

// Authenticator resolves a connecting client's claimed identity.
type Authenticator struct {
	catalog  *worlds.Catalog
	provider Provider
	resolver *Resolver
	config   AuthenticatorConfig
}

// NewAuthenticator creates an authenticator over the world catalog and
// identity provider. The provider may be nil when the capability policy does
// not require authorization codes.
func NewAuthenticator(catalog *worlds.Catalog, provider Provider, config AuthenticatorConfig) *Authenticator {
	return &Authenticator{
		catalog:  catalog,
		provider: provider,
		resolver: NewResolver(provider),
		config:   config,
	}
}

// Capabilities returns the policy bitmask advertised at connect time.
func (a *Authenticator) Capabilities() Capabilities {
	return a.config.Capabilities
}

// Resolver returns the shared account-id resolver.
func (a *Authenticator) Resolver() *Resolver {
	return a.resolver
}

// Authenticate resolves the claimed identity for a new connection.
//
// The world id must resolve through the catalog. When the capability policy
// requires authorization codes, the code must exchange successfully with the
// identity provider; the distinguished bypass code skips the exchange and
// yields a pre-authorized identity.
func (a *Authenticator) Authenticate(ctx context.Context, displayName string, worldID int, authorizationCode string) (*Identity, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return nil, apperrors.New(apperrors.CodeEmptyDisplayName, "display name is required")
	}
	if _, err := a.catalog.Resolve(worldID); err != nil {
		return nil, err
	}

	authorizationCode = strings.TrimSpace(authorizationCode)
	if a.isBypassCode(authorizationCode) {
		return NewBypassIdentity(displayName, worldID, a.config.BypassAccountID), nil
	}

	if authorizationCode == "" {
		if a.config.Capabilities.Has(CapAuthorizationCodeRequired) {
			return nil, apperrors.New(apperrors.CodeUnauthorized, "authorization code is required")
		}
		return NewIdentity(displayName, worldID), nil
	}

	if a.provider == nil {
		return nil, apperrors.New(apperrors.CodeUnauthorized, "identity provider is not configured")
	}
	grant, err := a.provider.ExchangeCode(ctx, authorizationCode)
	if err != nil {
		return nil, err
	}
	return NewAuthenticatedIdentity(displayName, worldID, grant, a.resolver), nil
}

// ResolveCode exchanges an authorization code and immediately resolves the
// account id behind it. Admin frames use this when the caller presents a raw
// code instead of an issued state key.
func (a *Authenticator) ResolveCode(ctx context.Context, authorizationCode string) (uint64, error) {
	authorizationCode = strings.TrimSpace(authorizationCode)
	if authorizationCode == "" {
		return 0, apperrors.New(apperrors.CodeNoAuthentication, "operator token is required")
	}
	if a.isBypassCode(authorizationCode) {
		if a.config.BypassAccountID == 0 {
			return 0, apperrors.New(apperrors.CodeNoAuthentication, "bypass identity has no account id")
		}
		return a.config.BypassAccountID, nil
	}
	if a.provider == nil {
		return 0, apperrors.New(apperrors.CodeNoAuthentication, "identity provider is not configured")
	}

	grant, err := a.provider.ExchangeCode(ctx, authorizationCode)
	if err != nil {
		return 0, err
	}
	return a.resolver.resolve(ctx, grant.AccessToken)
}

func (a *Authenticator) isBypassCode(code string) bool {
	if a.config.BypassCode == "" || code == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(code), []byte(a.config.BypassCode)) == 1
}
