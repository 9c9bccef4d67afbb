package identity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	apperrors "github.com/karashiiro/mogmog/internal/errors"
	"github.com/karashiiro/mogmog/internal/relay/worlds"
)

type fakeProvider struct {
	exchangeErr  error
	resolveErr   error
	accountID    uint64
	exchangeHits atomic.Int64
	resolveHits  atomic.Int64
	resolveGate  chan struct{}
}

func (f *fakeProvider) ExchangeCode(_ context.Context, code string) (Grant, error) {
	f.exchangeHits.Add(1)
	if f.exchangeErr != nil {
		return Grant{}, f.exchangeErr
	}
	return Grant{AccessToken: "access-" + code, RefreshToken: "refresh-" + code, ExpiresIn: 3600}, nil
}

func (f *fakeProvider) RefreshToken(_ context.Context, refreshToken string) (Grant, error) {
	return Grant{AccessToken: "refreshed", RefreshToken: refreshToken}, nil
}

func (f *fakeProvider) ResolveAccountID(_ context.Context, _ string) (uint64, error) {
	f.resolveHits.Add(1)
	if f.resolveGate != nil {
		<-f.resolveGate
	}
	if f.resolveErr != nil {
		return 0, f.resolveErr
	}
	return f.accountID, nil
}

func testCatalog(t *testing.T) *worlds.Catalog {
	t.Helper()
	catalog, err := worlds.Load()
	if err != nil {
		t.Fatalf("load world catalog: %v", err)
	}
	return catalog
}

func TestAuthenticateRejectsUnknownWorld(t *testing.T) {
	auth := NewAuthenticator(testCatalog(t), &fakeProvider{}, AuthenticatorConfig{})
	_, err := auth.Authenticate(context.Background(), "Mog", 123456, "")
	if !apperrors.IsCode(err, apperrors.CodeUnknownWorld) {
		t.Fatalf("expected UNKNOWN_WORLD, got %v", err)
	}
}

func TestAuthenticateRequiresCodeWhenPolicySet(t *testing.T) {
	auth := NewAuthenticator(testCatalog(t), &fakeProvider{}, AuthenticatorConfig{
		Capabilities: CapAuthorizationCodeRequired,
	})
	_, err := auth.Authenticate(context.Background(), "Mog", 23, "")
	if !apperrors.IsCode(err, apperrors.CodeUnauthorized) {
		t.Fatalf("expected UNAUTHORIZED, got %v", err)
	}
}

func TestAuthenticateWithoutCodeWhenPolicyOpen(t *testing.T) {
	auth := NewAuthenticator(testCatalog(t), &fakeProvider{}, AuthenticatorConfig{})
	id, err := auth.Authenticate(context.Background(), "Mog", 23, "")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if id.HasAuthToken() {
		t.Fatal("expected identity without auth token")
	}
	if _, err := id.AccountID(context.Background()); !apperrors.IsCode(err, apperrors.CodeNoAuthentication) {
		t.Fatalf("expected NO_AUTHENTICATION for unauthenticated identity, got %v", err)
	}
}

func TestAuthenticateExchangeFailureRejects(t *testing.T) {
	provider := &fakeProvider{exchangeErr: apperrors.New(apperrors.CodeUnauthorized, "bad code")}
	auth := NewAuthenticator(testCatalog(t), provider, AuthenticatorConfig{
		Capabilities: CapAuthorizationCodeRequired,
	})
	_, err := auth.Authenticate(context.Background(), "Mog", 23, "nope")
	if !apperrors.IsCode(err, apperrors.CodeUnauthorized) {
		t.Fatalf("expected UNAUTHORIZED, got %v", err)
	}
}

func TestBypassCodeSkipsProvider(t *testing.T) {
	provider := &fakeProvider{}
	auth := NewAuthenticator(testCatalog(t), provider, AuthenticatorConfig{
		Capabilities:    CapAuthorizationCodeRequired,
		BypassCode:      "moogle-post",
		BypassAccountID: 42,
	})
	id, err := auth.Authenticate(context.Background(), "Bridge", worlds.PseudoWorldDiscord, "moogle-post")
	if err != nil {
		t.Fatalf("authenticate with bypass: %v", err)
	}
	if !id.HasAuthToken() {
		t.Fatal("expected bypass identity to be pre-authorized")
	}
	if hits := provider.exchangeHits.Load(); hits != 0 {
		t.Fatalf("expected no provider round-trip, got %d", hits)
	}
	accountID, err := id.AccountID(context.Background())
	if err != nil {
		t.Fatalf("bypass account id: %v", err)
	}
	if accountID != 42 {
		t.Fatalf("expected configured bypass account id, got %d", accountID)
	}
}

func TestAccountIDResolutionIsLazyAndMemoized(t *testing.T) {
	provider := &fakeProvider{accountID: 777}
	auth := NewAuthenticator(testCatalog(t), provider, AuthenticatorConfig{})
	id, err := auth.Authenticate(context.Background(), "Mog", 23, "good-code")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if hits := provider.resolveHits.Load(); hits != 0 {
		t.Fatalf("expected no resolution before first use, got %d", hits)
	}

	for range 3 {
		accountID, err := id.AccountID(context.Background())
		if err != nil {
			t.Fatalf("account id: %v", err)
		}
		if accountID != 777 {
			t.Fatalf("expected account 777, got %d", accountID)
		}
	}
	if hits := provider.resolveHits.Load(); hits != 1 {
		t.Fatalf("expected exactly one provider lookup, got %d", hits)
	}

	id.Release()
	if _, resolved := id.PeekAccountID(); resolved {
		t.Fatal("expected release to drop cached resolution")
	}
}

func TestConcurrentResolutionSharesOneLookup(t *testing.T) {
	provider := &fakeProvider{accountID: 9, resolveGate: make(chan struct{})}
	auth := NewAuthenticator(testCatalog(t), provider, AuthenticatorConfig{})
	id, err := auth.Authenticate(context.Background(), "Mog", 23, "good-code")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	const callers = 8
	results := make(chan uint64, callers)
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			accountID, err := id.AccountID(context.Background())
			if err != nil {
				t.Errorf("account id: %v", err)
				return
			}
			results <- accountID
		}()
	}

	close(provider.resolveGate)
	wg.Wait()
	close(results)

	for accountID := range results {
		if accountID != 9 {
			t.Fatalf("expected account 9, got %d", accountID)
		}
	}
	if hits := provider.resolveHits.Load(); hits != 1 {
		t.Fatalf("expected one shared provider call, got %d", hits)
	}
}

func TestResolveCodeRejectsEmptyToken(t *testing.T) {
	auth := NewAuthenticator(testCatalog(t), &fakeProvider{}, AuthenticatorConfig{})
	_, err := auth.ResolveCode(context.Background(), " ")
	if !apperrors.IsCode(err, apperrors.CodeNoAuthentication) {
		t.Fatalf("expected NO_AUTHENTICATION, got %v", err)
	}
}

func TestResolveCodeResolvesThroughProvider(t *testing.T) {
	provider := &fakeProvider{accountID: 55}
	auth := NewAuthenticator(testCatalog(t), provider, AuthenticatorConfig{})
	accountID, err := auth.ResolveCode(context.Background(), "operator-code")
	if err != nil {
		t.Fatalf("resolve code: %v", err)
	}
	if accountID != 55 {
		t.Fatalf("expected account 55, got %d", accountID)
	}
}

func TestResolveCodeProviderFailure(t *testing.T) {
	provider := &fakeProvider{resolveErr: errors.New("provider down")}
	auth := NewAuthenticator(testCatalog(t), provider, AuthenticatorConfig{})
	if _, err := auth.ResolveCode(context.Background(), "operator-code"); err == nil {
		t.Fatal("expected provider failure to reject resolution")
	}
}
