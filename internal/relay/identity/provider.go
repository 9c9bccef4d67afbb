package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	apperrors "github.com/karashiiro/mogmog/internal/errors"
	"github.com/karashiiro/mogmog/internal/platform/timeouts"
	"golang.org/x/oauth2"
)

// Grant is the result of an authorization-code exchange or token refresh.
type Grant struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
}

// Provider exchanges authorization codes with the external identity provider.
//
// The relay tolerates provider failures by rejecting authentication; it never
// guesses an identity. Account ids are fetched separately so sessions can
// defer the lookup until a moderation check first needs it.
type Provider interface {
	ExchangeCode(ctx context.Context, code string) (Grant, error)
	RefreshToken(ctx context.Context, refreshToken string) (Grant, error)
	ResolveAccountID(ctx context.Context, accessToken string) (uint64, error)
}

// OAuthConfig defines the inputs for the OAuth provider client.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	UserInfoURL  string
	RedirectURL  string
}

// OAuthProvider resolves durable account ids through an OAuth2 code grant.
type OAuthProvider struct {
	conf        *oauth2.Config
	userInfoURL string
	httpClient  *http.Client
}

// NewOAuthProvider creates a provider client, or nil when unconfigured.
func NewOAuthProvider(config OAuthConfig) *OAuthProvider {
	clientID := strings.TrimSpace(config.ClientID)
	tokenURL := strings.TrimSpace(config.TokenURL)
	userInfoURL := strings.TrimSpace(config.UserInfoURL)
	if clientID == "" || tokenURL == "" || userInfoURL == "" {
		return nil
	}

	return &OAuthProvider{
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: strings.TrimSpace(config.ClientSecret),
			RedirectURL:  strings.TrimSpace(config.RedirectURL),
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		userInfoURL: userInfoURL,
		httpClient: &http.Client{
			Timeout: timeouts.ProviderRequest,
		},
	}
}

// ExchangeCode trades an authorization code for tokens and the account id.
func (p *OAuthProvider) ExchangeCode(ctx context.Context, code string) (Grant, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Grant{}, apperrors.New(apperrors.CodeUnauthorized, "authorization code is required")
	}

	token, err := p.conf.Exchange(p.clientContext(ctx), code)
	if err != nil {
		return Grant{}, apperrors.Wrap(apperrors.CodeUnauthorized, "authorization code exchange rejected", err)
	}
	return grantFromToken(token), nil
}

// RefreshToken trades a refresh token for a fresh grant.
func (p *OAuthProvider) RefreshToken(ctx context.Context, refreshToken string) (Grant, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return Grant{}, apperrors.New(apperrors.CodeUnauthorized, "refresh token is required")
	}

	source := p.conf.TokenSource(p.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return Grant{}, apperrors.Wrap(apperrors.CodeUnauthorized, "token refresh rejected", err)
	}
	return grantFromToken(token), nil
}

func (p *OAuthProvider) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

func grantFromToken(token *oauth2.Token) Grant {
	grant := Grant{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}
	if !token.Expiry.IsZero() {
		grant.ExpiresIn = int64(token.ExpiresIn)
	}
	return grant
}

type userInfoResponse struct {
	ID string `json:"id"`
}

// ResolveAccountID fetches the durable account id behind an access token.
func (p *OAuthProvider) ResolveAccountID(ctx context.Context, accessToken string) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build user info request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeUnauthorized, "user info request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, apperrors.Wrap(apperrors.CodeUnauthorized,
			fmt.Sprintf("user info status %d", resp.StatusCode),
			errors.New(strings.TrimSpace(string(body))))
	}

	var payload userInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("decode user info response: %w", err)
	}

	accountID, err := strconv.ParseUint(strings.TrimSpace(payload.ID), 10, 64)
	if err != nil || accountID == 0 {
		return 0, apperrors.New(apperrors.CodeUnauthorized, "user info returned no usable account id")
	}
	return accountID, nil
}
