package identity

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	apperrors "github.com/karashiiro/mogmog/internal/errors"
)

const stateKeyIssuer = "mogmog-relay"

// stateKeyClaims is the internal claims type used for JWT parsing.
type stateKeyClaims struct {
	jwt.RegisteredClaims
	AccountID string `json:"account_id"`
}

// StateKeys issues and verifies signed session state keys.
//
// A state key binds a resolved account id to a compact token clients can
// present on admin frames instead of re-sending an authorization code.
type StateKeys struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewStateKeys creates a state key issuer, or nil when no secret is set.
func NewStateKeys(secret string, ttl time.Duration) *StateKeys {
	if secret == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &StateKeys{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue signs a state key for the given account id.
func (s *StateKeys) Issue(accountID uint64) (string, error) {
	if s == nil {
		return "", nil
	}
	if accountID == 0 {
		return "", apperrors.New(apperrors.CodeNoAuthentication, "cannot issue state key without account id")
	}

	now := s.now().UTC()
	claims := stateKeyClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    stateKeyIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		AccountID: strconv.FormatUint(accountID, 10),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign state key: %w", err)
	}
	return signed, nil
}

// Verify parses a state key and returns the account id it binds.
func (s *StateKeys) Verify(key string) (uint64, error) {
	if s == nil {
		return 0, apperrors.New(apperrors.CodeNoAuthentication, "state keys are not configured")
	}

	claims := &stateKeyClaims{}
	_, err := jwt.ParseWithClaims(key, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(stateKeyIssuer), jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeNoAuthentication, "state key rejected", err)
	}

	accountID, err := strconv.ParseUint(claims.AccountID, 10, 64)
	if err != nil || accountID == 0 {
		return 0, apperrors.New(apperrors.CodeNoAuthentication, "state key carries no account id")
	}
	return accountID, nil
}
