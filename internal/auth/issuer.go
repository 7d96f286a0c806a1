package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"authgate.org/internal/ids"
)

const accessTokenType = "access"

// AccessClaims are the signed claims of a short-lived access token.
type AccessClaims struct {
	Role      string `json:"role"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies HS256-signed access tokens. Verification
// consults the revocation registry, so a blacklisted jti fails before natural
// expiry.
type TokenIssuer struct {
	secret      []byte
	issuer      string
	ttl         time.Duration
	revocations RevocationRegistry
	now         func() time.Time
}

// NewTokenIssuer builds a TokenIssuer for the given symmetric key.
func NewTokenIssuer(secret []byte, issuer string, ttl time.Duration, revocations RevocationRegistry) (*TokenIssuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: signing secret is required")
	}
	if ttl <= 0 {
		return nil, errors.New("auth: access token ttl must be positive")
	}
	if revocations == nil {
		return nil, errors.New("auth: revocation registry is required")
	}
	return &TokenIssuer{
		secret:      secret,
		issuer:      strings.TrimSpace(issuer),
		ttl:         ttl,
		revocations: revocations,
		now:         time.Now,
	}, nil
}

// TTL returns the configured access token lifetime.
func (ti *TokenIssuer) TTL() time.Duration { return ti.ttl }

// Issue signs a fresh access token for the subject with a role snapshot and a
// unique token id.
func (ti *TokenIssuer) Issue(userID string, role Role) (string, *AccessClaims, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", nil, errors.New("auth: subject is required")
	}
	now := ti.now().UTC()
	claims := &AccessClaims{
		Role:      string(role),
		TokenType: accessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ti.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ti.ttl)),
			ID:        ids.New(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ti.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims, nil
}

// Verify checks signature, structure, token type, expiry and revocation state.
// The three failure kinds stay distinguishable so callers can choose between
// re-authentication and refresh flows.
func (ti *TokenIssuer) Verify(ctx context.Context, token string) (*AccessClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenMalformed
	}

	parsed, err := jwt.ParseWithClaims(token, &AccessClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrTokenMalformed
		}
		return ti.secret, nil
	}, jwt.WithTimeFunc(ti.now), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenMalformed
	}
	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenMalformed
	}
	if claims.TokenType != accessTokenType {
		return nil, ErrTokenMalformed
	}
	if ti.issuer != "" && claims.Issuer != ti.issuer {
		return nil, ErrTokenMalformed
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.ID == "" {
		return nil, ErrTokenMalformed
	}

	revoked, err := ti.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: revocation check: %v", ErrBackendUnavailable, err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}
