package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"authgate.org/internal/ids"
)

const (
	defaultIssuer     = "authgate"
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 24 * time.Hour * 14
)

// Service is the authentication façade the web layer talks to: credential
// verification, token pair issuance, refresh rotation, logout and mass
// revocation. All methods are safe for concurrent use.
type Service struct {
	users       UserStore
	refresh     RefreshTokenStore
	revocations RevocationRegistry
	issuer      *TokenIssuer
	hasher      Hasher
	now         func() time.Time

	issuerName string
	accessTTL  time.Duration
	refreshTTL time.Duration
	bcryptCost int
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithIssuerName overrides the iss claim embedded in access tokens.
func WithIssuerName(name string) ServiceOption {
	return func(s *Service) error {
		if strings.TrimSpace(name) != "" {
			s.issuerName = strings.TrimSpace(name)
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithBcryptCost configures the password hashing cost factor.
func WithBcryptCost(cost int) ServiceOption {
	return func(s *Service) error {
		s.bcryptCost = cost
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs the façade over the injected stores and registry.
func NewService(users UserStore, refresh RefreshTokenStore, revocations RevocationRegistry, secret []byte, opts ...ServiceOption) (*Service, error) {
	if users == nil || refresh == nil || revocations == nil {
		return nil, errors.New("auth: user store, refresh store and revocation registry are required")
	}
	svc := &Service{
		users:       users,
		refresh:     refresh,
		revocations: revocations,
		now:         time.Now,
		issuerName:  defaultIssuer,
		accessTTL:   defaultAccessTTL,
		refreshTTL:  defaultRefreshTTL,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	issuer, err := NewTokenIssuer(secret, svc.issuerName, svc.accessTTL, revocations)
	if err != nil {
		return nil, err
	}
	issuer.now = svc.now
	svc.issuer = issuer
	svc.hasher = NewHasher(svc.bcryptCost)
	return svc, nil
}

// Issuer exposes the token issuer for middleware-level verification.
func (s *Service) Issuer() *TokenIssuer { return s.issuer }

// CreateUser registers a credential record with a role from the closed set.
func (s *Service) CreateUser(ctx context.Context, username, email, password string, role Role) (*User, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(strings.ToLower(email))
	if username == "" || email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: username and valid email are required", ErrInvalidInput)
	}
	if password == "" {
		return nil, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	user := &User{
		ID:           ids.New(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		Status:       UserStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return nil, ErrAlreadyExists
		}
		return nil, backendErr("create user", err)
	}
	out := *user
	out.PasswordHash = ""
	return &out, nil
}

// Login verifies credentials and issues the initial token pair. All failure
// modes surface as ErrInvalidCredentials except backend outages.
func (s *Service) Login(ctx context.Context, identifier, password string, meta ClientMeta) (TokenPair, Principal, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return TokenPair{}, Principal{}, ErrInvalidCredentials
	}
	user, err := s.users.FindByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, Principal{}, ErrInvalidCredentials
		}
		return TokenPair{}, Principal{}, backendErr("find user", err)
	}
	if user.Status != UserStatusActive {
		return TokenPair{}, Principal{}, ErrInvalidCredentials
	}
	if !s.hasher.Verify(user.PasswordHash, password) {
		return TokenPair{}, Principal{}, ErrInvalidCredentials
	}
	pair, err := s.mintPair(ctx, user, meta)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	return pair, Principal{UserID: user.ID, Role: user.Role}, nil
}

// Refresh rotates a refresh token: validate, atomically consume, mint the
// successor pair. A consume that fails because another rotation already
// flipped the token is treated as reuse of a stolen token; every outstanding
// refresh token of the subject is revoked and ErrReuseDetected is returned.
func (s *Service) Refresh(ctx context.Context, rawToken string, meta ClientMeta) (TokenPair, Principal, error) {
	tokenID, secret, err := splitRefreshToken(rawToken)
	if err != nil {
		return TokenPair{}, Principal{}, ErrRefreshNotFound
	}

	rec, err := s.refresh.Find(ctx, tokenID)
	if err != nil {
		if errors.Is(err, ErrRefreshNotFound) {
			return TokenPair{}, Principal{}, ErrRefreshNotFound
		}
		return TokenPair{}, Principal{}, backendErr("find refresh token", err)
	}
	if rec.Revoked {
		return TokenPair{}, Principal{}, ErrRefreshRevoked
	}
	if !s.now().Before(rec.ExpiresAt) {
		_ = s.refresh.Delete(ctx, rec.ID)
		return TokenPair{}, Principal{}, ErrRefreshExpired
	}
	if !secureCompareHash(rec.TokenHash, secret) {
		// A real id with a forged secret: kill the record outright.
		_ = s.refresh.Revoke(ctx, rec.ID)
		return TokenPair{}, Principal{}, ErrRefreshNotFound
	}

	user, err := s.users.Find(ctx, rec.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, Principal{}, ErrRefreshNotFound
		}
		return TokenPair{}, Principal{}, backendErr("find user", err)
	}
	if user.Status != UserStatusActive {
		return TokenPair{}, Principal{}, ErrInvalidCredentials
	}

	// The single linearization point of the rotation protocol.
	if err := s.refresh.Consume(ctx, rec.ID); err != nil {
		switch {
		case errors.Is(err, ErrRefreshRevoked):
			if _, revokeErr := s.refresh.RevokeAllForUser(ctx, rec.UserID); revokeErr != nil {
				return TokenPair{}, Principal{}, backendErr("revoke all after reuse", revokeErr)
			}
			return TokenPair{}, Principal{}, ErrReuseDetected
		case errors.Is(err, ErrRefreshNotFound):
			return TokenPair{}, Principal{}, ErrRefreshNotFound
		default:
			return TokenPair{}, Principal{}, backendErr("consume refresh token", err)
		}
	}

	// If minting fails past this point the consumed token stays dead and the
	// caller must log in again; a consumed refresh token is never retryable.
	pair, err := s.mintPair(ctx, user, meta)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	return pair, Principal{UserID: user.ID, Role: user.Role}, nil
}

// Logout blacklists the access token's jti for its remaining lifetime and
// revokes the presented refresh token. Token defects are swallowed: a logout
// with an already dead token is still a logout.
func (s *Service) Logout(ctx context.Context, accessToken, refreshToken string) error {
	if accessToken != "" {
		claims, err := s.issuer.Verify(ctx, accessToken)
		switch {
		case err == nil:
			remaining := claims.ExpiresAt.Time.Sub(s.now())
			if err := s.revocations.Revoke(ctx, claims.ID, remaining); err != nil {
				return backendErr("revoke access token", err)
			}
		case errors.Is(err, ErrBackendUnavailable):
			return err
		}
	}
	if refreshToken != "" {
		tokenID, _, err := splitRefreshToken(refreshToken)
		if err == nil {
			if err := s.refresh.Revoke(ctx, tokenID); err != nil &&
				!errors.Is(err, ErrRefreshNotFound) {
				return backendErr("revoke refresh token", err)
			}
		}
	}
	return nil
}

// RevokeAll revokes every outstanding refresh token of the subject and
// returns the count. Admin-triggered; in-flight access tokens keep working
// until expiry unless individually blacklisted.
func (s *Service) RevokeAll(ctx context.Context, userID string) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	count, err := s.refresh.RevokeAllForUser(ctx, userID)
	if err != nil {
		return 0, backendErr("revoke all refresh tokens", err)
	}
	return count, nil
}

// Authenticate verifies an access token and returns the principal carried by
// its claims. The role snapshot comes from the token, not the store.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (Principal, error) {
	claims, err := s.issuer.Verify(ctx, accessToken)
	if err != nil {
		return Principal{}, err
	}
	role, _ := ParseRole(claims.Role)
	return Principal{UserID: claims.Subject, Role: role}, nil
}

// ChangePassword rotates a credential after re-verifying the current password
// and revokes all outstanding refresh tokens for the subject.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	if next == "" {
		return fmt.Errorf("%w: new password is required", ErrInvalidInput)
	}
	user, err := s.users.Find(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return backendErr("find user", err)
	}
	if !s.hasher.Verify(user.PasswordHash, current) {
		return ErrInvalidCredentials
	}
	hash, err := s.hasher.Hash(next)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, userID, hash); err != nil {
		return backendErr("update password", err)
	}
	if _, err := s.refresh.RevokeAllForUser(ctx, userID); err != nil {
		return backendErr("revoke refresh tokens", err)
	}
	return nil
}

// SetUserStatus toggles a credential active/disabled. Disabling also revokes
// all outstanding refresh tokens.
func (s *Service) SetUserStatus(ctx context.Context, userID, status string) error {
	if status != UserStatusActive && status != UserStatusDisabled {
		return fmt.Errorf("%w: unsupported status %q", ErrInvalidInput, status)
	}
	if err := s.users.SetStatus(ctx, userID, status); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return backendErr("set status", err)
	}
	if status == UserStatusDisabled {
		if _, err := s.refresh.RevokeAllForUser(ctx, userID); err != nil {
			return backendErr("revoke refresh tokens", err)
		}
	}
	return nil
}

// SweepExpired drops refresh-token rows past expiry. Runs on a background
// schedule from cmd/api.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	count, err := s.refresh.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, backendErr("sweep refresh tokens", err)
	}
	return count, nil
}

func (s *Service) mintPair(ctx context.Context, user *User, meta ClientMeta) (TokenPair, error) {
	access, claims, err := s.issuer.Issue(user.ID, user.Role)
	if err != nil {
		return TokenPair{}, err
	}
	refreshValue, rec, err := s.generateRefreshToken(user.ID, meta)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.refresh.Create(ctx, rec); err != nil {
		return TokenPair{}, backendErr("store refresh token", err)
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refreshValue,
		AccessExpiresAt:  claims.ExpiresAt.Time,
		RefreshExpiresAt: rec.ExpiresAt,
	}, nil
}

// generateRefreshToken builds an `id.secret` wire value with 256 bits of
// entropy and a record that stores only the secret's SHA-256.
func (s *Service) generateRefreshToken(userID string, meta ClientMeta) (string, *RefreshToken, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	sum := sha256.Sum256([]byte(secret))
	now := s.now().UTC()
	rec := &RefreshToken{
		ID:         ids.New(),
		UserID:     userID,
		TokenHash:  hex.EncodeToString(sum[:]),
		ExpiresAt:  now.Add(s.refreshTTL),
		CreatedAt:  now,
		ClientAddr: meta.Addr,
		UserAgent:  meta.UserAgent,
	}
	return rec.ID + "." + secret, rec, nil
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}

func secureCompareHash(expectedHash, secret string) bool {
	sum := sha256.Sum256([]byte(secret))
	actual := hex.EncodeToString(sum[:])
	if len(expectedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}

func backendErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrBackendUnavailable, op, err)
}
