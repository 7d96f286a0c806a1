package auth

import (
	"context"
	"time"
)

// UserStore manages credential records.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	// FindByIdentifier resolves a user by username or email.
	FindByIdentifier(ctx context.Context, identifier string) (*User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	SetStatus(ctx context.Context, userID, status string) error
}

// RefreshTokenStore manages the refresh-token lifecycle. Consume is the
// single-use rotation primitive: it must flip the revoked flag atomically and
// fail with ErrRefreshRevoked when another rotation already flipped it, so no
// two concurrent rotations can both succeed on the same token.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	Find(ctx context.Context, id string) (*RefreshToken, error)
	Consume(ctx context.Context, id string) error
	// Revoke marks a token revoked regardless of prior state (logout).
	Revoke(ctx context.Context, id string) error
	RevokeAllForUser(ctx context.Context, userID string) (int, error)
	Delete(ctx context.Context, id string) error
	// DeleteExpired removes rows past expiry; meant for a background sweep,
	// never for the request path.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}
