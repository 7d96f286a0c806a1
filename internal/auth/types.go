package auth

import "time"

const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// User is a credential record. The password hash never leaves this package.
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	Role         Role
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RefreshToken is the persisted half of an opaque refresh token. Only the
// SHA-256 of the secret part is stored; the raw value exists solely on the wire.
type RefreshToken struct {
	ID         string
	UserID     string
	TokenHash  string
	ExpiresAt  time.Time
	CreatedAt  time.Time
	Revoked    bool
	RevokedAt  *time.Time
	ClientAddr string
	UserAgent  string
}

// ClientMeta carries optional request origin details recorded with a refresh token.
type ClientMeta struct {
	Addr      string
	UserAgent string
}

// TokenPair is the result of a login or a successful rotation.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}
