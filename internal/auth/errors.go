package auth

import "errors"

// Sentinel errors form the user-visible outcome taxonomy. The HTTP layer maps
// the credential/token family to 401, permission to 403, rate limiting to 429
// and backend failures to 503. Backend failures are never reported as one of
// the credential/token outcomes.
var (
	ErrInvalidCredentials     = errors.New("auth: invalid credentials")
	ErrTokenMalformed         = errors.New("auth: token malformed")
	ErrTokenExpired           = errors.New("auth: token expired")
	ErrTokenRevoked           = errors.New("auth: token revoked")
	ErrRefreshNotFound        = errors.New("auth: refresh token not found")
	ErrRefreshExpired         = errors.New("auth: refresh token expired")
	ErrRefreshRevoked         = errors.New("auth: refresh token revoked")
	ErrReuseDetected          = errors.New("auth: refresh token reuse detected")
	ErrInsufficientPermission = errors.New("auth: insufficient permission")
	ErrRateLimited            = errors.New("auth: rate limited")
	ErrBackendUnavailable     = errors.New("auth: backend unavailable")

	ErrNotFound      = errors.New("auth: not found")
	ErrAlreadyExists = errors.New("auth: already exists")
	ErrInvalidInput  = errors.New("auth: invalid input")
)
