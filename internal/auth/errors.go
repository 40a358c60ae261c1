package auth

import "errors"

var (
	ErrNotFound           = errors.New("auth: not found")
	ErrAlreadyExists      = errors.New("auth: already exists")
	ErrInvalidInput       = errors.New("auth: invalid input")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrTokenExpired       = errors.New("auth: token expired")
	ErrInvalidSignature   = errors.New("auth: invalid token signature")
	ErrRevoked            = errors.New("auth: refresh token revoked")
	ErrReuseDetected      = errors.New("auth: refresh token reuse detected")
	ErrForbidden          = errors.New("auth: forbidden")

	// ErrConflict signals a lost compare-and-set race that persisted after the
	// single internal retry. Callers may treat it as transient.
	ErrConflict = errors.New("auth: concurrent update conflict")
)
