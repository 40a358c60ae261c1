package auth

import "time"

// User is a registered account. Users are deactivated, never hard-deleted.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Name         string
	Phone        string
	RoleID       string
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastLoginAt  *time.Time
}

// Role groups permissions. The seeded roles are immutable except by admin action.
type Role struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
}

// Permission is a fine-grained capability of the form resource:action:scope.
type Permission struct {
	ID          string
	Code        string
	Description string
	CreatedAt   time.Time
}

// RefreshToken is one link of a rotation chain. ReplacedBy points at the token
// minted when this one was rotated; a second use of a rotated token is treated
// as theft and revokes the whole chain.
type RefreshToken struct {
	ID         string
	UserID     string
	TokenHash  string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Revoked    bool
	ReplacedBy *string
}

// TokenPair is what a successful login or rotation returns.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}
