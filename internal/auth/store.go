package auth

import "context"

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Users() UserStore
	Roles() RoleStore
	Permissions() PermissionStore
	RefreshTokens() RefreshTokenStore
}

// UserStore manages user accounts.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	Update(ctx context.Context, u *User) error
	SetLastLogin(ctx context.Context, userID string) error
	// Deactivate flips the active flag; rows are never removed.
	Deactivate(ctx context.Context, userID string) error
}

// RoleStore manages the role catalog.
type RoleStore interface {
	Ensure(ctx context.Context, role *Role) error
	Find(ctx context.Context, id string) (*Role, error)
	FindByName(ctx context.Context, name string) (*Role, error)
}

// PermissionStore manages the permission catalog and role mappings.
type PermissionStore interface {
	Ensure(ctx context.Context, perms []Permission) error
	SetForRole(ctx context.Context, roleID string, codes []string) error
	CodesForRole(ctx context.Context, roleID string) ([]string, error)
}

// RefreshTokenStore manages refresh token chains.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	Find(ctx context.Context, id string) (*RefreshToken, error)
	// Rotate sets the replacement pointer and inserts the next token in one
	// transaction, iff the old token is still the live end of its chain (not
	// revoked, not already rotated). Returns ErrConflict when the
	// compare-and-set finds no matching row; nothing is written in that case.
	Rotate(ctx context.Context, id string, next *RefreshToken) error
	MarkRevoked(ctx context.Context, id string) error
	// RevokeChain revokes the token and every descendant reachable through
	// replacement pointers.
	RevokeChain(ctx context.Context, id string) error
	RevokeAllForUser(ctx context.Context, userID string) error
}
