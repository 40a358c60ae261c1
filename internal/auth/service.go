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

	"demeter.dev/internal/audit"
	"demeter.dev/internal/ids"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
	defaultIssuer     = "demeter-api"
)

// Service issues, verifies, rotates and revokes credentials. Access tokens are
// stateless HS256 JWTs; refresh tokens are persisted one-shot rotation chains.
type Service struct {
	store Store
	audit *audit.Recorder
	now   func() time.Time

	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		s.issuer = strings.TrimSpace(issuer)
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

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithAuditRecorder wires the audit trail for security events.
func WithAuditRecorder(r *audit.Recorder) ServiceOption {
	return func(s *Service) error {
		s.audit = r
		return nil
	}
}

// NewService constructs Service. The signing secret is required.
func NewService(store Store, secret string, opts ...ServiceOption) (*Service, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth: signing secret is required")
	}
	svc := &Service{
		store:      store,
		now:        time.Now,
		secret:     []byte(secret),
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// EnsureBuiltins seeds the permission catalog and the builtin roles with their
// flattened permission sets. Existing roles keep their current mappings so an
// admin's changes survive restarts.
func (s *Service) EnsureBuiltins(ctx context.Context) error {
	if err := s.store.Permissions().Ensure(ctx, BuiltinPermissions); err != nil {
		return fmt.Errorf("ensure permissions: %w", err)
	}
	for _, name := range []string{RoleClassificador, RoleAdmin} {
		role, err := s.store.Roles().FindByName(ctx, name)
		switch {
		case err == nil:
			continue
		case errors.Is(err, ErrNotFound):
			role = &Role{ID: ids.New(), Name: name}
			if err := s.store.Roles().Ensure(ctx, role); err != nil {
				return fmt.Errorf("ensure role %s: %w", name, err)
			}
			if err := s.store.Permissions().SetForRole(ctx, role.ID, BuiltinRoleGrants[name]); err != nil {
				return fmt.Errorf("grant role %s: %w", name, err)
			}
		default:
			return err
		}
	}
	return nil
}

// RegisterInput carries new account fields.
type RegisterInput struct {
	Email    string
	Password string
	Name     string
	Phone    string
}

// Register creates an active account with the default classificador role.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*User, error) {
	email := strings.TrimSpace(strings.ToLower(in.Email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if len(in.Password) < 8 {
		return nil, fmt.Errorf("%w: password must have at least 8 characters", ErrInvalidInput)
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if _, err := s.store.Users().FindByEmail(ctx, email); err == nil {
		return nil, ErrAlreadyExists
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	role, err := s.store.Roles().FindByName(ctx, RoleClassificador)
	if err != nil {
		return nil, fmt.Errorf("resolve default role: %w", err)
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	user := &User{
		ID:           ids.New(),
		Email:        email,
		PasswordHash: hash,
		Name:         name,
		Phone:        strings.TrimSpace(in.Phone),
		RoleID:       role.ID,
		Active:       true,
	}
	if err := s.store.Users().Create(ctx, user); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.Entry{
		ActorID:      user.ID,
		Action:       "auth.register",
		ResourceType: "user",
		ResourceID:   user.ID,
		Outcome:      audit.OutcomeAllowed,
	})
	return user, nil
}

// Login authenticates credentials and issues a fresh token pair rooted in a
// new refresh chain. Failures surface as ErrInvalidCredentials only.
func (s *Service) Login(ctx context.Context, email, password string) (TokenPair, *User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	user, err := s.store.Users().FindByEmail(ctx, email)
	if err != nil {
		s.auditLoginFailure(ctx, "", email, "unknown email")
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		s.auditLoginFailure(ctx, user.ID, email, "bad password")
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	if !user.Active {
		s.auditLoginFailure(ctx, user.ID, email, "inactive account")
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	role, err := s.store.Roles().Find(ctx, user.RoleID)
	if err != nil {
		return TokenPair{}, nil, fmt.Errorf("resolve role: %w", err)
	}
	pair, err := s.mintPair(ctx, user.ID, role.Name)
	if err != nil {
		return TokenPair{}, nil, err
	}
	if err := s.store.Users().SetLastLogin(ctx, user.ID); err != nil {
		return TokenPair{}, nil, err
	}
	s.audit.Record(ctx, audit.Entry{
		ActorID:      user.ID,
		Action:       "auth.login",
		ResourceType: "user",
		ResourceID:   user.ID,
		Outcome:      audit.OutcomeAllowed,
	})
	return pair, user, nil
}

func (s *Service) auditLoginFailure(ctx context.Context, actorID, email, reason string) {
	s.audit.Record(ctx, audit.Entry{
		ActorID:      actorID,
		Action:       "auth.login",
		ResourceType: "user",
		Outcome:      audit.OutcomeDenied,
		Metadata:     map[string]any{"email": email, "reason": reason},
	})
}

// Rotate exchanges a refresh token for a new pair. Rotation is one-shot: a
// token that was already rotated is treated as stolen, the entire chain is
// revoked and the call fails with ErrReuseDetected.
func (s *Service) Rotate(ctx context.Context, refreshToken string) (TokenPair, error) {
	tokenID, tokenSecret, err := splitRefreshToken(refreshToken)
	if err != nil {
		return TokenPair{}, ErrInvalidSignature
	}
	tokens := s.store.RefreshTokens()
	rec, err := tokens.Find(ctx, tokenID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, ErrInvalidSignature
		}
		return TokenPair{}, err
	}
	if rec.ReplacedBy != nil {
		return TokenPair{}, s.handleReuse(ctx, rec)
	}
	if rec.Revoked {
		return TokenPair{}, ErrRevoked
	}
	if s.now().After(rec.ExpiresAt) {
		return TokenPair{}, ErrTokenExpired
	}
	if !secureCompareHash(rec.TokenHash, tokenSecret) {
		_ = tokens.MarkRevoked(ctx, rec.ID)
		return TokenPair{}, ErrInvalidSignature
	}

	user, err := s.store.Users().Find(ctx, rec.UserID)
	if err != nil {
		return TokenPair{}, ErrInvalidSignature
	}
	if !user.Active {
		_ = tokens.MarkRevoked(ctx, rec.ID)
		return TokenPair{}, ErrRevoked
	}
	role, err := s.store.Roles().Find(ctx, user.RoleID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("resolve role: %w", err)
	}

	now := s.now()
	accessToken, accessExp, err := s.signAccessToken(user.ID, role.Name, now)
	if err != nil {
		return TokenPair{}, err
	}
	refreshString, next, err := s.generateRefreshToken(user.ID, now)
	if err != nil {
		return TokenPair{}, err
	}

	// The pointer set and the replacement insert commit together; exactly one
	// of two concurrent rotations of the same token may win the compare-and-set.
	// One internal retry, then surface as transient.
	if err := tokens.Rotate(ctx, rec.ID, next); err != nil {
		if !errors.Is(err, ErrConflict) {
			return TokenPair{}, err
		}
		fresh, ferr := tokens.Find(ctx, rec.ID)
		if ferr != nil {
			return TokenPair{}, ferr
		}
		if fresh.ReplacedBy != nil {
			return TokenPair{}, s.handleReuse(ctx, fresh)
		}
		if err := tokens.Rotate(ctx, rec.ID, next); err != nil {
			return TokenPair{}, err
		}
	}

	s.audit.Record(ctx, audit.Entry{
		ActorID:      user.ID,
		Action:       "auth.token.rotated",
		ResourceType: "refresh_token",
		ResourceID:   rec.ID,
		Outcome:      audit.OutcomeAllowed,
	})
	return TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshString,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: next.ExpiresAt,
	}, nil
}

// handleReuse revokes every descendant of a rotated-then-reused token and
// records the theft signal before surfacing ErrReuseDetected.
func (s *Service) handleReuse(ctx context.Context, rec *RefreshToken) error {
	if err := s.store.RefreshTokens().RevokeChain(ctx, rec.ID); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.Entry{
		ActorID:      rec.UserID,
		Action:       "auth.token.reuse_detected",
		ResourceType: "refresh_token",
		ResourceID:   rec.ID,
		Outcome:      audit.OutcomeDenied,
		Metadata:     map[string]any{"reason": "rotated token presented again; chain revoked"},
	})
	return ErrReuseDetected
}

// Revoke marks the presented refresh token revoked. Nothing upstream of it is
// touched; this is the logout path.
func (s *Service) Revoke(ctx context.Context, refreshToken string) error {
	tokenID, tokenSecret, err := splitRefreshToken(refreshToken)
	if err != nil {
		return ErrInvalidSignature
	}
	rec, err := s.store.RefreshTokens().Find(ctx, tokenID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidSignature
		}
		return err
	}
	if !secureCompareHash(rec.TokenHash, tokenSecret) {
		return ErrInvalidSignature
	}
	if err := s.store.RefreshTokens().MarkRevoked(ctx, rec.ID); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.Entry{
		ActorID:      rec.UserID,
		Action:       "auth.logout",
		ResourceType: "refresh_token",
		ResourceID:   rec.ID,
		Outcome:      audit.OutcomeAllowed,
	})
	return nil
}

// UserUpdate carries optional profile changes.
type UserUpdate struct {
	Name     *string
	Phone    *string
	Password *string
}

// UpdateProfile applies profile changes to the given user.
func (s *Service) UpdateProfile(ctx context.Context, userID string, upd UserUpdate) (*User, error) {
	user, err := s.store.Users().Find(ctx, userID)
	if err != nil {
		return nil, err
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
		}
		user.Name = name
	}
	if upd.Phone != nil {
		user.Phone = strings.TrimSpace(*upd.Phone)
	}
	if upd.Password != nil {
		if len(*upd.Password) < 8 {
			return nil, fmt.Errorf("%w: password must have at least 8 characters", ErrInvalidInput)
		}
		hash, err := HashPassword(*upd.Password)
		if err != nil {
			return nil, err
		}
		user.PasswordHash = hash
	}
	if err := s.store.Users().Update(ctx, user); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.Entry{
		ActorID:      userID,
		Action:       "user.updated",
		ResourceType: "user",
		ResourceID:   userID,
		Outcome:      audit.OutcomeAllowed,
	})
	return user, nil
}

// Deactivate disables the account and revokes all of its refresh tokens.
// Accounts are never hard-deleted.
func (s *Service) Deactivate(ctx context.Context, actorID, userID string) error {
	if err := s.store.Users().Deactivate(ctx, userID); err != nil {
		return err
	}
	if err := s.store.RefreshTokens().RevokeAllForUser(ctx, userID); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.Entry{
		ActorID:      actorID,
		Action:       "user.deactivated",
		ResourceType: "user",
		ResourceID:   userID,
		Outcome:      audit.OutcomeAllowed,
	})
	return nil
}

// GetUser loads a user by id.
func (s *Service) GetUser(ctx context.Context, userID string) (*User, error) {
	return s.store.Users().Find(ctx, userID)
}

// RoleByName loads a role by its name.
func (s *Service) RoleByName(ctx context.Context, name string) (*Role, error) {
	return s.store.Roles().FindByName(ctx, strings.TrimSpace(strings.ToLower(name)))
}

// RoleName resolves the role name for a user.
func (s *Service) RoleName(ctx context.Context, user *User) (string, error) {
	role, err := s.store.Roles().Find(ctx, user.RoleID)
	if err != nil {
		return "", err
	}
	return role.Name, nil
}

func (s *Service) mintPair(ctx context.Context, userID, roleName string) (TokenPair, error) {
	now := s.now()
	accessToken, accessExp, err := s.signAccessToken(userID, roleName, now)
	if err != nil {
		return TokenPair{}, err
	}
	refreshString, rec, err := s.generateRefreshToken(userID, now)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.store.RefreshTokens().Create(ctx, rec); err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshString,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: rec.ExpiresAt,
	}, nil
}

// generateRefreshToken mints an opaque "id.secret" token; only the sha256 of
// the secret is persisted.
func (s *Service) generateRefreshToken(userID string, now time.Time) (string, *RefreshToken, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	sum := sha256.Sum256([]byte(secret))
	rec := &RefreshToken{
		ID:        ids.New(),
		UserID:    userID,
		TokenHash: hex.EncodeToString(sum[:]),
		IssuedAt:  now.UTC(),
		ExpiresAt: now.Add(s.refreshTTL).UTC(),
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
