package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"demeter.dev/internal/audit"
)

// Scope qualifies a permission grant.
const (
	ScopeOwn = "own"
	ScopeAll = "all"
)

// Authorizer evaluates (subject, permission, resource-owner) tuples against
// the role→permission mapping. The mapping is read-heavy, so resolved sets are
// cached under a read/write lock; entries are invalidated when an admin
// rewrites a role's grants, never by TTL, so stale elevation cannot occur.
type Authorizer struct {
	store Store
	audit *audit.Recorder

	mu    sync.RWMutex
	cache map[string]map[string]struct{} // role name -> permission codes
}

// NewAuthorizer constructs an Authorizer backed by the given store.
func NewAuthorizer(store Store, rec *audit.Recorder) *Authorizer {
	return &Authorizer{
		store: store,
		audit: rec,
		cache: make(map[string]map[string]struct{}),
	}
}

// Authorize checks the exact permission code. Own-scoped codes additionally
// require the subject to be the resource owner. Denials are terminal and are
// audit-logged with the attempted code.
func (a *Authorizer) Authorize(ctx context.Context, subject Subject, code, resourceOwnerID string) error {
	resource, _, scope, err := SplitPermission(code)
	if err != nil {
		return err
	}
	granted, err := a.holds(ctx, subject.Role, code)
	if err != nil {
		return err
	}
	allowed := granted
	if allowed && scope == ScopeOwn {
		allowed = resourceOwnerID != "" && resourceOwnerID == subject.UserID
	}
	if !allowed {
		a.deny(ctx, subject, code, resource, resourceOwnerID)
		return ErrForbidden
	}
	return nil
}

// AuthorizeOwnership allows the action when the subject holds the all-scoped
// code, or the own-scoped code while owning the resource. This is the check
// behind "admins may read/delete all".
func (a *Authorizer) AuthorizeOwnership(ctx context.Context, subject Subject, resource, action, resourceOwnerID string) error {
	allCode := JoinPermission(resource, action, ScopeAll)
	if ok, err := a.holds(ctx, subject.Role, allCode); err != nil {
		return err
	} else if ok {
		return nil
	}
	ownCode := JoinPermission(resource, action, ScopeOwn)
	if ok, err := a.holds(ctx, subject.Role, ownCode); err != nil {
		return err
	} else if ok && resourceOwnerID == subject.UserID {
		return nil
	}
	a.deny(ctx, subject, ownCode, resource, resourceOwnerID)
	return ErrForbidden
}

// Holds reports whether the subject's role grants the exact code, without
// evaluating ownership and without auditing. Used for query scoping.
func (a *Authorizer) Holds(ctx context.Context, subject Subject, code string) (bool, error) {
	return a.holds(ctx, subject.Role, code)
}

// SetRolePermissions rewrites a role's grants and invalidates its cache entry.
// This is the only path that mutates the mapping at runtime.
func (a *Authorizer) SetRolePermissions(ctx context.Context, actor Subject, roleID string, codes []string) error {
	role, err := a.store.Roles().Find(ctx, roleID)
	if err != nil {
		return err
	}
	if err := a.store.Permissions().SetForRole(ctx, roleID, codes); err != nil {
		return err
	}
	a.mu.Lock()
	delete(a.cache, role.Name)
	a.mu.Unlock()
	a.audit.Record(ctx, audit.Entry{
		ActorID:      actor.UserID,
		Action:       "rbac.role.permissions_set",
		ResourceType: "role",
		ResourceID:   roleID,
		Outcome:      audit.OutcomeAllowed,
		Metadata:     map[string]any{"codes": codes},
	})
	return nil
}

func (a *Authorizer) holds(ctx context.Context, roleName, code string) (bool, error) {
	roleName = strings.TrimSpace(strings.ToLower(roleName))
	if roleName == "" {
		return false, nil
	}
	a.mu.RLock()
	set, ok := a.cache[roleName]
	a.mu.RUnlock()
	if !ok {
		role, err := a.store.Roles().FindByName(ctx, roleName)
		if err != nil {
			return false, err
		}
		codes, err := a.store.Permissions().CodesForRole(ctx, role.ID)
		if err != nil {
			return false, err
		}
		set = make(map[string]struct{}, len(codes))
		for _, c := range codes {
			set[c] = struct{}{}
		}
		a.mu.Lock()
		a.cache[roleName] = set
		a.mu.Unlock()
	}
	_, granted := set[code]
	return granted, nil
}

func (a *Authorizer) deny(ctx context.Context, subject Subject, code, resource, resourceOwnerID string) {
	a.audit.Record(ctx, audit.Entry{
		ActorID:      subject.UserID,
		Action:       "authz.denied",
		ResourceType: resource,
		ResourceID:   resourceOwnerID,
		Outcome:      audit.OutcomeDenied,
		Metadata:     map[string]any{"permission": code, "role": subject.Role},
	})
}

// SplitPermission parses a resource:action:scope code.
func SplitPermission(code string) (resource, action, scope string, err error) {
	parts := strings.Split(code, ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return "", "", "", fmt.Errorf("%w: malformed permission code %q", ErrInvalidInput, code)
	}
	if parts[2] != ScopeOwn && parts[2] != ScopeAll {
		return "", "", "", fmt.Errorf("%w: unknown scope in %q", ErrInvalidInput, code)
	}
	return parts[0], parts[1], parts[2], nil
}

// JoinPermission builds a resource:action:scope code.
func JoinPermission(resource, action, scope string) string {
	return resource + ":" + action + ":" + scope
}
