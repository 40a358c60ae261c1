package auth

import (
	"context"
	"errors"
	"testing"
)

func newTestAuthorizer(t *testing.T) (*Authorizer, *memStore) {
	t.Helper()
	store := newMemStore()
	newTestService(t, store) // seeds builtin roles and grants
	return NewAuthorizer(store, nil), store
}

func TestAuthorizeScopes(t *testing.T) {
	az, _ := newTestAuthorizer(t)
	ctx := context.Background()
	worker := Subject{UserID: "u-1", Role: RoleClassificador}
	admin := Subject{UserID: "a-1", Role: RoleAdmin}

	cases := []struct {
		name    string
		subject Subject
		code    string
		owner   string
		wantErr error
	}{
		{"own resource allowed", worker, PermClassificationsReadOwn, "u-1", nil},
		{"someone else's resource denied", worker, PermClassificationsReadOwn, "u-2", ErrForbidden},
		{"missing owner denied", worker, PermClassificationsReadOwn, "", ErrForbidden},
		{"ungranted code denied", worker, PermClassificationsReadAll, "", ErrForbidden},
		{"admin all scope", admin, PermClassificationsReadAll, "", nil},
		{"unknown role denied", Subject{UserID: "x", Role: ""}, PermClassificationsReadOwn, "x", ErrForbidden},
	}
	for _, tc := range cases {
		err := az.Authorize(ctx, tc.subject, tc.code, tc.owner)
		if !errors.Is(err, tc.wantErr) {
			t.Errorf("%s: got %v, want %v", tc.name, err, tc.wantErr)
		}
	}
}

func TestAuthorizeMalformedCode(t *testing.T) {
	az, _ := newTestAuthorizer(t)
	worker := Subject{UserID: "u-1", Role: RoleClassificador}
	for _, code := range []string{"", "read", "classifications:read", "classifications:read:everyone"} {
		if err := az.Authorize(context.Background(), worker, code, "u-1"); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%q: got %v, want ErrInvalidInput", code, err)
		}
	}
}

func TestAuthorizeOwnership(t *testing.T) {
	az, _ := newTestAuthorizer(t)
	ctx := context.Background()
	worker := Subject{UserID: "u-1", Role: RoleClassificador}
	admin := Subject{UserID: "a-1", Role: RoleAdmin}

	if err := az.AuthorizeOwnership(ctx, worker, "classifications", "read", "u-1"); err != nil {
		t.Errorf("owner read own: %v", err)
	}
	if err := az.AuthorizeOwnership(ctx, worker, "classifications", "read", "u-2"); !errors.Is(err, ErrForbidden) {
		t.Errorf("stranger read: got %v, want ErrForbidden", err)
	}
	// Admin reaches anyone's record through the all-scope grant.
	if err := az.AuthorizeOwnership(ctx, admin, "classifications", "read", "u-2"); err != nil {
		t.Errorf("admin read all: %v", err)
	}
	// But no role grants users:delete, not even admin.
	if err := az.AuthorizeOwnership(ctx, admin, "users", "delete", "u-2"); !errors.Is(err, ErrForbidden) {
		t.Errorf("undeclared action: got %v, want ErrForbidden", err)
	}
}

func TestSetRolePermissionsInvalidatesCache(t *testing.T) {
	az, store := newTestAuthorizer(t)
	ctx := context.Background()
	worker := Subject{UserID: "u-1", Role: RoleClassificador}

	// Warm the cache.
	if ok, err := az.Holds(ctx, worker, PermClassificationsCreateOwn); err != nil || !ok {
		t.Fatalf("warm: ok=%v err=%v", ok, err)
	}

	role, err := store.Roles().FindByName(ctx, RoleClassificador)
	if err != nil {
		t.Fatalf("find role: %v", err)
	}
	admin := Subject{UserID: "a-1", Role: RoleAdmin}
	if err := az.SetRolePermissions(ctx, admin, role.ID, []string{PermClassificationsReadOwn}); err != nil {
		t.Fatalf("SetRolePermissions: %v", err)
	}

	// The revoked grant must disappear immediately, not on some TTL.
	if ok, _ := az.Holds(ctx, worker, PermClassificationsCreateOwn); ok {
		t.Error("revoked grant still cached")
	}
	if ok, _ := az.Holds(ctx, worker, PermClassificationsReadOwn); !ok {
		t.Error("remaining grant lost")
	}
}
