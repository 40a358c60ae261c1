package auth

import (
	"context"
	"sync"
)

// memStore is an in-memory Store for service and authorizer tests.
type memStore struct {
	mu        sync.Mutex
	users     map[string]*User
	roles     map[string]*Role
	perms     map[string]Permission // code -> permission
	rolePerms map[string][]string   // role id -> codes
	tokens    map[string]*RefreshToken
}

func newMemStore() *memStore {
	return &memStore{
		users:     make(map[string]*User),
		roles:     make(map[string]*Role),
		perms:     make(map[string]Permission),
		rolePerms: make(map[string][]string),
		tokens:    make(map[string]*RefreshToken),
	}
}

func (m *memStore) Users() UserStore                 { return (*memUsers)(m) }
func (m *memStore) Roles() RoleStore                 { return (*memRoles)(m) }
func (m *memStore) Permissions() PermissionStore     { return (*memPerms)(m) }
func (m *memStore) RefreshTokens() RefreshTokenStore { return (*memTokens)(m) }

type memUsers memStore

func (m *memUsers) Create(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *memUsers) Find(_ context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) FindByEmail(_ context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memUsers) Update(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; !ok {
		return ErrNotFound
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *memUsers) SetLastLogin(_ context.Context, userID string) error { return nil }

func (m *memUsers) Deactivate(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Active = false
	return nil
}

type memRoles memStore

func (m *memRoles) Ensure(_ context.Context, role *Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.roles {
		if r.Name == role.Name {
			return nil
		}
	}
	cp := *role
	m.roles[role.ID] = &cp
	return nil
}

func (m *memRoles) Find(_ context.Context, id string) (*Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memRoles) FindByName(_ context.Context, name string) (*Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.roles {
		if r.Name == name {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

type memPerms memStore

func (m *memPerms) Ensure(_ context.Context, perms []Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range perms {
		if _, ok := m.perms[p.Code]; !ok {
			m.perms[p.Code] = p
		}
	}
	return nil
}

func (m *memPerms) SetForRole(_ context.Context, roleID string, codes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolePerms[roleID] = append([]string(nil), codes...)
	return nil
}

func (m *memPerms) CodesForRole(_ context.Context, roleID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.rolePerms[roleID]...), nil
}

type memTokens memStore

func (m *memTokens) Create(_ context.Context, tok *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tok
	m.tokens[tok.ID] = &cp
	return nil
}

func (m *memTokens) Find(_ context.Context, id string) (*RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	if t.ReplacedBy != nil {
		v := *t.ReplacedBy
		cp.ReplacedBy = &v
	}
	return &cp, nil
}

func (m *memTokens) Rotate(_ context.Context, id string, next *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok || t.Revoked || t.ReplacedBy != nil {
		return ErrConflict
	}
	nextID := next.ID
	t.ReplacedBy = &nextID
	cp := *next
	m.tokens[next.ID] = &cp
	return nil
}

func (m *memTokens) MarkRevoked(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return ErrNotFound
	}
	t.Revoked = true
	return nil
}

func (m *memTokens) RevokeChain(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for cur := m.tokens[id]; cur != nil; {
		cur.Revoked = true
		if cur.ReplacedBy == nil {
			break
		}
		cur = m.tokens[*cur.ReplacedBy]
	}
	return nil
}

func (m *memTokens) RevokeAllForUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.UserID == userID {
			t.Revoked = true
		}
	}
	return nil
}
