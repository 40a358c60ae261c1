package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"demeter.dev/internal/auth"
	"demeter.dev/internal/blob"
	"demeter.dev/internal/classify"
	"demeter.dev/internal/ids"
	"demeter.dev/internal/ratelimit"
)

// fakeAuthStore is a map-backed auth.Store for end-to-end handler tests.
type fakeAuthStore struct {
	mu        sync.Mutex
	users     map[string]*auth.User
	roles     map[string]*auth.Role
	rolePerms map[string][]string
	tokens    map[string]*auth.RefreshToken
}

func newFakeAuthStore() *fakeAuthStore {
	return &fakeAuthStore{
		users:     make(map[string]*auth.User),
		roles:     make(map[string]*auth.Role),
		rolePerms: make(map[string][]string),
		tokens:    make(map[string]*auth.RefreshToken),
	}
}

func (f *fakeAuthStore) Users() auth.UserStore                 { return (*fakeUsers)(f) }
func (f *fakeAuthStore) Roles() auth.RoleStore                 { return (*fakeRoles)(f) }
func (f *fakeAuthStore) Permissions() auth.PermissionStore     { return (*fakePerms)(f) }
func (f *fakeAuthStore) RefreshTokens() auth.RefreshTokenStore { return (*fakeTokens)(f) }

type fakeUsers fakeAuthStore

func (f *fakeUsers) Create(_ context.Context, u *auth.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *u
	f.users[u.ID] = &cp
	return nil
}

func (f *fakeUsers) Find(_ context.Context, id string) (*auth.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUsers) FindByEmail(_ context.Context, email string) (*auth.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (f *fakeUsers) Update(_ context.Context, u *auth.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *u
	f.users[u.ID] = &cp
	return nil
}

func (f *fakeUsers) SetLastLogin(context.Context, string) error { return nil }

func (f *fakeUsers) Deactivate(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	u.Active = false
	return nil
}

type fakeRoles fakeAuthStore

func (f *fakeRoles) Ensure(_ context.Context, role *auth.Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.roles {
		if r.Name == role.Name {
			return nil
		}
	}
	cp := *role
	f.roles[role.ID] = &cp
	return nil
}

func (f *fakeRoles) Find(_ context.Context, id string) (*auth.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.roles[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeRoles) FindByName(_ context.Context, name string) (*auth.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.roles {
		if r.Name == name {
			cp := *r
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

type fakePerms fakeAuthStore

func (f *fakePerms) Ensure(context.Context, []auth.Permission) error { return nil }

func (f *fakePerms) SetForRole(_ context.Context, roleID string, codes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rolePerms[roleID] = append([]string(nil), codes...)
	return nil
}

func (f *fakePerms) CodesForRole(_ context.Context, roleID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.rolePerms[roleID]...), nil
}

type fakeTokens fakeAuthStore

func (f *fakeTokens) Create(_ context.Context, tok *auth.RefreshToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *tok
	f.tokens[tok.ID] = &cp
	return nil
}

func (f *fakeTokens) Find(_ context.Context, id string) (*auth.RefreshToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *t
	if t.ReplacedBy != nil {
		v := *t.ReplacedBy
		cp.ReplacedBy = &v
	}
	return &cp, nil
}

func (f *fakeTokens) Rotate(_ context.Context, id string, next *auth.RefreshToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[id]
	if !ok || t.Revoked || t.ReplacedBy != nil {
		return auth.ErrConflict
	}
	nextID := next.ID
	t.ReplacedBy = &nextID
	cp := *next
	f.tokens[next.ID] = &cp
	return nil
}

func (f *fakeTokens) MarkRevoked(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[id]
	if !ok {
		return auth.ErrNotFound
	}
	t.Revoked = true
	return nil
}

func (f *fakeTokens) RevokeChain(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for cur := f.tokens[id]; cur != nil; {
		cur.Revoked = true
		if cur.ReplacedBy == nil {
			break
		}
		cur = f.tokens[*cur.ReplacedBy]
	}
	return nil
}

func (f *fakeTokens) RevokeAllForUser(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tokens {
		if t.UserID == userID {
			t.Revoked = true
		}
	}
	return nil
}

// fakeClassStore is the in-memory classify.Store used by handler tests.
type fakeClassStore struct {
	mu   sync.Mutex
	recs map[string]*classify.Classification
}

func newFakeClassStore() *fakeClassStore {
	return &fakeClassStore{recs: make(map[string]*classify.Classification)}
}

func (f *fakeClassStore) Create(_ context.Context, c *classify.Classification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *c
	f.recs[c.ID] = &cp
	return nil
}

func (f *fakeClassStore) Resolve(_ context.Context, id string, status classify.Status, verdict *classify.Verdict, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.recs[id]
	if !ok || c.Status != classify.StatusPending {
		return classify.ErrConflict
	}
	c.Status = status
	c.FailureReason = reason
	if verdict != nil {
		c.GrainType = verdict.GrainType
		v := verdict.Confidence
		c.Confidence = &v
		c.Degraded = verdict.Degraded
		c.Analysis = verdict.Analysis
	}
	return nil
}

func (f *fakeClassStore) Find(_ context.Context, id string, includeDeleted bool) (*classify.Classification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.recs[id]
	if !ok || (c.Deleted && !includeDeleted) {
		return nil, classify.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeClassStore) List(_ context.Context, filter classify.ListFilter) ([]*classify.Classification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*classify.Classification
	for _, c := range f.recs {
		if f.matches(c, filter) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeClassStore) Count(_ context.Context, filter classify.ListFilter) (int, error) {
	items, _ := f.List(nil, filter)
	return len(items), nil
}

func (f *fakeClassStore) matches(c *classify.Classification, filter classify.ListFilter) bool {
	if c.Deleted && !filter.IncludeDeleted {
		return false
	}
	if filter.OwnerID != "" && c.UserID != filter.OwnerID {
		return false
	}
	if filter.GrainType != "" && c.GrainType != filter.GrainType {
		return false
	}
	if filter.Status != "" && c.Status != filter.Status {
		return false
	}
	return true
}

func (f *fakeClassStore) UpdateNotes(_ context.Context, id, notes string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.recs[id]
	if !ok {
		return classify.ErrNotFound
	}
	c.Notes = notes
	return nil
}

func (f *fakeClassStore) SoftDelete(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.recs[id]; ok && !c.Deleted {
		c.Deleted = true
		c.DeletedAt = &at
	}
	return nil
}

func (f *fakeClassStore) Restore(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.recs[id]
	if !ok {
		return classify.ErrNotFound
	}
	c.Deleted = false
	c.DeletedAt = nil
	return nil
}

// fakeBlobStore keeps images in a map.
type fakeBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{blobs: make(map[string][]byte)}
}

func (f *fakeBlobStore) Put(_ context.Context, data []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref := ids.New()
	f.blobs[ref] = append([]byte(nil), data...)
	return ref, nil
}

func (f *fakeBlobStore) Get(_ context.Context, ref string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[ref]
	if !ok {
		return nil, blob.ErrNotFound
	}
	return data, nil
}

func (f *fakeBlobStore) Delete(_ context.Context, ref string) error { return nil }

type staticGateway classify.Verdict

func (g staticGateway) Classify(context.Context, []byte) (classify.Verdict, error) {
	return classify.Verdict(g), nil
}

// testEnv bundles the full wired API for handler tests.
type testEnv struct {
	api       *API
	handler   http.Handler
	authStore *fakeAuthStore
	authSvc   *auth.Service
}

func newTestEnv(t *testing.T, cfg ratelimit.Config) *testEnv {
	t.Helper()
	authStore := newFakeAuthStore()
	authSvc, err := auth.NewService(authStore, "handler-test-secret")
	if err != nil {
		t.Fatalf("auth.NewService: %v", err)
	}
	if err := authSvc.EnsureBuiltins(context.Background()); err != nil {
		t.Fatalf("EnsureBuiltins: %v", err)
	}
	authorizer := auth.NewAuthorizer(authStore, nil)
	classifySvc := classify.NewService(
		newFakeClassStore(), newFakeBlobStore(),
		staticGateway(classify.Verdict{GrainType: "Soja", Confidence: 0.9}),
		authorizer, nil,
	)
	limiter := ratelimit.New(cfg)
	t.Cleanup(limiter.Close)

	api := New(authSvc, authorizer, classifySvc, limiter, ReadyProbe{}, "test")
	return &testEnv{
		api:       api,
		handler:   api.Handler(),
		authStore: authStore,
		authSvc:   authSvc,
	}
}

func generousLimits() ratelimit.Config {
	return ratelimit.Config{
		Login:         ratelimit.Quota{Requests: 1000, Window: time.Minute},
		Authenticated: ratelimit.Quota{Requests: 1000, Window: time.Minute},
		Public:        ratelimit.Quota{Requests: 1000, Window: time.Minute},
	}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "192.0.2.1:50000"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) register(t *testing.T, email string) {
	t.Helper()
	w := e.do(t, http.MethodPost, "/v1/auth/register", "", map[string]string{
		"email":    email,
		"password": "correct horse",
		"name":     "Handler Test",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", w.Code, w.Body.String())
	}
}

func (e *testEnv) login(t *testing.T, email string) (access, refresh string) {
	t.Helper()
	w := e.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"email":    email,
		"password": "correct horse",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("login: %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return resp.AccessToken, resp.RefreshToken
}

// promote flips an existing user to the admin role.
func (e *testEnv) promote(t *testing.T, email string) {
	t.Helper()
	ctx := context.Background()
	user, err := e.authStore.Users().FindByEmail(ctx, email)
	if err != nil {
		t.Fatalf("find user: %v", err)
	}
	role, err := e.authStore.Roles().FindByName(ctx, auth.RoleAdmin)
	if err != nil {
		t.Fatalf("find role: %v", err)
	}
	e.authStore.mu.Lock()
	e.authStore.users[user.ID].RoleID = role.ID
	e.authStore.mu.Unlock()
}

var testPNG = append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 32)...)

func (e *testEnv) submitImage(t *testing.T, token string, notes string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", "sample.png")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	if _, err := part.Write(testPNG); err != nil {
		t.Fatalf("write image: %v", err)
	}
	if notes != "" {
		if err := mw.WriteField("notes", notes); err != nil {
			t.Fatalf("write notes: %v", err)
		}
	}
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/classifications", &buf)
	req.RemoteAddr = "192.0.2.1:50000"
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}
