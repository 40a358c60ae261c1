// Package httpapi is the HTTP surface: routing, authentication, rate limits
// and JSON rendering. Domain rules live below in auth and classify.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"demeter.dev/internal/auth"
	"demeter.dev/internal/classify"
	"demeter.dev/internal/obs"
	"demeter.dev/internal/ratelimit"
)

// ReadyProbe is a readiness check (database ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	auth       *auth.Service
	authz      *auth.Authorizer
	classify   *classify.Service
	limiter    *ratelimit.Limiter
	readyProbe ReadyProbe
	version    string
}

// New wires all routes.
func New(authSvc *auth.Service, authz *auth.Authorizer, classifySvc *classify.Service, limiter *ratelimit.Limiter, rp ReadyProbe, version string) *API {
	a := &API{
		mux:        http.NewServeMux(),
		auth:       authSvc,
		authz:      authz,
		classify:   classifySvc,
		limiter:    limiter,
		readyProbe: rp,
		version:    version,
	}

	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("GET /metrics", obs.Handler())

	// sessions
	a.mux.HandleFunc("POST /v1/auth/register", a.RegisterUser)
	a.mux.HandleFunc("POST /v1/auth/login", a.LoginUser)
	a.mux.HandleFunc("POST /v1/auth/refresh", a.RefreshSession)
	a.mux.HandleFunc("POST /v1/auth/logout", a.LogoutUser)

	// profile
	a.mux.HandleFunc("GET /v1/users/me", a.GetProfile)
	a.mux.HandleFunc("PATCH /v1/users/me", a.UpdateProfile)
	a.mux.HandleFunc("DELETE /v1/users/me", a.DeactivateProfile)

	// classifications
	a.mux.HandleFunc("POST /v1/classifications", a.SubmitClassification)
	a.mux.HandleFunc("GET /v1/classifications", a.ListClassifications)
	a.mux.HandleFunc("GET /v1/classifications/{id}", a.GetClassification)
	a.mux.HandleFunc("PATCH /v1/classifications/{id}", a.UpdateClassificationNotes)
	a.mux.HandleFunc("DELETE /v1/classifications/{id}", a.DeleteClassification)
	a.mux.HandleFunc("GET /v1/classifications/{id}/image", a.GetClassificationImage)

	// admin
	a.mux.HandleFunc("GET /v1/admin/classifications", a.AdminListClassifications)
	a.mux.HandleFunc("DELETE /v1/admin/classifications/{id}", a.AdminDeleteClassification)
	a.mux.HandleFunc("POST /v1/admin/classifications/{id}/restore", a.AdminRestoreClassification)
	a.mux.HandleFunc("PUT /v1/admin/roles/{name}/permissions", a.AdminSetRolePermissions)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full middleware chain around the mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 12<<20)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	database := "ok"
	status := "ok"
	code := http.StatusOK
	if err := a.readyProbe.Check(r.Context()); err != nil {
		database = "unreachable"
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":   status,
		"database": database,
		"service":  "demeter-api",
		"version":  a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "demeter-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
