package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"demeter.dev/internal/auth"
	"demeter.dev/internal/ratelimit"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/register",
	"/v1/auth/login",
	"/v1/auth/refresh",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

// withAuth authenticates bearer tokens and applies the tiered rate limits.
// Unauthenticated traffic is limited per client IP; authenticated traffic per
// subject, so one abusive client cannot starve others behind the same NAT.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if isPublicPath(r.URL.Path) {
			tier := ratelimit.TierPublic
			if r.URL.Path == "/v1/auth/login" {
				tier = ratelimit.TierLogin
			}
			if !a.allow(w, r, tier, clientIP(r)) {
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := a.auth.VerifyAccess(token)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		subject := auth.Subject{UserID: claims.Subject, Role: claims.Role}
		if !a.allow(w, r, ratelimit.TierAuthenticated, subject.UserID) {
			return
		}

		ctx := auth.ContextWithSubject(r.Context(), subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// allow consumes one rate-limit token; on rejection it answers 429 with a
// Retry-After hint and reports false.
func (a *API) allow(w http.ResponseWriter, r *http.Request, tier ratelimit.Tier, key string) bool {
	if a.limiter == nil {
		return true
	}
	retryIn, err := a.limiter.Allow(tier, key)
	if err == nil {
		return true
	}
	secs := int(retryIn.Seconds())
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", fmt.Sprint(secs))
	writeDomainError(w, r, err)
	return false
}

func subjectFrom(r *http.Request) (auth.Subject, error) {
	subject, ok := auth.SubjectFromContext(r.Context())
	if !ok {
		return auth.Subject{}, errors.New("missing authenticated subject")
	}
	return subject, nil
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
