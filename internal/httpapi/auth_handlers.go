package httpapi

import (
	"net/http"
	"time"

	"demeter.dev/internal/auth"
)

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Phone    string `json:"phone"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (a *API) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.auth.Register(r.Context(), auth.RegisterInput{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
		Phone:    req.Phone,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, userView(user, auth.RoleClassificador))
}

func (a *API) LoginUser(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pair, user, err := a.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	role, err := a.auth.RoleName(r.Context(), user)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":       pair.AccessToken,
		"refresh_token":      pair.RefreshToken,
		"access_expires_at":  pair.AccessExpiresAt.UTC().Format(time.RFC3339),
		"refresh_expires_at": pair.RefreshExpiresAt.UTC().Format(time.RFC3339),
		"user":               userView(user, role),
	})
}

func (a *API) RefreshSession(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pair, err := a.auth.Rotate(r.Context(), req.RefreshToken)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":       pair.AccessToken,
		"refresh_token":      pair.RefreshToken,
		"access_expires_at":  pair.AccessExpiresAt.UTC().Format(time.RFC3339),
		"refresh_expires_at": pair.RefreshExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (a *API) LogoutUser(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.auth.Revoke(r.Context(), req.RefreshToken); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type profileUpdateRequest struct {
	Name     *string `json:"name"`
	Phone    *string `json:"phone"`
	Password *string `json:"password"`
}

func (a *API) GetProfile(w http.ResponseWriter, r *http.Request) {
	subject, err := subjectFrom(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	if err := a.authz.Authorize(r.Context(), subject, auth.PermUsersReadOwn, subject.UserID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	user, err := a.auth.GetUser(r.Context(), subject.UserID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userView(user, subject.Role))
}

func (a *API) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	subject, err := subjectFrom(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	if err := a.authz.Authorize(r.Context(), subject, auth.PermUsersUpdateOwn, subject.UserID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	var req profileUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.auth.UpdateProfile(r.Context(), subject.UserID, auth.UserUpdate{
		Name:     req.Name,
		Phone:    req.Phone,
		Password: req.Password,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userView(user, subject.Role))
}

// DeactivateProfile disables the caller's account and revokes every one of
// its sessions. Accounts are never hard-deleted.
func (a *API) DeactivateProfile(w http.ResponseWriter, r *http.Request) {
	subject, err := subjectFrom(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	if err := a.authz.Authorize(r.Context(), subject, auth.PermUsersUpdateOwn, subject.UserID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	if err := a.auth.Deactivate(r.Context(), subject.UserID, subject.UserID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rolePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

// AdminSetRolePermissions rewrites a role's grants. The authorizer drops its
// cache entry for the role in the same call, so the new mapping applies to
// the very next request.
func (a *API) AdminSetRolePermissions(w http.ResponseWriter, r *http.Request) {
	subject, err := subjectFrom(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	if err := a.authz.Authorize(r.Context(), subject, auth.PermRolesUpdateAll, ""); err != nil {
		writeDomainError(w, r, err)
		return
	}
	var req rolePermissionsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	for _, code := range req.Permissions {
		if _, _, _, err := auth.SplitPermission(code); err != nil {
			writeDomainError(w, r, err)
			return
		}
	}
	role, err := a.auth.RoleByName(r.Context(), r.PathValue("name"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if err := a.authz.SetRolePermissions(r.Context(), subject, role.ID, req.Permissions); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"role":        role.Name,
		"permissions": req.Permissions,
	})
}

func userView(u *auth.User, role string) map[string]any {
	v := map[string]any{
		"id":         u.ID,
		"email":      u.Email,
		"name":       u.Name,
		"phone":      u.Phone,
		"role":       role,
		"active":     u.Active,
		"created_at": u.CreatedAt.UTC().Format(time.RFC3339),
	}
	if u.LastLoginAt != nil {
		v["last_login_at"] = u.LastLoginAt.UTC().Format(time.RFC3339)
	}
	return v
}
