package httpapi

import (
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation"

	"fleetgate.org/internal/audit"
	"fleetgate.org/internal/auth"
)

type loginRequest struct {
	Identity string `json:"identity"`
	Password string `json:"password"`
	Client   string `json:"client,omitempty"`
}

func (req loginRequest) Validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.Identity, validation.Required, validation.Length(1, 128)),
		validation.Field(&req.Password, validation.Required),
		validation.Field(&req.Client, validation.Length(0, 256)),
	)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	result, err := a.authority.Login(r.Context(), req.Identity, req.Password, clientIP(r), req.Client)
	if err != nil {
		_ = audit.LogEvent(r.Context(), "auth.login.rejected", map[string]any{
			"identity": auth.NormalizeIdentity(req.Identity),
			"source":   clientIP(r),
		})
		handleAuthError(w, r, err)
		return
	}

	if result.MustChange {
		_ = audit.LogEvent(r.Context(), "auth.login.must_change", map[string]any{
			"identity": result.Identity,
		})
		writeJSON(w, http.StatusOK, result)
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.login.ok", map[string]any{
		"identity": result.Identity,
		"role":     result.Role,
		"client":   req.Client,
	})
	writeJSON(w, http.StatusOK, result)
}

type changePasswordRequest struct {
	Identity    string `json:"identity"`
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

func (req changePasswordRequest) Validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.Identity, validation.Required, validation.Length(1, 128)),
		validation.Field(&req.OldPassword, validation.Required),
		validation.Field(&req.NewPassword, validation.Required),
	)
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.authority.ChangePassword(r.Context(), req.Identity, req.OldPassword, req.NewPassword, clientIP(r)); err != nil {
		handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.password.changed", map[string]any{
		"identity": auth.NormalizeIdentity(req.Identity),
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token, ok := auth.TokenFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	a.authority.Logout(r.Context(), token)
	_ = audit.LogEvent(r.Context(), "auth.logout", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"identity":        claims.Identity,
		"display_name":    claims.DisplayName,
		"role":            claims.Role,
		"is_system_admin": claims.SystemAdmin,
		"permissions":     auth.EffectivePermissions(claims.Role, claims.SystemAdmin),
		"expires_at":      claims.ExpiresAt,
	})
}
