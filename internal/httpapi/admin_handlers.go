package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"

	"fleetgate.org/internal/audit"
	"fleetgate.org/internal/auth"
)

type createPrincipalRequest struct {
	Identity    string `json:"identity"`
	Role        string `json:"role"`
	DisplayName string `json:"display_name,omitempty"`
	SystemAdmin bool   `json:"is_system_admin,omitempty"`
}

func (req createPrincipalRequest) Validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.Identity, validation.Required, validation.Length(1, 128)),
		validation.Field(&req.Role, validation.Required),
		validation.Field(&req.DisplayName, validation.Length(0, 256)),
	)
}

type changeRoleRequest struct {
	Role string `json:"role"`
}

func (a *API) handlePrincipals(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createPrincipal(w, r)
	case http.MethodGet:
		a.listPrincipals(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) createPrincipal(w http.ResponseWriter, r *http.Request) {
	if !a.ensurePermission(w, r, auth.PermManageUsers) {
		return
	}
	var req createPrincipalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	p, tempPassword, err := a.authority.CreatePrincipal(r.Context(), req.Identity, req.Role, req.DisplayName, req.SystemAdmin)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.auditAdmin(r, "admin.principal.create", p.Identity, map[string]any{
		"role": p.Role,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/principals/%s", p.Identity))
	// The temporary password is returned exactly once; it is never
	// retrievable again.
	writeJSON(w, http.StatusCreated, map[string]any{
		"principal":          p,
		"temporary_password": tempPassword,
	})
}

func (a *API) listPrincipals(w http.ResponseWriter, r *http.Request) {
	if !a.ensurePermission(w, r, auth.PermManageUsers) {
		return
	}
	list, err := a.authority.ListPrincipals(r.Context())
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"principals": list})
}

// handlePrincipalScoped routes /v1/principals/{identity}/{action}.
func (a *API) handlePrincipalScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/principals/")
	path = strings.Trim(path, "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	identity := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		if !a.ensurePermission(w, r, auth.PermManageUsers) {
			return
		}
		p, err := a.authority.GetPrincipal(r.Context(), identity)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
		return
	}

	if len(parts) != 2 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensurePermission(w, r, auth.PermManageUsers) {
		return
	}

	switch parts[1] {
	case "reset-password":
		tempPassword, err := a.authority.AdminResetPassword(r.Context(), identity)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		a.auditAdmin(r, "admin.principal.reset_password", identity, nil)
		writeJSON(w, http.StatusOK, map[string]any{
			"temporary_password": tempPassword,
		})
	case "disable":
		if err := a.authority.Disable(r.Context(), identity); err != nil {
			handleAuthError(w, r, err)
			return
		}
		a.auditAdmin(r, "admin.principal.disable", identity, nil)
		writeJSON(w, http.StatusOK, map[string]any{"status": "disabled"})
	case "enable":
		if err := a.authority.Enable(r.Context(), identity); err != nil {
			handleAuthError(w, r, err)
			return
		}
		a.auditAdmin(r, "admin.principal.enable", identity, nil)
		writeJSON(w, http.StatusOK, map[string]any{"status": "active"})
	case "role":
		var req changeRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if strings.TrimSpace(req.Role) == "" {
			writeError(w, r, http.StatusBadRequest, "role is required")
			return
		}
		if err := a.authority.ChangeRole(r.Context(), identity, req.Role); err != nil {
			handleAuthError(w, r, err)
			return
		}
		a.auditAdmin(r, "admin.principal.change_role", identity, map[string]any{
			"role": req.Role,
		})
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	case "disconnect":
		count := a.authority.Sessions().RevokeAll(identity)
		a.auditAdmin(r, "admin.principal.disconnect", identity, map[string]any{
			"sessions_revoked": count,
		})
		writeJSON(w, http.StatusOK, map[string]any{"sessions_revoked": count})
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

type sessionView struct {
	TokenID     string `json:"token_id"`
	DisplayID   string `json:"session_id"`
	Identity    string `json:"identity"`
	Role        string `json:"role"`
	Client      string `json:"client,omitempty"`
	ConnectedAt string `json:"connected_at"`
	LastSeen    string `json:"last_activity"`
	ExpiresAt   string `json:"expires_at"`
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensurePermission(w, r, auth.PermManageUsers) {
		return
	}
	identity := r.URL.Query().Get("identity")
	sessions := a.authority.Sessions().ListLive(identity)
	out := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionView{
			TokenID:     s.TokenID,
			DisplayID:   s.DisplayID(),
			Identity:    s.Identity,
			Role:        string(s.Role),
			Client:      s.ClientDesc,
			ConnectedAt: s.IssuedAt.UTC().Format(time.RFC3339),
			LastSeen:    s.LastSeen.UTC().Format(time.RFC3339),
			ExpiresAt:   s.ExpiresAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// handleSessionScoped routes DELETE /v1/sessions/{token_id}.
func (a *API) handleSessionScoped(w http.ResponseWriter, r *http.Request) {
	tokenID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/sessions/"), "/")
	if tokenID == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	if !a.ensurePermission(w, r, auth.PermManageUsers) {
		return
	}
	if !a.authority.Sessions().Revoke(tokenID) {
		writeError(w, r, http.StatusNotFound, "session not found")
		return
	}
	a.auditAdmin(r, "admin.session.revoke", tokenID, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) auditAdmin(r *http.Request, event, target string, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["target"] = target
	_ = audit.LogEvent(r.Context(), event, fields)
}
