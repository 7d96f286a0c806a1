package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"authgate.org/internal/audit"
	"authgate.org/internal/auth"
	"authgate.org/internal/obs"
)

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type revokeAllRequest struct {
	UserID string `json:"user_id"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type createUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type tokenPairResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	Subject          string    `json:"subject"`
	Role             string    `json:"role"`
}

type userResponse struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
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

	pair, principal, err := a.auth.Login(r.Context(), req.Identifier, req.Password, clientMeta(r))
	if err != nil {
		if errors.Is(err, auth.ErrBackendUnavailable) {
			obs.LoginsTotal.WithLabelValues("backend_error").Inc()
			writeError(w, r, http.StatusServiceUnavailable, "authentication backend unavailable")
			return
		}
		obs.LoginsTotal.WithLabelValues("failure").Inc()
		_ = audit.LogEvent(r.Context(), "auth.login.failure", map[string]any{
			"identifier": req.Identifier,
			"remote":     clientIP(r),
		})
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}

	obs.LoginsTotal.WithLabelValues("success").Inc()
	_ = audit.LogEvent(r.Context(), "auth.login.success", map[string]any{
		"user_id": principal.UserID,
		"role":    string(principal.Role),
		"remote":  clientIP(r),
	})
	writeJSON(w, http.StatusOK, pairResponse(pair, principal))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	pair, principal, err := a.auth.Refresh(r.Context(), req.RefreshToken, clientMeta(r))
	if err != nil {
		reason := refreshReason(err)
		obs.RefreshRotationsTotal.WithLabelValues(reason).Inc()
		if errors.Is(err, auth.ErrBackendUnavailable) {
			writeError(w, r, http.StatusServiceUnavailable, "authentication backend unavailable")
			return
		}
		if errors.Is(err, auth.ErrReuseDetected) {
			obs.ReuseDetectedTotal.Inc()
			_ = audit.LogEvent(r.Context(), "auth.refresh.reuse_detected", map[string]any{
				"remote":     clientIP(r),
				"user_agent": r.Header.Get("User-Agent"),
			})
		}
		writeErrorWithReason(w, r, http.StatusUnauthorized, "refresh rejected", reason)
		return
	}

	obs.RefreshRotationsTotal.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, pairResponse(pair, principal))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	accessToken, _ := extractBearerToken(r.Header.Get(authHeader))

	var req logoutRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.auth.Logout(r.Context(), accessToken, req.RefreshToken); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "logout failed")
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.logout", map[string]any{
		"remote": clientIP(r),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRevokeAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensureCapability(w, r, auth.CapabilityManageUsers) {
		return
	}
	var req revokeAllRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	count, err := a.auth.RevokeAll(r.Context(), req.UserID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.revoke_all", map[string]any{
		"target_user_id": req.UserID,
		"revoked":        count,
	})
	writeJSON(w, http.StatusOK, map[string]any{"revoked": count})
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.auth.ChangePassword(r.Context(), principal.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.password.changed", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensureCapability(w, r, auth.CapabilityManageUsers) {
		return
	}
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, ok := auth.ParseRole(req.Role)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "unknown role")
		return
	}

	user, err := a.auth.CreateUser(r.Context(), req.Username, req.Email, req.Password, role)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.user.created", map[string]any{
		"created_user_id": user.ID,
		"role":            string(user.Role),
	})
	writeJSON(w, http.StatusCreated, userResponse{
		ID:        user.ID,
		Username:  user.Username,
		Email:     user.Email,
		Role:      string(user.Role),
		Status:    user.Status,
		CreatedAt: user.CreatedAt,
	})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensureCapability(w, r, auth.CapabilityRead) {
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"subject":      principal.UserID,
		"role":         string(principal.Role),
		"capabilities": principal.Role.Capabilities(),
	})
}

// --- helpers ---

func pairResponse(pair auth.TokenPair, principal auth.Principal) tokenPairResponse {
	return tokenPairResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
		Subject:          principal.UserID,
		Role:             string(principal.Role),
	}
}

func clientMeta(r *http.Request) auth.ClientMeta {
	return auth.ClientMeta{
		Addr:      clientIP(r),
		UserAgent: r.Header.Get("User-Agent"),
	}
}

func refreshReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrReuseDetected):
		return "reuse_detected"
	case errors.Is(err, auth.ErrRefreshExpired):
		return "expired"
	case errors.Is(err, auth.ErrRefreshRevoked):
		return "revoked"
	case errors.Is(err, auth.ErrRefreshNotFound):
		return "not_found"
	case errors.Is(err, auth.ErrInvalidCredentials):
		return "not_found"
	case errors.Is(err, auth.ErrBackendUnavailable):
		return "backend_error"
	default:
		return "error"
	}
}

func handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrInsufficientPermission):
		writeError(w, r, http.StatusForbidden, "insufficient permission")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, auth.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, "already exists")
	case errors.Is(err, auth.ErrBackendUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "backend unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

var errEmptyBody = errors.New("request body is required")

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func writeErrorWithReason(w http.ResponseWriter, r *http.Request, code int, msg, reason string) {
	payload := map[string]any{
		"error":  msg,
		"reason": reason,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
