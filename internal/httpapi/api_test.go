package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"authgate.org/internal/auth"
)

type apiEnv struct {
	handler http.Handler
	svc     *auth.Service
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	svc, err := auth.NewService(
		auth.NewMemoryUserStore(),
		auth.NewMemoryRefreshTokenStore(),
		auth.NewMemoryRegistry(),
		[]byte("httpapi-test-secret"),
		auth.WithBcryptCost(4),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	api := New(ReadyProbe{}, "test", svc, nil)
	return &apiEnv{handler: api.Handler(), svc: svc}
}

func (e *apiEnv) createUser(t *testing.T, username string, role auth.Role) {
	t.Helper()
	if _, err := e.svc.CreateUser(context.Background(), username, username+"@example.com", "correct horse", role); err != nil {
		t.Fatalf("CreateUser(%s): %v", username, err)
	}
}

func (e *apiEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *apiEnv) login(t *testing.T, username string) tokenPairResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"identifier": username,
		"password":   "correct horse",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", rec.Code, rec.Body.String())
	}
	var pair tokenPairResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &pair); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return pair
}

func TestLoginSuccessAndFailure(t *testing.T) {
	env := newAPIEnv(t)
	env.createUser(t, "alice", auth.RoleUser)

	pair := env.login(t, "alice")
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("incomplete token pair")
	}
	if pair.Role != "user" {
		t.Fatalf("role = %q", pair.Role)
	}

	rec := env.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"identifier": "alice",
		"password":   "wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad password status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/v1/auth/login", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty body status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/v1/auth/login", "", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET login status = %d", rec.Code)
	}
}

func TestAuthenticatedRoutes(t *testing.T) {
	env := newAPIEnv(t)
	env.createUser(t, "alice", auth.RoleUser)
	pair := env.login(t, "alice")

	// No token.
	rec := env.do(t, http.MethodGet, "/v1/auth/me", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d", rec.Code)
	}

	// Garbage token.
	rec = env.do(t, http.MethodGet, "/v1/auth/me", "garbage", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d", rec.Code)
	}

	// Valid token.
	rec = env.do(t, http.MethodGet, "/v1/auth/me", pair.AccessToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("me status = %d: %s", rec.Code, rec.Body.String())
	}
	var me struct {
		Subject      string   `json:"subject"`
		Role         string   `json:"role"`
		Capabilities []string `json:"capabilities"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if me.Role != "user" || me.Subject == "" {
		t.Fatalf("unexpected me payload: %+v", me)
	}
}

func TestRefreshRotationOverHTTP(t *testing.T) {
	env := newAPIEnv(t)
	env.createUser(t, "alice", auth.RoleUser)
	pair := env.login(t, "alice")

	rec := env.do(t, http.MethodPost, "/v1/auth/refresh", "", map[string]string{
		"refresh_token": pair.RefreshToken,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d: %s", rec.Code, rec.Body.String())
	}
	var next tokenPairResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &next); err != nil {
		t.Fatalf("decode refresh response: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}

	// Replay of the consumed token.
	rec = env.do(t, http.MethodPost, "/v1/auth/refresh", "", map[string]string{
		"refresh_token": pair.RefreshToken,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("replay status = %d", rec.Code)
	}
	var errBody struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody.Reason != "revoked" {
		t.Fatalf("reason = %q, want revoked", errBody.Reason)
	}

	// Unknown token.
	rec = env.do(t, http.MethodPost, "/v1/auth/refresh", "", map[string]string{
		"refresh_token": "bogus.value",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unknown token status = %d", rec.Code)
	}
}

func TestLogoutScenario(t *testing.T) {
	env := newAPIEnv(t)
	env.createUser(t, "alice", auth.RoleUser)
	pair := env.login(t, "alice")

	rec := env.do(t, http.MethodPost, "/v1/auth/logout", pair.AccessToken, map[string]string{
		"refresh_token": pair.RefreshToken,
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout status = %d: %s", rec.Code, rec.Body.String())
	}

	// The blacklisted access token fails before its natural expiry.
	rec = env.do(t, http.MethodGet, "/v1/auth/me", pair.AccessToken, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("blacklisted token status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "revoked") {
		t.Fatalf("expected a revoked-token error, got %s", rec.Body.String())
	}

	// The refresh token is dead too.
	rec = env.do(t, http.MethodPost, "/v1/auth/refresh", "", map[string]string{
		"refresh_token": pair.RefreshToken,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("refresh after logout status = %d", rec.Code)
	}

	// Logout without a body still succeeds.
	pair = env.login(t, "alice")
	rec = env.do(t, http.MethodPost, "/v1/auth/logout", pair.AccessToken, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("bodyless logout status = %d", rec.Code)
	}
}

func TestCreateUserRequiresManageUsers(t *testing.T) {
	env := newAPIEnv(t)
	env.createUser(t, "admin", auth.RoleAdmin)
	env.createUser(t, "bob", auth.RoleUser)

	adminPair := env.login(t, "admin")
	userPair := env.login(t, "bob")

	payload := map[string]string{
		"username": "carol",
		"email":    "carol@example.com",
		"password": "pw-carol",
		"role":     "moderator",
	}

	rec := env.do(t, http.MethodPost, "/v1/users", userPair.AccessToken, payload)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("user-created user status = %d, want 403", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/v1/users", adminPair.AccessToken, payload)
	if rec.Code != http.StatusCreated {
		t.Fatalf("admin-created user status = %d: %s", rec.Code, rec.Body.String())
	}
	var created userResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created user: %v", err)
	}
	if created.Role != "moderator" || created.ID == "" {
		t.Fatalf("unexpected created user: %+v", created)
	}

	// Duplicate gets a conflict.
	rec = env.do(t, http.MethodPost, "/v1/users", adminPair.AccessToken, payload)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate user status = %d", rec.Code)
	}

	// Role outside the closed set is rejected up front.
	bad := map[string]string{
		"username": "dave", "email": "dave@example.com", "password": "pw", "role": "root",
	}
	rec = env.do(t, http.MethodPost, "/v1/users", adminPair.AccessToken, bad)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown role status = %d", rec.Code)
	}
}

func TestRevokeAllEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	env.createUser(t, "admin", auth.RoleAdmin)
	env.createUser(t, "bob", auth.RoleUser)

	adminPair := env.login(t, "admin")
	bobPair := env.login(t, "bob")

	var bobID string
	{
		rec := env.do(t, http.MethodGet, "/v1/auth/me", bobPair.AccessToken, nil)
		var me struct {
			Subject string `json:"subject"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &me); err != nil {
			t.Fatalf("decode me: %v", err)
		}
		bobID = me.Subject
	}

	// Non-admin cannot revoke.
	rec := env.do(t, http.MethodPost, "/v1/auth/revoke-all", bobPair.AccessToken, map[string]string{"user_id": bobID})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-admin revoke-all status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/v1/auth/revoke-all", adminPair.AccessToken, map[string]string{"user_id": bobID})
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke-all status = %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Revoked int `json:"revoked"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode revoke-all response: %v", err)
	}
	if out.Revoked != 1 {
		t.Fatalf("revoked = %d, want 1", out.Revoked)
	}

	// Bob's refresh token is gone; his access token still verifies.
	rec = env.do(t, http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": bobPair.RefreshToken})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("refresh after revoke-all status = %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/v1/auth/me", bobPair.AccessToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("access token after revoke-all status = %d", rec.Code)
	}
}

func TestChangePasswordEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	env.createUser(t, "alice", auth.RoleUser)
	pair := env.login(t, "alice")

	rec := env.do(t, http.MethodPost, "/v1/auth/password", pair.AccessToken, map[string]string{
		"current_password": "wrong",
		"new_password":     "brand-new",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong current password status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/v1/auth/password", pair.AccessToken, map[string]string{
		"current_password": "correct horse",
		"new_password":     "brand-new",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("change password status = %d: %s", rec.Code, rec.Body.String())
	}

	// Old refresh token was cut by the rotation of credentials.
	rec = env.do(t, http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": pair.RefreshToken})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("refresh after password change status = %d", rec.Code)
	}
}

func TestOpsEndpoints(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"version":"test"`) {
		t.Fatalf("healthz body: %s", rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/readyz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/v1/info", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("info status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/openapi.yaml", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("openapi status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "openapi:") {
		t.Fatal("openapi.yaml body looks wrong")
	}

	// Unknown paths sit behind authentication like any other route.
	rec = env.do(t, http.MethodGet, "/nope", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unknown route status = %d", rec.Code)
	}
}

func TestRejectsUnknownJSONFields(t *testing.T) {
	env := newAPIEnv(t)
	env.createUser(t, "alice", auth.RoleUser)

	rec := env.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"identifier": "alice",
		"password":   "correct horse",
		"surprise":   "field",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field status = %d", rec.Code)
	}
}

func TestExpiredAccessTokenOverHTTP(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, err := auth.NewService(
		auth.NewMemoryUserStore(),
		auth.NewMemoryRefreshTokenStore(),
		auth.NewMemoryRegistry(),
		[]byte("httpapi-test-secret"),
		auth.WithBcryptCost(4),
		auth.WithAccessTTL(time.Minute),
		auth.WithClock(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	env := &apiEnv{handler: New(ReadyProbe{}, "test", svc, nil).Handler(), svc: svc}
	env.createUser(t, "alice", auth.RoleUser)
	pair := env.login(t, "alice")

	now = now.Add(2 * time.Minute)
	rec := env.do(t, http.MethodGet, "/v1/auth/me", pair.AccessToken, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expired token status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "expired") {
		t.Fatalf("expected an expiry error, got %s", rec.Body.String())
	}
}

func TestMethodNotAllowedCarriesAllowHeader(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, http.MethodDelete, "/v1/auth/refresh", "", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Allow"); got != http.MethodPost {
		t.Fatalf("Allow = %q", got)
	}
}
