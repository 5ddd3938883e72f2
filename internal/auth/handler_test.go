package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newTestMux(svc *Service) *http.ServeMux {
	h := NewHandler(svc)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/signup", h.Signup)
	mux.HandleFunc("POST /api/auth/login", h.Login)
	mux.HandleFunc("POST /api/auth/refresh-token", h.Refresh)
	mux.HandleFunc("POST /api/auth/logout", h.Logout)
	mux.Handle("POST /api/auth/logout-all", Middleware(svc, http.HandlerFunc(h.LogoutAll)))
	mux.Handle("GET /api/auth/me", Middleware(svc, http.HandlerFunc(h.Me)))
	mux.Handle("GET /api/auth/admin/login-attempts", Middleware(svc, RequireRole(http.HandlerFunc(h.LoginAttempts), RoleAdmin)))
	mux.Handle("GET /api/admin/users", Middleware(svc, RequireRole(http.HandlerFunc(h.ListUsers), RoleAdmin)))
	mux.Handle("PATCH /api/admin/users/{id}/deactivate", Middleware(svc, RequireRole(http.HandlerFunc(h.DeactivateUser), RoleAdmin)))
	return mux
}

func doJSON(t *testing.T, handler http.Handler, method, path, bearer string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func decodeTokens(t *testing.T, env envelope) Tokens {
	t.Helper()
	var tokens Tokens
	require.NoError(t, json.Unmarshal(env.Data, &tokens))
	return tokens
}

func TestLoginHandlerLocksAfterRepeatedFailures(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore())
	seedUser(t, svc, "ada@example.com", RoleUser)
	mux := newTestMux(svc)

	for i := 0; i < 5; i++ {
		rec, env := doJSON(t, mux, http.MethodPost, "/api/auth/login", "", map[string]string{
			"email": "ada@example.com", "password": "wrong-password",
		})
		require.Equal(t, http.StatusUnauthorized, rec.Code, "attempt %d", i+1)
		assert.False(t, env.Success)
		assert.Equal(t, "invalid credentials", env.Message)
	}

	rec, env := doJSON(t, mux, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "ada@example.com", "password": testPassword,
	})
	assert.Equal(t, http.StatusLocked, rec.Code)
	assert.Equal(t, "account temporarily locked", env.Message)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestLoginHandlerValidation(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore())
	mux := newTestMux(svc)

	rec, env := doJSON(t, mux, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "not-an-email", "password": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "email format is invalid", env.Message)

	rec, _ = doJSON(t, mux, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "a@example.com"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env = doJSON(t, mux, http.MethodPost, "/api/auth/login", "", map[string]any{"email": "a@example.com", "password": "x", "extra": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid json body", env.Message)
}

func TestInactiveLoginLooksLikeBadCredentials(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore())
	user := seedUser(t, svc, "ada@example.com", RoleUser)
	require.NoError(t, svc.DeactivateUser(t.Context(), user.ID))
	mux := newTestMux(svc)

	rec, env := doJSON(t, mux, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "ada@example.com", "password": testPassword,
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid credentials", env.Message)
}

func TestRefreshHandlerRotation(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore())
	seedUser(t, svc, "ada@example.com", RoleUser)
	mux := newTestMux(svc)

	rec, env := doJSON(t, mux, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "ada@example.com", "password": testPassword,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	first := decodeTokens(t, env)

	rec, env = doJSON(t, mux, http.MethodPost, "/api/auth/refresh-token", "", map[string]string{"refresh_token": first.RefreshToken})
	require.Equal(t, http.StatusOK, rec.Code)
	second := decodeTokens(t, env)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	rec, env = doJSON(t, mux, http.MethodPost, "/api/auth/refresh-token", "", map[string]string{"refresh_token": first.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid refresh token", env.Message)

	rec, _ = doJSON(t, mux, http.MethodPost, "/api/auth/logout", "", map[string]string{"refresh_token": second.RefreshToken})
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = doJSON(t, mux, http.MethodPost, "/api/auth/logout", "", map[string]string{"refresh_token": second.RefreshToken})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = doJSON(t, mux, http.MethodPost, "/api/auth/refresh-token", "", map[string]string{"refresh_token": second.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRefreshAndLogoutAcceptCamelCaseKey(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore())
	seedUser(t, svc, "ada@example.com", RoleUser)
	mux := newTestMux(svc)

	rec, env := doJSON(t, mux, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "ada@example.com", "password": testPassword,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	first := decodeTokens(t, env)

	rec, env = doJSON(t, mux, http.MethodPost, "/api/auth/refresh-token", "", map[string]string{"refreshToken": first.RefreshToken})
	require.Equal(t, http.StatusOK, rec.Code)
	second := decodeTokens(t, env)

	rec, _ = doJSON(t, mux, http.MethodPost, "/api/auth/logout", "", map[string]string{
		"refreshToken": second.RefreshToken,
		"accessToken":  second.AccessToken,
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = doJSON(t, mux, http.MethodPost, "/api/auth/refresh-token", "", map[string]string{"refresh_token": second.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, env = doJSON(t, mux, http.MethodPost, "/api/auth/refresh-token", "", map[string]string{"refresh_token": "x", "extra": "y"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid json body", env.Message)
}

func TestSignupHandler(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore())
	mux := newTestMux(svc)

	cases := []struct {
		name    string
		body    map[string]string
		status  int
		message string
	}{
		{"short name", map[string]string{"name": "A", "email": "a@example.com", "password": testPassword}, http.StatusBadRequest, "name must be at least 2 characters"},
		{"bad email", map[string]string{"name": "Ada", "email": "ada", "password": testPassword}, http.StatusBadRequest, "email format is invalid"},
		{"weak password", map[string]string{"name": "Ada", "email": "ada@example.com", "password": "lowercase"}, http.StatusBadRequest, "password must be at least 8 characters with an uppercase letter and a digit"},
		{"created", map[string]string{"name": "Ada", "email": "ada@example.com", "password": testPassword}, http.StatusCreated, ""},
		{"duplicate", map[string]string{"name": "Ada", "email": "ADA@example.com", "password": testPassword}, http.StatusConflict, "user already exists"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, env := doJSON(t, mux, http.MethodPost, "/api/auth/signup", "", tc.body)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.message, env.Message)
		})
	}

	rec, env := doJSON(t, mux, http.MethodPost, "/api/auth/signup", "", map[string]string{
		"name": "Grace", "email": "grace@example.com", "password": testPassword,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotContains(t, strings.ToLower(rec.Body.String()), "password")
	var created struct {
		User   User   `json:"user"`
		Tokens Tokens `json:"tokens"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, "grace@example.com", created.User.Email)
	assert.NotEmpty(t, created.Tokens.RefreshToken)
}

func TestLogoutAllAndMeHandlers(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore())
	user := seedUser(t, svc, "ada@example.com", RoleUser)
	mux := newTestMux(svc)

	tokens, err := login(svc, "ada@example.com", testPassword)
	require.NoError(t, err)

	rec, env := doJSON(t, mux, http.MethodGet, "/api/auth/me", tokens.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(env.Data), user.ID)

	rec, env = doJSON(t, mux, http.MethodPost, "/api/auth/logout-all", tokens.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"revoked":1}`, string(env.Data))

	rec, _ = doJSON(t, mux, http.MethodPost, "/api/auth/refresh-token", "", map[string]string{"refresh_token": tokens.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	require.NoError(t, svc.DeactivateUser(t.Context(), user.ID))
	rec, env = doJSON(t, mux, http.MethodGet, "/api/auth/me", tokens.AccessToken, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "user is inactive or no longer exists", env.Message)
}

func TestAdminHandlers(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore())
	seedUser(t, svc, "root@example.com", RoleAdmin)
	member := seedUser(t, svc, "ada@example.com", RoleUser)
	mux := newTestMux(svc)

	adminTokens, err := login(svc, "root@example.com", testPassword)
	require.NoError(t, err)
	memberTokens, err := login(svc, "ada@example.com", testPassword)
	require.NoError(t, err)

	rec, env := doJSON(t, mux, http.MethodGet, "/api/admin/users", memberTokens.AccessToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden: insufficient permissions", env.Message)

	rec, env = doJSON(t, mux, http.MethodGet, "/api/admin/users", adminTokens.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var users []map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &users))
	assert.Len(t, users, 2)
	for _, u := range users {
		assert.NotContains(t, u, "password_hash")
	}

	rec, env = doJSON(t, mux, http.MethodGet, "/api/auth/admin/login-attempts", adminTokens.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var attempts []LoginAttempt
	require.NoError(t, json.Unmarshal(env.Data, &attempts))
	assert.Len(t, attempts, 2)

	rec, _ = doJSON(t, mux, http.MethodPatch, "/api/admin/users/missing/deactivate", adminTokens.AccessToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = doJSON(t, mux, http.MethodPatch, "/api/admin/users/"+member.ID+"/deactivate", adminTokens.AccessToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = doJSON(t, mux, http.MethodPost, "/api/auth/refresh-token", "", map[string]string{"refresh_token": memberTokens.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
