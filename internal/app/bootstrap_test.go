package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryEnv(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("BCRYPT_COST", "4")
	t.Setenv("SENTRY_DSN", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("CRON_SECRET", "cron-secret")
	t.Setenv("ADMIN_EMAIL", "root@example.com")
	t.Setenv("ADMIN_PASSWORD", "Admin1Password")
}

func post(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.RemoteAddr = "192.0.2.1:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestBuildMemoryRuntime(t *testing.T) {
	memoryEnv(t)

	runtime, err := Build(Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = runtime.Close() })

	rec := httptest.NewRecorder()
	runtime.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = post(t, runtime.Handler, "/api/auth/login", map[string]string{
		"email": "root@example.com", "password": "Admin1Password",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var login struct {
		Data struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))

	req := httptest.NewRequest(http.MethodGet, "/api/admin/users", nil)
	req.Header.Set("Authorization", "Bearer "+login.Data.AccessToken)
	rec = httptest.NewRecorder()
	runtime.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = post(t, runtime.Handler, "/api/auth/refresh-token", map[string]string{"refresh_token": login.Data.RefreshToken})
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = post(t, runtime.Handler, "/api/auth/refresh-token", map[string]string{"refresh_token": login.Data.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/internal/maintenance/cleanup", nil)
	req.Header.Set("Authorization", "Bearer cron-secret")
	rec = httptest.NewRecorder()
	runtime.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildWithRedisRateLimit(t *testing.T) {
	memoryEnv(t)
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_URL", "redis://"+mr.Addr())
	t.Setenv("LOGIN_RATE_LIMIT_MAX", "2")

	runtime, err := Build(Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = runtime.Close() })

	body := map[string]string{"email": "nobody@example.com", "password": "whatever"}
	assert.Equal(t, http.StatusUnauthorized, post(t, runtime.Handler, "/api/auth/login", body).Code)
	assert.Equal(t, http.StatusUnauthorized, post(t, runtime.Handler, "/api/auth/login", body).Code)
	assert.Equal(t, http.StatusTooManyRequests, post(t, runtime.Handler, "/api/auth/login", body).Code)
	assert.True(t, mr.Exists("login_ip:192.0.2.1"))
}

func TestBuildRejectsMissingSecret(t *testing.T) {
	memoryEnv(t)
	t.Setenv("JWT_SECRET", "")

	_, err := Build(Options{})
	assert.Error(t, err)
}

func TestBuildRejectsHalfAdminConfig(t *testing.T) {
	memoryEnv(t)
	t.Setenv("ADMIN_PASSWORD", "")

	_, err := Build(Options{})
	assert.Error(t, err)
}
