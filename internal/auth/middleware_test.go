package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/edustat/edustat-backend/internal/common/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func protectedEcho(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := GetUserIDFromContext(r.Context())
		require.True(t, ok)
		username, _ := GetUsernameFromContext(r.Context())
		assert.Equal(t, int64(7), userID)
		assert.Equal(t, "ms.adeyemi", username)
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestAuthenticateHeaderAndQuery(t *testing.T) {
	m := NewMiddleware("secret")
	token, err := utils.NewAccessToken(7, "ms.adeyemi", "secret", time.Minute)
	require.NoError(t, err)

	h := m.Authenticate(protectedEcho(t))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/chat/conversations", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAuthenticateRejects(t *testing.T) {
	m := NewMiddleware("secret")
	refresh, err := utils.GenerateJWT(&utils.JWTClaims{
		UserID:    7,
		Type:      "refresh",
		ExpiresAt: time.Now().Add(time.Minute).Unix(),
	}, "secret")
	require.NoError(t, err)

	h := m.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	for name, header := range map[string]string{
		"missing":      "",
		"malformed":    "Token abc",
		"garbage":      "Bearer abc",
		"refresh type": "Bearer " + refresh,
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/chat/conversations", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}
