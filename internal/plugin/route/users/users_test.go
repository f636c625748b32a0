package users_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chirino/chat-sync/internal/chat"
	"github.com/chirino/chat-sync/internal/model"
	"github.com/chirino/chat-sync/internal/plugin/route/users"
	"github.com/chirino/chat-sync/internal/plugin/store/memory"
	"github.com/chirino/chat-sync/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfiles(t *testing.T) {
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })
	gin.SetMode(gin.TestMode)
	router := gin.New()
	users.MountRoutes(router, chat.New(store), security.IdentityMiddleware(security.DefaultUserIDHeader))

	do := func(method, path, userID string, body any) *httptest.ResponseRecorder {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		req := httptest.NewRequest(method, path, bytes.NewReader(data))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(security.DefaultUserIDHeader, userID)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	w := do(http.MethodGet, "/v1/users/me", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(http.MethodPut, "/v1/users/me", "alice", map[string]any{"displayName": "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(http.MethodPut, "/v1/users/me", "alice", map[string]any{"displayName": "Alice", "avatarUrl": "https://img.example/a.png"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(http.MethodGet, "/v1/users/alice", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var p model.UserProfile
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, "alice", p.ID)
	assert.Equal(t, "Alice", p.DisplayName)
	assert.Equal(t, "https://img.example/a.png", p.AvatarURL)
	assert.NotZero(t, p.UpdatedAt)

	w = do(http.MethodPut, "/v1/users/alice", "bob", map[string]any{"displayName": "Mallory"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}
