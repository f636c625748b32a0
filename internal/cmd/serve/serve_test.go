package serve

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestIsStreamingRequest(t *testing.T) {
	t.Run("conversation stream is streaming", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/conversations/c1/stream", nil)
		require.True(t, isStreamingRequest(req))
	})

	t.Run("event-stream accept header is streaming", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/conversations", nil)
		req.Header.Set("Accept", "text/event-stream")
		require.True(t, isStreamingRequest(req))
	})

	t.Run("message send is not streaming", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/conversations/c1/messages", strings.NewReader(`{"content":"hi"}`))
		req.Header.Set("Content-Type", "application/json")
		require.False(t, isStreamingRequest(req))
	})
}

func TestMaxBodySizeMiddleware_EnforcesForMessageSend(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(maxBodySizeMiddleware(4))
	router.POST("/v1/conversations/:id/messages", readBodyLengthHandler)

	req := httptest.NewRequest(http.MethodPost, "/v1/conversations/c1/messages", strings.NewReader("0123456789"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestMaxBodySizeMiddleware_AllowsSmallBodies(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(maxBodySizeMiddleware(64))
	router.POST("/v1/friend-requests", readBodyLengthHandler)

	req := httptest.NewRequest(http.MethodPost, "/v1/friend-requests", strings.NewReader(`{"to":"bob"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "12", rec.Body.String())
}

func readBodyLengthHandler(c *gin.Context) {
	n, err := io.Copy(io.Discard, c.Request.Body)
	if err != nil {
		c.Status(http.StatusRequestEntityTooLarge)
		return
	}
	c.String(http.StatusOK, "%d", n)
}
