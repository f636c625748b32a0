package system

import (
	"net/http"
	"net/http/httptest"
	"testing"

	registryroute "github.com/chirino/chat-sync/internal/registry/route"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagementRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	for _, loader := range registryroute.ManagementRouteLoaders() {
		require.NoError(t, loader(r))
	}

	get := func(path string) int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w.Code
	}

	assert.Equal(t, http.StatusOK, get("/health"))
	assert.Equal(t, http.StatusOK, get("/metrics"))

	ready.Store(false)
	assert.Equal(t, http.StatusServiceUnavailable, get("/ready"))
	MarkReady()
	assert.True(t, Ready())
	assert.Equal(t, http.StatusOK, get("/ready"))
}
