package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMetricsLabels(t *testing.T) {
	t.Setenv("POD", "chat-1")
	labels, err := ParseMetricsLabels("service=chat-sync,pod=${POD}")
	require.NoError(t, err)
	assert.Equal(t, prometheus.Labels{"service": "chat-sync", "pod": "chat-1"}, labels)

	labels, err = ParseMetricsLabels("")
	require.NoError(t, err)
	assert.Nil(t, labels)

	_, err = ParseMetricsLabels("novalue")
	require.Error(t, err)
	_, err = ParseMetricsLabels("1bad=x")
	require.Error(t, err)
}

func TestIdentityMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/whoami", IdentityMiddleware(""), func(c *gin.Context) {
		c.String(http.StatusOK, GetUserID(c))
	})

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set(DefaultUserIDHeader, " alice ")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", rec.Body.String())
}

func TestRecordingHelpersAreSafeBeforeInit(t *testing.T) {
	require.NotPanics(t, func() {
		SubscriptionOpened()
		SubscriptionClosed()
		StaleCallback()
		Eviction()
		ForwardTarget(true)
		MessageWritten("text")
		EventPublished("message.sent", nil)
		CacheLookup(true)
	})
}
