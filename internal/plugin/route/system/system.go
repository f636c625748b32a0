package system

import (
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	registryroute "github.com/chirino/chat-sync/internal/registry/route"
)

var ready atomic.Bool

// MarkReady flips /ready to 200. The server calls it once the store, the
// changefeed and the listeners are up.
func MarkReady() {
	ready.Store(true)
}

// Ready reports whether MarkReady has been called.
func Ready() bool {
	return ready.Load()
}

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 0,
		Type:  registryroute.RouteTypeManagement,
		Loader: func(r *gin.Engine) error {
			r.GET("/health", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{"status": "ok"})
			})

			r.GET("/ready", func(c *gin.Context) {
				if ready.Load() {
					c.JSON(http.StatusOK, gin.H{"status": "ready"})
				} else {
					c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
				}
			})

			r.GET("/metrics", gin.WrapH(promhttp.Handler()))
			return nil
		},
	})
}
