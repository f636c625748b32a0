package serve

import (
	"fmt"

	"github.com/chirino/chat-sync/internal/config"
	registryroute "github.com/chirino/chat-sync/internal/registry/route"
	"github.com/chirino/chat-sync/internal/security"
	"github.com/gin-gonic/gin"
)

// managementPaths are never access-logged unless --management-access-log is set.
var managementPaths = []string{"/health", "/ready", "/metrics"}

func mountManagementRoutes(r *gin.Engine) error {
	for _, loader := range registryroute.ManagementRouteLoaders() {
		if err := loader(r); err != nil {
			return fmt.Errorf("failed to load management routes: %w", err)
		}
	}
	return nil
}

// startManagementServer serves health and metrics on their own port. It
// shares the main listener's TLS material.
func startManagementServer(cfg *config.Config) (*RunningServers, error) {
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		router.Use(security.AccessLogMiddleware())
	}
	if err := mountManagementRoutes(router); err != nil {
		return nil, err
	}

	lcfg := cfg.ManagementListener
	lcfg.TLSCertFile = cfg.Listener.TLSCertFile
	lcfg.TLSKeyFile = cfg.Listener.TLSKeyFile
	if !lcfg.EnablePlainText && !lcfg.EnableTLS {
		lcfg.EnablePlainText = true
	}
	return StartSinglePortHTTP("management", lcfg, router)
}
