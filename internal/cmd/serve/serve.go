package serve

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-sync/internal/config"
	registrycache "github.com/chirino/chat-sync/internal/registry/cache"
	registryevents "github.com/chirino/chat-sync/internal/registry/events"
	registrystore "github.com/chirino/chat-sync/internal/registry/store"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"

	// Import all plugins to trigger init() registration
	_ "github.com/chirino/chat-sync/internal/plugin/cache/local"
	_ "github.com/chirino/chat-sync/internal/plugin/cache/noop"
	_ "github.com/chirino/chat-sync/internal/plugin/cache/redis"
	_ "github.com/chirino/chat-sync/internal/plugin/events/kafka"
	_ "github.com/chirino/chat-sync/internal/plugin/events/logevents"
	_ "github.com/chirino/chat-sync/internal/plugin/events/none"
	_ "github.com/chirino/chat-sync/internal/plugin/route/system"
	_ "github.com/chirino/chat-sync/internal/plugin/store/memory"
	_ "github.com/chirino/chat-sync/internal/plugin/store/mongo"
	_ "github.com/chirino/chat-sync/internal/plugin/store/postgres"
	_ "github.com/chirino/chat-sync/internal/plugin/store/sqlite"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var readHeaderTimeoutSecs int = 5
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the chat sync HTTP server",
		Flags: flags(&cfg, &readHeaderTimeoutSecs),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg.Listener.ReadHeaderTimeout = time.Duration(readHeaderTimeoutSecs) * time.Second
			cfg.ManagementListener.ReadHeaderTimeout = cfg.Listener.ReadHeaderTimeout
			cfg.ManagementListenerEnabled = cmd.IsSet("management-port")
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func flags(cfg *config.Config, readHeaderTimeoutSecs *int) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "tls-cert-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SYNC_TLS_CERT_FILE"),
			Destination: &cfg.Listener.TLSCertFile,
			Usage:       "TLS certificate file for single-port TLS mode",
		},
		&cli.StringFlag{
			Name:        "tls-key-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SYNC_TLS_KEY_FILE"),
			Destination: &cfg.Listener.TLSKeyFile,
			Usage:       "TLS private key file for single-port TLS mode",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SYNC_READ_HEADER_TIMEOUT_SECONDS"),
			Destination: readHeaderTimeoutSecs,
			Value:       *readHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},
		&cli.BoolFlag{
			Name:        "management-access-log",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SYNC_MANAGEMENT_ACCESS_LOG"),
			Destination: &cfg.ManagementAccessLog,
			Usage:       "Enable HTTP access logging for management endpoints (/health, /ready, /metrics)",
		},
		&cli.BoolFlag{
			Name:        "cors-enabled",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SYNC_CORS_ENABLED"),
			Destination: &cfg.CORSEnabled,
			Usage:       "Answer CORS preflight requests and set CORS headers",
		},
		&cli.StringFlag{
			Name:        "cors-origins",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SYNC_CORS_ORIGINS"),
			Destination: &cfg.CORSOrigins,
			Usage:       "Comma-separated allowed origins; empty allows any origin",
		},
		&cli.Int64Flag{
			Name:        "max-body-size",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SYNC_MAX_BODY_SIZE"),
			Destination: &cfg.MaxBodySize,
			Value:       cfg.MaxBodySize,
			Usage:       "Maximum request body size in bytes",
		},
		&cli.IntFlag{
			Name:        "drain-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SYNC_DRAIN_TIMEOUT_SECONDS"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Seconds to wait for in-flight requests and streams on shutdown",
		},

		// ── Network Listener ──────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("CHAT_SYNC_PORT"),
			Destination: &cfg.Listener.Port,
			Value:       cfg.Listener.Port,
			Usage:       "HTTP server port",
		},
		&cli.BoolFlag{
			Name:        "plain-text",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("CHAT_SYNC_PLAIN_TEXT"),
			Destination: &cfg.Listener.EnablePlainText,
			Value:       cfg.Listener.EnablePlainText,
			Usage:       "Enable plaintext HTTP/1.1 + h2c",
		},
		&cli.BoolFlag{
			Name:        "tls",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("CHAT_SYNC_TLS"),
			Destination: &cfg.Listener.EnableTLS,
			Value:       cfg.Listener.EnableTLS,
			Usage:       "Enable TLS HTTP/1.1 + HTTP/2",
		},

		// ── Management Network Listener ───────────────────────────
		&cli.IntFlag{
			Name:        "management-port",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("CHAT_SYNC_MANAGEMENT_PORT"),
			Destination: &cfg.ManagementListener.Port,
			Value:       cfg.ManagementListener.Port,
			Usage:       "Dedicated port for health and metrics (0 = OS-assigned random port); when unset, served on the main port",
		},
		&cli.BoolFlag{
			Name:        "management-plain-text",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("CHAT_SYNC_MANAGEMENT_PLAIN_TEXT"),
			Destination: &cfg.ManagementListener.EnablePlainText,
			Value:       cfg.ManagementListener.EnablePlainText,
			Usage:       "Enable plaintext HTTP for management server",
		},
		&cli.BoolFlag{
			Name:        "management-tls",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("CHAT_SYNC_MANAGEMENT_TLS"),
			Destination: &cfg.ManagementListener.EnableTLS,
			Value:       cfg.ManagementListener.EnableTLS,
			Usage:       "Enable TLS for management server",
		},

		// ── Database ───────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-kind",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_SYNC_DB_KIND"),
			Destination: &cfg.DatastoreType,
			Value:       cfg.DatastoreType,
			Usage:       "Backend store (" + strings.Join(registrystore.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_SYNC_DB_URL"),
			Destination: &cfg.DBURL,
			Usage:       "Database connection URL (a file path for sqlite; unused by memory)",
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_SYNC_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum number of open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_SYNC_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum number of idle database connections",
		},
		&cli.BoolFlag{
			Name:        "db-migrate-at-start",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_SYNC_DB_MIGRATE_AT_START"),
			Destination: &cfg.DatastoreMigrateAtStart,
			Value:       cfg.DatastoreMigrateAtStart,
			Usage:       "Run schema migrations before serving",
		},
		&cli.StringFlag{
			Name:        "mongo-database",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_SYNC_MONGO_DATABASE"),
			Destination: &cfg.MongoDatabase,
			Value:       cfg.MongoDatabase,
			Usage:       "Database name used by the mongo store",
		},

		// ── Cache ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "cache-kind",
			Category:    "Cache:",
			Sources:     cli.EnvVars("CHAT_SYNC_CACHE_KIND"),
			Destination: &cfg.CacheType,
			Value:       cfg.CacheType,
			Usage:       "Display-name cache (" + strings.Join(registrycache.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "redis-hosts",
			Category:    "Cache:",
			Sources:     cli.EnvVars("CHAT_SYNC_REDIS_HOSTS"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis connection URL",
		},
		&cli.DurationFlag{
			Name:        "cache-ttl",
			Category:    "Cache:",
			Sources:     cli.EnvVars("CHAT_SYNC_CACHE_TTL"),
			Destination: &cfg.CacheTTL,
			Value:       cfg.CacheTTL,
			Usage:       "How long a cached display name is trusted",
		},
		&cli.Int64Flag{
			Name:        "cache-local-max-entries",
			Category:    "Cache:",
			Sources:     cli.EnvVars("CHAT_SYNC_CACHE_LOCAL_MAX_ENTRIES"),
			Destination: &cfg.CacheLocalMaxEntries,
			Value:       cfg.CacheLocalMaxEntries,
			Usage:       "Maximum display names held by the local cache",
		},

		// ── Events ────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "events-kind",
			Category:    "Events:",
			Sources:     cli.EnvVars("CHAT_SYNC_EVENTS_KIND"),
			Destination: &cfg.EventsType,
			Value:       cfg.EventsType,
			Usage:       "Domain event publisher (" + strings.Join(registryevents.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "kafka-brokers",
			Category:    "Events:",
			Sources:     cli.EnvVars("CHAT_SYNC_KAFKA_BROKERS"),
			Destination: &cfg.KafkaBrokers,
			Usage:       "Comma-separated Kafka broker addresses",
		},
		&cli.StringFlag{
			Name:        "kafka-topic",
			Category:    "Events:",
			Sources:     cli.EnvVars("CHAT_SYNC_KAFKA_TOPIC"),
			Destination: &cfg.KafkaTopic,
			Value:       cfg.KafkaTopic,
			Usage:       "Kafka topic domain events are written to",
		},

		// ── Identity ──────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "user-id-header",
			Category:    "Identity:",
			Sources:     cli.EnvVars("CHAT_SYNC_USER_ID_HEADER"),
			Destination: &cfg.UserIDHeader,
			Value:       cfg.UserIDHeader,
			Usage:       "Request header carrying the authenticated user id",
		},

		// ── Reconciler ────────────────────────────────────────────
		&cli.DurationFlag{
			Name:        "reconcile-interval",
			Category:    "Reconciler:",
			Sources:     cli.EnvVars("CHAT_SYNC_RECONCILE_INTERVAL"),
			Destination: &cfg.ReconcileInterval,
			Value:       cfg.ReconcileInterval,
			Usage:       "How often membership links are reconciled (0 disables)",
		},
		&cli.IntFlag{
			Name:        "reconcile-batch-size",
			Category:    "Reconciler:",
			Sources:     cli.EnvVars("CHAT_SYNC_RECONCILE_BATCH_SIZE"),
			Destination: &cfg.ReconcileBatchSize,
			Value:       cfg.ReconcileBatchSize,
			Usage:       "Maximum link writes committed per batch",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("CHAT_SYNC_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       "service=chat-sync",
			Usage:       "Comma-separated key=value pairs added as constant labels to all Prometheus metrics. Supports ${VAR} expansion.",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}

// maxBodySizeMiddleware caps request bodies. Event streams are exempt: they
// carry no body and must not be wrapped.
func maxBodySizeMiddleware(maxBodySize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBodySize <= 0 || isStreamingRequest(c.Request) {
			c.Next()
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		c.Next()
	}
}

func isStreamingRequest(req *http.Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	if req.Method != http.MethodGet {
		return false
	}
	if strings.HasSuffix(req.URL.Path, "/stream") {
		return true
	}
	return strings.Contains(strings.ToLower(req.Header.Get("Accept")), "text/event-stream")
}
