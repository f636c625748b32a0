package config

import (
	"context"
	"strings"
	"time"
)

// ListenerConfig holds the network/TLS settings for a single listener (main or management).
type ListenerConfig struct {
	Port              int
	EnablePlainText   bool
	EnableTLS         bool
	TLSCertFile       string
	TLSKeyFile        string
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// Config holds all configuration for the chat sync service.
type Config struct {
	// Database
	DBURL string

	// Run datastore migrations on startup.
	DatastoreMigrateAtStart bool

	// Datastore backend type
	DatastoreType string // "postgres", "sqlite", "mongo" or "memory"

	// MongoDatabase names the database used by the mongo store.
	MongoDatabase string

	// DB pool
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Cache backend type
	CacheType string // "redis", "local", or "none"

	// RedisURL is used by the redis cache.
	RedisURL string

	// Display-name cache TTL.
	CacheTTL time.Duration

	// Maximum entries held by the local cache.
	CacheLocalMaxEntries int64

	// Event publisher type
	EventsType string // "kafka", "log", or "none"

	// Kafka
	KafkaBrokers string // comma-separated host:port list
	KafkaTopic   string

	// UserIDHeader carries the authenticated caller id, set by the fronting gateway.
	UserIDHeader string

	// ReconcileInterval is how often membership links are reconciled. Zero disables it.
	ReconcileInterval time.Duration

	// ReconcileBatchSize caps the writes committed per reconciler batch.
	ReconcileBatchSize int

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	// Defaults to "service=chat-sync".
	MetricsLabels string

	// Server
	Listener           ListenerConfig
	ManagementListener ListenerConfig
	// ManagementListenerEnabled is true when --management-port (or CHAT_SYNC_MANAGEMENT_PORT)
	// was explicitly provided. When false, management endpoints are served on the main port.
	ManagementListenerEnabled bool
	// ManagementAccessLog enables HTTP access logging for management endpoints (/health, /ready, /metrics).
	ManagementAccessLog bool
	CORSEnabled         bool
	CORSOrigins         string

	// Body size limit (bytes)
	MaxBodySize int64

	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DatastoreType:           "postgres",
		DatastoreMigrateAtStart: true,
		MongoDatabase:           "chat_sync",
		DBMaxOpenConns:          25,
		DBMaxIdleConns:          5,
		CacheType:               "none",
		CacheTTL:                10 * time.Minute,
		CacheLocalMaxEntries:    100_000,
		EventsType:              "none",
		KafkaTopic:              "chat-sync-events",
		UserIDHeader:            "X-User-ID",
		ReconcileInterval:       5 * time.Minute,
		ReconcileBatchSize:      500,
		Listener: ListenerConfig{
			Port:              8080,
			EnablePlainText:   true,
			EnableTLS:         true,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ManagementListener: ListenerConfig{
			EnablePlainText: true,
			EnableTLS:       true,
		},
		MaxBodySize:  1024 * 1024,
		DrainTimeout: 30,
	}
}

// KafkaBrokerList splits KafkaBrokers into trimmed, non-empty addresses.
func (c *Config) KafkaBrokerList() []string {
	if c == nil {
		return nil
	}
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// UsesDatastore reports whether kind is the configured datastore. An empty
// DatastoreType matches the default backend, postgres.
func (c *Config) UsesDatastore(kind string) bool {
	if c == nil {
		return false
	}
	if c.DatastoreType == "" {
		return kind == "postgres"
	}
	return c.DatastoreType == kind
}
