package security

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// StoreLatency can be used by store implementations to record operation latency.
	StoreLatency *prometheus.HistogramVec

	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	// DBPoolOpenConnections tracks the number of currently open database connections.
	DBPoolOpenConnections prometheus.Gauge

	// DBPoolMaxConnections tracks the configured maximum database connections.
	DBPoolMaxConnections prometheus.Gauge

	activeSubscriptions prometheus.Gauge
	staleCallbacksTotal prometheus.Counter
	evictionsTotal      prometheus.Counter
	forwardTargetsTotal *prometheus.CounterVec
	messagesTotal       *prometheus.CounterVec
	eventsTotal         *prometheus.CounterVec
)

var validLabelKey = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ParseMetricsLabels parses a comma-separated list of key=value pairs into
// Prometheus labels. Values support ${VAR} / $VAR environment variable expansion.
// Label values may not contain commas. Returns nil for an empty string.
func ParseMetricsLabels(s string) (prometheus.Labels, error) {
	s = os.Expand(s, os.Getenv)
	if s == "" {
		return nil, nil
	}
	labels := prometheus.Labels{}
	for _, pair := range strings.Split(s, ",") {
		idx := strings.IndexByte(pair, '=')
		if idx < 0 {
			return nil, fmt.Errorf("invalid label %q: expected key=value", pair)
		}
		k, v := pair[:idx], pair[idx+1:]
		if !validLabelKey.MatchString(k) {
			return nil, fmt.Errorf("invalid label key %q: must match [a-zA-Z_][a-zA-Z0-9_]*", k)
		}
		labels[k] = v
	}
	return labels, nil
}

var initMetricsOnce sync.Once

// InitMetrics registers all Prometheus metrics with the given constant labels.
// Safe to call multiple times; only the first call registers. Until it is
// called every recording helper is a no-op.
func InitMetrics(constLabels prometheus.Labels) {
	initMetricsOnce.Do(func() {
		initMetricsInner(constLabels)
	})
}

func initMetricsInner(constLabels prometheus.Labels) {
	reg := prometheus.WrapRegistererWith(constLabels, prometheus.DefaultRegisterer)
	f := promauto.With(reg)

	httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sync_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_sync_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	StoreLatency = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_sync_store_latency_seconds",
			Help:    "Store operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	CacheHitsTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "chat_sync_cache_hits_total",
		Help: "Total display-name cache hits",
	})

	CacheMissesTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "chat_sync_cache_misses_total",
		Help: "Total display-name cache misses",
	})

	DBPoolOpenConnections = f.NewGauge(prometheus.GaugeOpts{
		Name: "chat_sync_db_pool_open_connections",
		Help: "Number of open database connections",
	})

	DBPoolMaxConnections = f.NewGauge(prometheus.GaugeOpts{
		Name: "chat_sync_db_pool_max_connections",
		Help: "Maximum number of database connections",
	})

	activeSubscriptions = f.NewGauge(prometheus.GaugeOpts{
		Name: "chat_sync_active_subscriptions",
		Help: "Number of live view subscriptions",
	})

	staleCallbacksTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "chat_sync_stale_callbacks_total",
		Help: "Subscription callbacks discarded because their view was replaced or cancelled",
	})

	evictionsTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "chat_sync_evictions_total",
		Help: "Open conversation views closed because the viewer was removed",
	})

	forwardTargetsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sync_forward_targets_total",
			Help: "Forwarding target writes by outcome",
		},
		[]string{"outcome"},
	)

	messagesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sync_messages_total",
			Help: "Messages written by type",
		},
		[]string{"type"},
	)

	eventsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sync_events_published_total",
			Help: "Domain events handed to the event publisher by outcome",
		},
		[]string{"type", "outcome"},
	)
}

// ObserveStore records the latency of a store operation started at start.
func ObserveStore(op string, start time.Time) {
	if StoreLatency != nil {
		StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// CacheLookup records a display-name cache hit or miss.
func CacheLookup(hit bool) {
	switch {
	case hit && CacheHitsTotal != nil:
		CacheHitsTotal.Inc()
	case !hit && CacheMissesTotal != nil:
		CacheMissesTotal.Inc()
	}
}

// SubscriptionOpened and SubscriptionClosed track live view subscriptions.
func SubscriptionOpened() {
	if activeSubscriptions != nil {
		activeSubscriptions.Inc()
	}
}

func SubscriptionClosed() {
	if activeSubscriptions != nil {
		activeSubscriptions.Dec()
	}
}

// StaleCallback counts a discarded subscription callback.
func StaleCallback() {
	if staleCallbacksTotal != nil {
		staleCallbacksTotal.Inc()
	}
}

// Eviction counts a self-eviction.
func Eviction() {
	if evictionsTotal != nil {
		evictionsTotal.Inc()
	}
}

// ForwardTarget counts one forwarding target write.
func ForwardTarget(ok bool) {
	if forwardTargetsTotal == nil {
		return
	}
	if ok {
		forwardTargetsTotal.WithLabelValues("success").Inc()
	} else {
		forwardTargetsTotal.WithLabelValues("failure").Inc()
	}
}

// MessageWritten counts a stored message.
func MessageWritten(messageType string) {
	if messagesTotal != nil {
		messagesTotal.WithLabelValues(messageType).Inc()
	}
}

// EventPublished counts a domain event publish attempt.
func EventPublished(eventType string, err error) {
	if eventsTotal == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	eventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// MetricsMiddleware records HTTP request metrics for Prometheus.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if httpRequestsTotal == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		httpRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method).Observe(duration.Seconds())
	}
}
