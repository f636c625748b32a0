package serve

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-sync/internal/chat"
	"github.com/chirino/chat-sync/internal/config"
	"github.com/chirino/chat-sync/internal/plugin/route/conversations"
	"github.com/chirino/chat-sync/internal/plugin/route/friends"
	"github.com/chirino/chat-sync/internal/plugin/route/messages"
	routesystem "github.com/chirino/chat-sync/internal/plugin/route/system"
	"github.com/chirino/chat-sync/internal/plugin/route/users"
	storemetrics "github.com/chirino/chat-sync/internal/plugin/store/metrics"
	registrycache "github.com/chirino/chat-sync/internal/registry/cache"
	registryevents "github.com/chirino/chat-sync/internal/registry/events"
	registrymigrate "github.com/chirino/chat-sync/internal/registry/migrate"
	registryroute "github.com/chirino/chat-sync/internal/registry/route"
	registrystore "github.com/chirino/chat-sync/internal/registry/store"
	"github.com/chirino/chat-sync/internal/security"
	"github.com/chirino/chat-sync/internal/service"
	"github.com/gin-gonic/gin"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config     *config.Config
	Store      registrystore.DocumentStore
	Engine     *chat.Engine
	Router     *gin.Engine
	Running    *RunningServers
	Management *RunningServers

	stop   context.CancelFunc
	events registryevents.Publisher
	cache  registrycache.DisplayNameCache
}

// Shutdown ends open event streams, drains the listeners and then closes
// the backends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stop()
	if s.Management != nil {
		_ = s.Management.Close(ctx)
	}
	err := s.Running.Close(ctx)
	if cerr := s.events.Close(); cerr != nil {
		log.Warn("Event publisher close failed", "err", cerr)
	}
	if c, ok := s.cache.(interface{ Close() }); ok {
		c.Close()
	}
	if cerr := s.Store.Close(); cerr != nil {
		log.Warn("Store close failed", "err", cerr)
	}
	return err
}

// StartServer initializes all subsystems and serves HTTP on a single port.
// Use cfg.Listener.Port=0 for a random port. Actual port: Server.Running.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting chat sync",
		"httpPort", cfg.Listener.Port,
		"db", cfg.DatastoreType,
		"cache", cfg.CacheType,
		"events", cfg.EventsType,
	)

	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	if err := registrymigrate.RunAll(ctx); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	// Background work and open streams live until Shutdown.
	ctx, stop := context.WithCancel(ctx)
	// cleanup runs in reverse order when startup fails part way.
	var cleanup []func()
	started := false
	defer func() {
		if started {
			return
		}
		stop()
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// The display-name cache is optional: a broken backend only costs lookups.
	var cache registrycache.DisplayNameCache
	if cacheLoader, err := registrycache.Select(cfg.CacheType); err != nil {
		log.Warn("Cache not available", "cache", cfg.CacheType, "err", err)
	} else if cache, err = cacheLoader(ctx); err != nil {
		log.Warn("Failed to initialize cache", "cache", cfg.CacheType, "err", err)
		cache = nil
	}

	eventsLoader, err := registryevents.Select(cfg.EventsType)
	if err != nil {
		return nil, err
	}
	events, err := eventsLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize event publisher: %w", err)
	}
	cleanup = append(cleanup, func() { _ = events.Close() })

	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	store = storemetrics.Wrap(store)
	cleanup = append(cleanup, func() { _ = store.Close() })

	opts := []chat.Option{chat.WithPublisher(events)}
	if cache != nil {
		opts = append(opts, chat.WithDisplayNameCache(cache, cfg.CacheTTL))
	}
	engine := chat.New(store, opts...)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		router.Use(security.AccessLogMiddleware())
	} else {
		router.Use(security.AccessLogMiddleware(managementPaths...))
	}
	router.Use(security.MetricsMiddleware())
	router.Use(shutdownMiddleware(ctx))
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.CORSOrigins, cfg.UserIDHeader))
	}

	for _, loader := range registryroute.MainRouteLoaders() {
		if err := loader(router); err != nil {
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
	}

	auth := security.IdentityMiddleware(cfg.UserIDHeader)
	conversations.MountRoutes(router, engine, auth)
	messages.MountRoutes(router, engine, auth)
	friends.MountRoutes(router, engine, auth)
	users.MountRoutes(router, engine, auth)

	reconciler := service.NewLinkReconciler(store, cfg.ReconcileInterval, cfg.ReconcileBatchSize)
	go reconciler.Start(ctx)

	var management *RunningServers
	if cfg.ManagementListenerEnabled {
		management, err = startManagementServer(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to start management server: %w", err)
		}
		cleanup = append(cleanup, func() { _ = management.Close(context.Background()) })
	} else if err := mountManagementRoutes(router); err != nil {
		return nil, err
	}

	running, err := StartSinglePortHTTP("main", cfg.Listener, router)
	if err != nil {
		return nil, err
	}

	started = true
	routesystem.MarkReady()
	return &Server{
		Config:     cfg,
		Store:      store,
		Engine:     engine,
		Router:     router,
		Running:    running,
		Management: management,
		stop:       stop,
		events:     events,
		cache:      cache,
	}, nil
}

// shutdownMiddleware cancels request contexts once ctx ends, so long-lived
// event streams return and let the listeners drain.
func shutdownMiddleware(ctx context.Context) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqCtx, cancel := context.WithCancel(c.Request.Context())
		defer cancel()
		unregister := context.AfterFunc(ctx, cancel)
		defer unregister()
		c.Request = c.Request.WithContext(reqCtx)
		c.Next()
	}
}
