package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/possync_backend/config"
	"bitbucket.org/mmdatafocus/possync_backend/middlewares"
	"bitbucket.org/mmdatafocus/possync_backend/models"
	"bitbucket.org/mmdatafocus/possync_backend/remotestore"
	"bitbucket.org/mmdatafocus/possync_backend/syncengine"
	"bitbucket.org/mmdatafocus/possync_backend/utils"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

// pubSubEnvelope is the Pub/Sub push delivery wrapper.
type pubSubEnvelope struct {
	Message struct {
		Data       []byte            `json:"data,omitempty"`
		Attributes map[string]string `json:"attributes,omitempty"`
		ID         string            `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// tenantEngine bundles one tenant's sync components. Every tenant gets its
// own queue manager, facade and broker; nothing is shared across tenants
// except the transport client and the local database handle.
type tenantEngine struct {
	Queue  *syncengine.QueueManager
	Store  *syncengine.HybridStore
	Broker *syncengine.Broker
}

// engineRegistry lazily builds tenant engines on first request.
type engineRegistry struct {
	remote *remotestore.Client
	feed   *remotestore.ChangeFeed
	logger *logrus.Logger

	mu      sync.Mutex
	engines map[string]*tenantEngine
}

func newEngineRegistry(remote *remotestore.Client, feed *remotestore.ChangeFeed, logger *logrus.Logger) *engineRegistry {
	return &engineRegistry{
		remote:  remote,
		feed:    feed,
		logger:  logger,
		engines: map[string]*tenantEngine{},
	}
}

func (r *engineRegistry) get(ctx context.Context, tenantId string) (*tenantEngine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if eng, ok := r.engines[tenantId]; ok {
		return eng, nil
	}

	db := config.GetDB()
	local := models.NewLocalStore(db, r.logger)
	queueStore := models.NewQueueStore(db, r.logger)

	// The interface wrappers keep nil-ness explicit: a typed nil pointer in
	// an interface is not nil.
	var remote syncengine.RemoteStore
	if r.remote != nil {
		remote = r.remote
	}
	var feed syncengine.ChangeFeed
	if r.feed != nil {
		feed = r.feed
	}

	queue, err := syncengine.NewQueueManager(tenantId, remote, queueStore, local, r.logger)
	if err != nil {
		return nil, err
	}
	queue.Locker = config.GetRedisLock()
	if config.PubSubConfigured() {
		queue.Notify = func(ctx context.Context, collection string) {
			event := config.SyncEvent{
				TenantId:   tenantId,
				Collection: collection,
				ChangedAt:  time.Now().UTC(),
			}
			if cid, ok := utils.GetCorrelationIdFromContext(ctx); ok {
				event.CorrelationId = cid
			}
			if _, err := config.PublishSyncEvent(ctx, event); err != nil {
				config.LogError(r.logger, "server.go", "Notify", "PublishSyncEvent "+collection, nil, err)
			}
		}
	}
	queue.Start(ctx)
	queue.SetOnline(ctx, r.remote != nil)

	store, err := syncengine.NewHybridStore(tenantId, remote, local, queue, r.logger)
	if err != nil {
		return nil, err
	}
	broker, err := syncengine.NewBroker(tenantId, feed, local, r.logger)
	if err != nil {
		return nil, err
	}

	eng := &tenantEngine{Queue: queue, Store: store, Broker: broker}
	r.engines[tenantId] = eng
	return eng, nil
}

func (r *engineRegistry) all() []*tenantEngine {
	r.mu.Lock()
	defer r.mu.Unlock()
	engines := make([]*tenantEngine, 0, len(r.engines))
	for _, eng := range r.engines {
		engines = append(engines, eng)
	}
	return engines
}

func engineFor(c *gin.Context, registry *engineRegistry) *tenantEngine {
	tenantId := c.GetString("tenant_id")
	eng, err := registry.get(c.Request.Context(), tenantId)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil
	}
	return eng
}

func syncStatusHandler(registry *engineRegistry) gin.HandlerFunc {
	return func(c *gin.Context) {
		eng := engineFor(c, registry)
		if eng == nil {
			return
		}
		c.JSON(http.StatusOK, eng.Queue.Status())
	}
}

func setOnlineHandler(registry *engineRegistry) gin.HandlerFunc {
	return func(c *gin.Context) {
		eng := engineFor(c, registry)
		if eng == nil {
			return
		}
		var body struct {
			Online bool `json:"online"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"online\": bool}"})
			return
		}
		eng.Queue.SetOnline(c.Request.Context(), body.Online)
		c.JSON(http.StatusOK, eng.Queue.Status())
	}
}

func drainHandler(registry *engineRegistry) gin.HandlerFunc {
	return func(c *gin.Context) {
		eng := engineFor(c, registry)
		if eng == nil {
			return
		}
		// A pass against a degraded remote can back off for a long time;
		// run it off the request and report the current status.
		go eng.Queue.Drain(context.Background())
		c.JSON(http.StatusAccepted, eng.Queue.Status())
	}
}

func fullSyncHandler(registry *engineRegistry) gin.HandlerFunc {
	return func(c *gin.Context) {
		eng := engineFor(c, registry)
		if eng == nil {
			return
		}
		if err := eng.Queue.FullSync(c.Request.Context()); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, eng.Queue.Status())
	}
}

func deadLettersHandler(registry *engineRegistry) gin.HandlerFunc {
	return func(c *gin.Context) {
		eng := engineFor(c, registry)
		if eng == nil {
			return
		}
		recs, err := eng.Queue.GetFailedItems(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"deadLetters": recs})
	}
}

func retryDeadLetterHandler(registry *engineRegistry) gin.HandlerFunc {
	return func(c *gin.Context) {
		eng := engineFor(c, registry)
		if eng == nil {
			return
		}
		replayed, err := eng.Queue.RetryFailedItem(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		if !replayed {
			c.JSON(http.StatusNotFound, gin.H{"error": "dead letter not found"})
			return
		}
		c.JSON(http.StatusOK, eng.Queue.Status())
	}
}

// syncEventsPushHandler receives Pub/Sub push deliveries of remote change
// notifications and fans them out to live subscriptions. Malformed messages
// are acked (204) to avoid infinite redelivery.
func syncEventsPushHandler(feed *remotestore.ChangeFeed, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var envelope pubSubEnvelope
		if err := c.ShouldBindJSON(&envelope); err != nil {
			config.LogError(logger, "server.go", "syncEventsPushHandler", "Bind envelope", nil, err)
			c.Status(http.StatusNoContent)
			return
		}

		var event config.SyncEvent
		if len(envelope.Message.Attributes) > 0 {
			event.TenantId = envelope.Message.Attributes["tenant_id"]
			event.Collection = envelope.Message.Attributes["collection"]
		}
		if event.TenantId == "" && len(envelope.Message.Data) > 0 {
			if err := json.Unmarshal(envelope.Message.Data, &event); err != nil {
				config.LogError(logger, "server.go", "syncEventsPushHandler", "Unmarshal event", envelope.Message.Data, err)
				c.Status(http.StatusNoContent)
				return
			}
		}
		if event.TenantId == "" || event.Collection == "" {
			config.LogError(logger, "server.go", "syncEventsPushHandler", "Invalid sync event (missing tenant/collection)", event, errors.New("tenant_id/collection required"))
			c.Status(http.StatusNoContent)
			return
		}

		feed.HandlePushEvent(c.Request.Context(), event)
		c.Status(http.StatusNoContent)
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

// customErrorLogger logs only requests that collected errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so the startup probe passes. Until the local
	// cache is open, app endpoints return 503.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	// App endpoints return 503 until startup wiring (cache open, migrations)
	// has run once. A cache that fails to open is survivable: the engine runs
	// memory-degraded and stores report StorageUnavailable.
	var ready atomic.Bool
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if !ready.Load() {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// In production, require an explicit allowlist via CORS_ALLOWED_ORIGINS.
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "X-Tenant-Id", "X-Branch-Id")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	// Remote transport is optional: without an API key the engine runs in
	// permanently-offline mode and keeps queueing.
	var remote *remotestore.Client
	if config.RemoteStoreEnabled() {
		client, err := remotestore.NewClient(os.Getenv("REMOTE_STORE_API_KEY"))
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "remotestore"}).Warn("remote store disabled: " + err.Error())
		} else {
			remote = client
		}
	}
	var feed *remotestore.ChangeFeed
	if remote != nil {
		feed = remotestore.NewChangeFeed(remote, logger)
	}
	registry := newEngineRegistry(remote, feed, logger)

	r.Use(middlewares.SessionMiddleware())

	api := r.Group("/api/sync", middlewares.TenantMiddleware())
	api.GET("/status", syncStatusHandler(registry))
	api.POST("/online", setOnlineHandler(registry))
	api.POST("/drain", drainHandler(registry))
	api.POST("/full", fullSyncHandler(registry))
	api.GET("/dead-letters", deadLettersHandler(registry))
	api.POST("/dead-letters/:id/retry", retryDeadLetterHandler(registry))

	if config.SyncPushEndpointEnabled() && remote != nil {
		r.POST("/pubsub/sync-events", syncEventsPushHandler(feed, logger))
	}

	r.NoRoute(customNotFoundHandler)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	if err := config.OpenLocalCache(); err != nil {
		logger.WithFields(logrus.Fields{"field": "localcache"}).Error("local cache unavailable; running memory-degraded: " + err.Error())
	}
	config.ConnectRedisWithRetry()

	var sqlDB *sql.DB
	if db := config.GetDB(); db != nil {
		sqlDB, _ = db.DB()
		if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
			if err := models.MigrateTables(db); err != nil {
				logger.WithFields(logrus.Fields{"field": "migrations"}).Error("AutoMigrate failed: " + err.Error())
			}
		} else {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
		}
	}
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	ready.Store(true)

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("sync API listening on http://localhost:", port, "/")
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Drain HTTP requests.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Flush every tenant's queue state one last time.
	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFlush()
	for _, eng := range registry.all() {
		eng.Queue.SetOnline(flushCtx, false)
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}
