package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/gstrecon_backend/config"
	"github.com/mmdatafocus/gstrecon_backend/models"
	"github.com/mmdatafocus/gstrecon_backend/narrative"
	"github.com/mmdatafocus/gstrecon_backend/reconcile"
	"github.com/mmdatafocus/gstrecon_backend/utils"
	"github.com/mmdatafocus/gstrecon_backend/workflow"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const serviceVersion = "2.0.0"

// auditStore is the store surface the HTTP handlers use.
type auditStore interface {
	Ready() bool
	SaveInvoices(ctx context.Context, rows []models.InvoiceInput) error
	ListAuditEntries(ctx context.Context, filter models.AuditFilter) ([]models.AuditEntry, error)
	UpdateAuditStatus(ctx context.Context, invNo string, mismatchType string, status models.AuditStatus) (int64, error)
	GraphLinks(ctx context.Context) ([]models.GraphLink, error)
	ReconciliationRows(ctx context.Context) ([]models.ReconciliationRow, error)
}

type pipelineRunner interface {
	Trigger(trigger string) string
	Running() int
	LastRun(ctx context.Context) (*workflow.RunSummary, error)
}

// archiveFunc stores a raw upload; nil disables archiving.
type archiveFunc func(ctx context.Context, objectName string, data []byte, contentType string) error

type server struct {
	settings config.Settings
	logger   *logrus.Logger
	store    auditStore
	pipeline pipelineRunner
	archive  archiveFunc

	// set once redis is connected; both stay nil when redis is unavailable
	redis  atomic.Pointer[redis.Client]
	locker atomic.Pointer[redislock.Client]
}

func (s *server) setRedis(rdb *redis.Client) {
	s.redis.Store(rdb)
	s.locker.Store(redislock.New(rdb))
}

func (s *server) routes() *gin.Engine {
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Header("x-correlation-id", cid)
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})

	corsConfig := cors.DefaultConfig()
	if s.settings.IsProduction() {
		// deny all unless an allowlist is configured
		corsConfig.AllowOrigins = s.settings.CORSAllowedOrigins
		if len(corsConfig.AllowOrigins) == 0 {
			// an empty list fails cors validation
			corsConfig.AllowOriginFunc = func(string) bool { return false }
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PATCH", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", "x-correlation-id")
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition", "x-correlation-id")
	corsConfig.AllowCredentials = !corsConfig.AllowAllOrigins
	r.Use(cors.New(corsConfig))

	if s.settings.RateLimitEnabled {
		rl := NewRateLimiter(&s.redis, s.settings.RateLimitMax, s.settings.RateLimitWindow)
		r.Use(rl.RateLimitMiddleware)
	}
	r.Use(customErrorLogger(s.logger))
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/", s.rootHandler)

	api := r.Group("/api/v1")
	api.Use(s.readinessGate)
	api.GET("/graph", s.graphHandler)
	api.POST("/upload", s.uploadHandler)
	api.POST("/reconcile", s.reconcileHandler)
	api.GET("/reconcile/status", s.reconcileStatusHandler)
	api.GET("/audit-trail", s.auditTrailHandler)
	api.GET("/audit-trail/export", s.auditTrailExportHandler)
	api.PATCH("/audit-trail/:inv_no/status", s.auditStatusHandler)
	api.GET("/reconciliation", s.reconciliationHandler)

	r.POST("/pubsub", s.pubSubHandler)
	r.NoRoute(customNotFoundHandler)
	return r
}

// readinessGate returns 503 until the store handle has been injected.
func (s *server) readinessGate(c *gin.Context) {
	if !s.store.Ready() {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": models.ErrStoreUnavailable.Error()})
		return
	}
	c.Next()
}

func (s *server) rootHandler(c *gin.Context) {
	narrativeMode := "rule-based"
	if s.settings.GeminiAPIKey != "" {
		narrativeMode = s.settings.GeminiModel
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "GST Reconciliation Backend Active",
		"version":   serviceVersion,
		"database":  s.store.Ready(),
		"narrative": narrativeMode,
	})
}

// storeErrorStatus maps store failures to HTTP: unavailable -> 503, anything else -> 500.
func storeErrorStatus(err error) int {
	if errors.Is(err, models.ErrStoreUnavailable) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *server) reconcileHandler(c *gin.Context) {
	runID := s.pipeline.Trigger(workflow.TriggerManual)
	c.JSON(http.StatusAccepted, gin.H{
		"message": "Reconciliation started. Check /api/v1/audit-trail in a few seconds.",
		"run_id":  runID,
	})
}

func (s *server) reconcileStatusHandler(c *gin.Context) {
	last, err := s.pipeline.LastRun(c.Request.Context())
	if err != nil {
		config.LogError(s.logger, "server.go", "reconcileStatusHandler", "reading last run", nil, err)
	}
	c.JSON(http.StatusOK, gin.H{
		"running":  s.pipeline.Running(),
		"last_run": last,
	})
}

type reconcileRequest struct {
	Trigger string `json:"trigger"`
}

// pubSubHandler starts a run for each push delivery. Malformed messages are acked so
// Pub/Sub does not redeliver them forever.
func (s *server) pubSubHandler(c *gin.Context) {
	var msg config.PubSubPushEnvelope
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		config.LogError(s.logger, "server.go", "pubSubHandler", "io.ReadAll", nil, err)
		c.Status(http.StatusNoContent)
		return
	}
	// byte slice unmarshalling handles base64 decoding.
	if err := json.Unmarshal(body, &msg); err != nil {
		config.LogError(s.logger, "server.go", "pubSubHandler", "Unmarshal body", string(body), err)
		c.Status(http.StatusNoContent)
		return
	}
	var req reconcileRequest
	if len(msg.Message.Data) > 0 {
		if err := json.Unmarshal(msg.Message.Data, &req); err != nil {
			config.LogError(s.logger, "server.go", "pubSubHandler", "Unmarshal pubsub message", string(msg.Message.Data), err)
			c.Status(http.StatusNoContent)
			return
		}
	}
	if !s.store.Ready() {
		// Non-2xx tells Pub/Sub to retry later.
		c.Status(http.StatusServiceUnavailable)
		return
	}
	claimed, err := workflow.ClaimDelivery(c.Request.Context(), s.redis.Load(), "pubsub_reconcile", msg.Message.ID)
	if err != nil {
		config.LogError(s.logger, "server.go", "pubSubHandler", "claiming delivery", msg.Message.ID, err)
	}
	if !claimed {
		s.logger.WithFields(logrus.Fields{"field": "pubSubHandler", "message_id": msg.Message.ID}).Info("duplicate delivery ignored")
		c.Status(http.StatusNoContent)
		return
	}
	runID := s.pipeline.Trigger(workflow.TriggerPubSub)
	s.logger.WithFields(logrus.Fields{
		"field":      "pubSubHandler",
		"message_id": msg.Message.ID,
		"requested":  req.Trigger,
		"run_id":     runID,
	}).Info("reconciliation triggered from pubsub")
	c.Status(http.StatusNoContent)
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
			logger.WithFields(logrus.Fields{"correlation_id": cid, "path": c.FullPath()}).Error(c.Errors.String())
		}
	}
}

// RateLimiter is a fixed-window per-IP limiter backed by redis.
type RateLimiter struct {
	client *atomic.Pointer[redis.Client]
	limit  int64
	window time.Duration
}

func NewRateLimiter(client *atomic.Pointer[redis.Client], limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// RateLimitMiddleware lets requests through while redis is not connected.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	client := rl.client.Load()
	if client == nil {
		c.Next()
		return
	}
	key := "ratelimit:" + c.ClientIP()

	count, err := client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		_ = c.Error(err)
		c.Next()
		return
	}
	if count == 1 {
		if err := client.Expire(c.Request.Context(), key, rl.window).Err(); err != nil {
			_ = c.Error(err)
		}
	}
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}
	c.Next()
}

func newOrchestrator(settings config.Settings, store workflow.AuditStore, logger *logrus.Logger) *workflow.Orchestrator {
	detector := reconcile.NewDetector(reconcile.CycleLimits{
		MaxCycles:   settings.CycleMaxCount,
		MaxDuration: settings.CycleMaxDuration,
	}, logger)
	narrator := narrative.NewGenerator(
		narrative.NewGeminiGenerator(settings.GeminiAPIKey, settings.GeminiModel),
		settings.NarrativeTimeout,
		logger,
	)
	opts := []workflow.Option{workflow.WithConcurrency(settings.NarrativeConcurrency)}
	if pub := workflow.NewPubSubEventPublisher(settings.EventsTopic); pub != nil {
		opts = append(opts, workflow.WithEventPublisher(pub))
	}
	return workflow.NewOrchestrator(store, detector, narrator, logger, opts...)
}

func main() {
	settings := config.LoadSettings()
	logger := config.GetLogger()
	if settings.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	store := models.NewStore(nil)
	orchestrator := newOrchestrator(settings, store, logger)
	srvState := &server{
		settings: settings,
		logger:   logger,
		store:    store,
		pipeline: orchestrator,
	}
	if settings.UploadArchiveEnabled {
		srvState.archive = func(ctx context.Context, objectName string, data []byte, contentType string) error {
			return utils.ArchiveUpload(ctx, settings.GCSBucket, objectName, data, contentType)
		}
	}

	// Start listening immediately; until the DB is ready /api/v1 returns 503.
	srv := &http.Server{
		Addr:    ":" + settings.Port,
		Handler: srvState.routes(),
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	// Redis is optional: rate limiting, upload locks and run status fall back without it.
	go func() {
		redisCtx, cancel := context.WithTimeout(sigCtx, time.Minute)
		defer cancel()
		rdb, err := config.ConnectRedisWithRetry(redisCtx, settings.RedisAddress)
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "redis"}).Warn("redis unavailable; continuing without it: " + err.Error())
			return
		}
		srvState.setRedis(rdb)
		orchestrator.SetRunRecorder(workflow.NewRedisRunRecorder(rdb))
	}()

	db, err := config.ConnectDatabaseWithRetry(sigCtx)
	if err == nil {
		// AutoMigrate can block tables; allow running it as a separate job instead.
		if !settings.SkipMigrations {
			if err := models.MigrateTable(db); err != nil {
				config.LogError(logger, "server.go", "main", "AutoMigrate", nil, err)
			}
		} else {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
		}
		store.SetDB(db)
		logger.WithFields(logrus.Fields{"info": "Connection Established"}).Info("listening on :", settings.Port)
		log.Println("Server started successfully")
	}

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Let in-flight runs finish their writes before the pool goes away.
	done := make(chan struct{})
	go func() {
		orchestrator.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.WithFields(logrus.Fields{"field": "shutdown"}).Warn("reconciliation still running at shutdown")
	}

	if err := store.Close(); err != nil {
		config.LogError(logger, "server.go", "main", "closing database", nil, err)
	}
	if rdb := srvState.redis.Load(); rdb != nil {
		_ = rdb.Close()
	}
	_ = config.ClosePubSubClient()
}
