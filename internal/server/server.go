// Package server sets up the HTTP server for one worker role.
//
// A single binary runs as api, realtime or batch. New builds exactly one
// surface: the public api with identity and the gateway, or the internal
// scoring surface of a worker. Liveness, readiness and metrics are served
// in every mode.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/antifraudhub/antifraudhub/internal/config"
	"github.com/antifraudhub/antifraudhub/internal/health"
	"github.com/antifraudhub/antifraudhub/internal/idgen"
	"github.com/antifraudhub/antifraudhub/internal/logging"
	"github.com/antifraudhub/antifraudhub/internal/metrics"
	"github.com/antifraudhub/antifraudhub/internal/model"
	"github.com/antifraudhub/antifraudhub/internal/predictions"
	"github.com/antifraudhub/antifraudhub/internal/ratelimit"
	"github.com/antifraudhub/antifraudhub/internal/realtime"
	"github.com/antifraudhub/antifraudhub/internal/security"
	"github.com/antifraudhub/antifraudhub/internal/source"
	"github.com/antifraudhub/antifraudhub/internal/traces"
	"github.com/antifraudhub/antifraudhub/internal/validation"
	"github.com/antifraudhub/antifraudhub/internal/worker"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and the dependencies of one role.
type Server struct {
	cfg       *config.Config
	mode      worker.Mode
	logger    *slog.Logger
	router    *gin.Engine
	httpSrv   *http.Server
	readiness *health.Registry

	// Relational store; nil when running on in-memory stores.
	db *sql.DB

	// api
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter // in-process fallback, nil when redis is used
	redisClient  *redis.Client
	limitBackend ratelimit.Backend

	// workers
	model       *model.Model
	source      source.Source
	predictions predictions.Store

	closers      []namedCloser
	stopTracing  func(context.Context) error
	cancelRunCtx context.CancelFunc
	drainDelay   time.Duration
	ready        atomic.Bool
}

type namedCloser struct {
	name  string
	close func() error
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithSource injects the raw feature source instead of building one from
// config (for testing).
func WithSource(src source.Source) Option {
	return func(s *Server) {
		s.source = src
	}
}

// WithModel injects a loaded model instead of reading MODEL_PATH.
func WithModel(m *model.Model) Option {
	return func(s *Server) {
		s.model = m
	}
}

// WithPredictionStore injects the prediction store (for testing).
func WithPredictionStore(store predictions.Store) Option {
	return func(s *Server) {
		s.predictions = store
	}
}

// WithRateLimitBackend replaces the configured rate limiter.
func WithRateLimitBackend(b ratelimit.Backend) Option {
	return func(s *Server) {
		s.limitBackend = b
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// sending traffic before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a server for cfg.WorkerMode.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:        cfg,
		mode:       cfg.WorkerMode,
		readiness:  health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}
	s.logger = logging.ForWorker(s.logger, s.mode.String())

	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.mode.String(), s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupCommonRoutes()

	switch s.mode {
	case worker.ModeAPI:
		err = s.setupAPI(ctx)
	default:
		err = s.setupWorker(ctx)
	}
	if err != nil {
		s.closeAll()
		return nil, err
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Route not found"})
	})

	return s, nil
}

// openDB opens and pings the relational store.
func (s *Server) openDB(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s.db = db
	s.onClose("database", db.Close)
	s.readiness.Register("postgres", health.FromPinger("postgres", health.PingFunc(db.PingContext)))
	s.logger.Info("connected to PostgreSQL", "dsn", maskDSN(s.cfg.DatabaseURL))
	return db, nil
}

func (s *Server) onClose(name string, fn func() error) {
	s.closers = append(s.closers, namedCloser{name: name, close: fn})
}

// closeAll releases resources in reverse order of acquisition.
func (s *Server) closeAll() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		c := s.closers[i]
		if err := c.close(); err != nil {
			s.logger.Error("close failed", "resource", c.name, "error", err)
		}
	}
	s.closers = nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(s.requestIDMiddleware())

	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	if s.mode == worker.ModeAPI {
		s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	}
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.loggingMiddleware())
}

// requestIDMiddleware reuses an incoming X-Request-ID so one id follows a
// request from the gateway into the worker.
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.Request()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		// probes and scrapes would drown everything else
		if path == "/health/live" || path == "/health/ready" || path == "/metrics" {
			return
		}

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}

		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupCommonRoutes() {
	s.router.GET("/health/live", health.LiveHandler)
	s.router.GET("/health/ready", s.readiness.ReadyHandler(s.ready.Load))
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/", s.homeHandler)
}

// homeHandler describes the service and the surface this process serves.
func (s *Server) homeHandler(c *gin.Context) {
	body := gin.H{
		"service":     "antifraudhub",
		"description": "Fraud risk scoring: ALLOW, REVIEW or BLOCK per user",
		"worker_mode": s.mode,
	}
	switch s.mode {
	case worker.ModeAPI:
		body["endpoints"] = []string{
			"GET /api/fraud/predict/user/:email",
			"POST /api/fraud/predict/batch",
			"GET /api/fraud/health",
			"GET /api/fraud/predictions/:email",
			"GET /api/fraud/stream",
			"POST /api/users/signup",
			"POST /api/users/signin",
		}
	case worker.ModeRealtime:
		body["endpoints"] = []string{"GET /internal/fraud/predict/user/:email", "GET /internal/fraud/health"}
	case worker.ModeBatch:
		body["endpoints"] = []string{"POST /internal/fraud/predict/batch", "GET /internal/fraud/health"}
	}
	c.JSON(http.StatusOK, body)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and blocks until ctx is cancelled, a signal
// arrives or the listener fails. It always shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// batch requests are long-lived; the gateway's own timeout bounds them
	writeTimeout := 30 * time.Second
	if s.mode != worker.ModeRealtime {
		writeTimeout = s.cfg.BatchTimeout + 30*time.Second
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.realtimeHub != nil {
		go s.realtimeHub.Run(runCtx)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server and releases every resource.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	var shutdownErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.closeAll()

	if s.stopTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Mode returns the role this server plays.
func (s *Server) Mode() worker.Mode {
	return s.mode
}
