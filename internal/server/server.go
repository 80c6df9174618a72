// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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

	"github.com/sitepay/escrowd/internal/config"
	"github.com/sitepay/escrowd/internal/escrow"
	"github.com/sitepay/escrowd/internal/events"
	"github.com/sitepay/escrowd/internal/health"
	"github.com/sitepay/escrowd/internal/logging"
	"github.com/sitepay/escrowd/internal/metrics"
	"github.com/sitepay/escrowd/internal/rail"
	"github.com/sitepay/escrowd/internal/realtime"
	"github.com/sitepay/escrowd/internal/security"
	"github.com/sitepay/escrowd/internal/traces"
	"github.com/sitepay/escrowd/internal/validation"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg       *config.Config
	store     escrow.Store
	svc       *escrow.Service
	sched     *escrow.Scheduler
	hub       *realtime.Hub
	kafka     *events.KafkaPublisher // nil unless KAFKA_BROKERS set
	healthReg *health.Registry
	db        *sql.DB // nil if using in-memory
	router    *gin.Engine
	httpSrv   *http.Server
	logger    *slog.Logger

	railOverride rail.Rail // set by WithRail, for tests

	shutdownTrace func(context.Context) error
	cancelRunCtx  context.CancelFunc

	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRail sets a custom payment rail (for testing)
func WithRail(r rail.Rail) Option {
	return func(s *Server) {
		s.railOverride = r
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		healthReg: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTrace, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.shutdownTrace = shutdownTrace

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory.
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.store = escrow.NewPostgresStore(db)
		s.healthReg.Register("database", health.DBChecker("database", db.PingContext))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.store = escrow.NewMemoryStore()
		s.logger.Warn("using in-memory storage, contracts will not survive restarts")
	}

	// Payment rail: HTTP if RAIL_URL set, otherwise the in-process fake.
	var pr rail.Rail
	switch {
	case s.railOverride != nil:
		pr = s.railOverride
	case cfg.RailURL != "":
		pr = rail.NewHTTPRail(cfg.RailURL)
		s.logger.Info("using HTTP payment rail", "url", cfg.RailURL)
	default:
		pr = rail.NewFakeRail()
		s.logger.Warn("using fake payment rail, no real funds move")
	}

	// Lifecycle events fan out to the websocket hub, the log, and Kafka
	// when brokers are configured.
	s.hub = realtime.NewHub(s.logger)
	pubs := []events.Publisher{
		events.NewLogPublisher(s.logger),
		events.NewHubPublisher(s.hub),
	}
	if len(cfg.KafkaBrokers) > 0 {
		s.kafka = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		pubs = append(pubs, s.kafka)
		s.logger.Info("publishing lifecycle events to kafka",
			"brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	emitter := events.NewEmitter(events.Multi(pubs), s.logger)

	s.svc = escrow.NewService(s.store, pr, s.logger,
		escrow.WithWindow(cfg.AutoReleaseWindow),
		escrow.WithEmitter(emitter),
	)
	s.sched = escrow.NewScheduler(s.svc, s.store, s.logger,
		escrow.WithSweepInterval(cfg.SweepInterval),
	)
	s.svc.WithScheduler(s.sched)

	// Router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":  "internal_error",
			"detail": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins in development, none by default in production)
	if s.cfg.IsDevelopment() {
		s.router.Use(security.CORSMiddleware([]string{"*"}))
	}

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
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

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

func (s *Server) setupRoutes() {
	handler := escrow.NewHandler(s.svc)

	v1 := s.router.Group("/v1")
	handler.RegisterRoutes(v1)

	admin := v1.Group("/admin")
	admin.Use(security.RequireAdmin(s.cfg.AdminSecret))
	handler.RegisterAdminRoutes(admin)

	// Realtime lifecycle feed for dashboards
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.ServeWS(c.Writer, c.Request)
	})

	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Re-arm auto-release timers for contracts locked before this process
	// started; overdue ones release here, before traffic arrives.
	if err := s.sched.Recover(runCtx); err != nil {
		return fmt.Errorf("scheduler recovery failed: %w", err)
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"autoReleaseWindow", s.cfg.AutoReleaseWindow.String(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	go s.sched.Run(runCtx)

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel background goroutines (hub, scheduler sweep)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.sched.Stop()
	s.logger.Info("auto-release scheduler stopped")

	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka close error", "error", err)
		}
	}

	if s.shutdownTrace != nil {
		if err := s.shutdownTrace(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Service returns the escrow service for testing
func (s *Server) Service() *escrow.Service {
	return s.svc
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

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
