// Package server sets up the HTTP server with all routes
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

	"github.com/thisyearnofear/imperfectcoach-sub004/internal/booking"
	"github.com/thisyearnofear/imperfectcoach-sub004/internal/chainsig"
	"github.com/thisyearnofear/imperfectcoach-sub004/internal/config"
	"github.com/thisyearnofear/imperfectcoach-sub004/internal/discovery"
	"github.com/thisyearnofear/imperfectcoach-sub004/internal/health"
	"github.com/thisyearnofear/imperfectcoach-sub004/internal/idgen"
	"github.com/thisyearnofear/imperfectcoach-sub004/internal/liveness"
	"github.com/thisyearnofear/imperfectcoach-sub004/internal/logging"
	"github.com/thisyearnofear/imperfectcoach-sub004/internal/metrics"
	"github.com/thisyearnofear/imperfectcoach-sub004/internal/paywall"
	"github.com/thisyearnofear/imperfectcoach-sub004/internal/ratelimit"
	"github.com/thisyearnofear/imperfectcoach-sub004/internal/realtime"
	"github.com/thisyearnofear/imperfectcoach-sub004/internal/registry"
	"github.com/thisyearnofear/imperfectcoach-sub004/internal/reputation"
	"github.com/thisyearnofear/imperfectcoach-sub004/internal/security"
	"github.com/thisyearnofear/imperfectcoach-sub004/internal/traces"
	"github.com/thisyearnofear/imperfectcoach-sub004/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg             *config.Config
	store           *registry.Store
	bookings        *booking.Manager
	payments        *paywall.Verifier
	realtimeHub     *realtime.Hub
	livenessSweeper *liveness.Sweeper
	bookingSweeper  *booking.Sweeper
	rateLimiter     *ratelimit.Limiter
	healthChecks    *health.Registry
	db              *sql.DB // nil if using in-memory
	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	tracesShutdown  func(context.Context) error
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:          cfg,
		logger:       logging.New(cfg.LogLevel, "json"),
		healthChecks: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed, continuing without traces", "error", err)
	} else {
		s.tracesShutdown = shutdown
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory).
	// Persistence is best-effort either way; the store serves core
	// agents even when the gateway is down.
	var gateway registry.Gateway
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
		gateway = registry.NewPostgresGateway(db)
		s.logger.Info("using PostgreSQL persistence", "url", maskDSN(cfg.DatabaseURL))

		s.healthChecks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.logger.Info("using in-memory storage (dynamic registrations will not persist)")
	}

	sigs := chainsig.NewRegistry()

	s.store = registry.NewStore(registry.Options{
		Gateway:  gateway,
		DevMode:  cfg.DevMode,
		Verifier: sigs,
		Logger:   s.logger,
	})
	s.store.Hydrate(ctx)

	s.healthChecks.Register("registry", func(ctx context.Context) health.Status {
		if s.store.Count() == 0 {
			return health.Status{Name: "registry", Healthy: false, Detail: "no agents loaded"}
		}
		return health.Status{Name: "registry", Healthy: true}
	})

	// Payment verifier with one recipient per configured chain
	var recipients []paywall.Recipient
	if cfg.EVMPayTo != "" {
		recipients = append(recipients, paywall.Recipient{
			Chain:   string(registry.ChainEVM),
			Network: cfg.EVMNetwork,
			PayTo:   cfg.EVMPayTo,
		})
	}
	if cfg.SolanaPayTo != "" {
		recipients = append(recipients, paywall.Recipient{
			Chain:   string(registry.ChainSolana),
			Network: cfg.SolanaNetwork,
			PayTo:   cfg.SolanaPayTo,
		})
	}
	s.payments = paywall.NewVerifier(paywall.Config{
		Recipients: recipients,
		Asset:      cfg.PaymentAsset,
		SkewWindow: cfg.PaymentSkew,
	}, sigs)

	s.bookings = booking.NewManager(s.store, booking.Options{
		TTL:    cfg.BookingTTL,
		Logger: s.logger,
	})

	// Background sweeps: staleness classification and booking expiry
	monitor := liveness.NewMonitor(s.store)
	s.livenessSweeper = liveness.NewSweeper(monitor, s.store, cfg.HeartbeatThreshold, cfg.LivenessInterval, s.logger)
	s.bookingSweeper = booking.NewSweeper(s.bookings, cfg.BookingInterval, s.logger)

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.livenessSweeper.WithEvents(s.realtimeHub)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
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
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": "an unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS; empty config means allow all (browser-facing coach UI)
	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(security.CORSMiddleware(origins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	limiterCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		limiterCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
	}
	s.rateLimiter = ratelimit.New(limiterCfg)
	s.router.Use(s.rateLimiter.Middleware())

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
			requestID = idgen.WithPrefix("req_")
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

		// Log level based on status code
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Service info
	s.router.GET("/api", s.infoHandler)

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})
	s.router.GET("/ws/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true, "stats": s.realtimeHub.Stats()})
	})

	api := s.router.Group("/api/v1")
	// Validate :id URL params on all routes (no-op when param absent)
	api.Use(validation.AgentIDParamMiddleware())

	tracker := reputation.NewTracker(s.store, s.logger)

	registryHandler := registry.NewHandler(s.store).WithEvents(s.realtimeHub)
	registryHandler.RegisterRoutes(api)

	discoveryHandler := discovery.NewHandler(discovery.NewEngine(s.store))
	discoveryHandler.RegisterRoutes(api)

	bookingHandler := booking.NewHandler(s.bookings, s.store, s.payments, tracker).WithEvents(s.realtimeHub)
	bookingHandler.RegisterRoutes(api)
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"service": "imperfectcoach-registry",
		"version": "0.1.0",
		"agents":  s.store.Count(),
	})
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthChecks.CheckAll(ctx)

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
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"agents", s.store.Count(),
			"dev_mode", s.cfg.DevMode,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start background sweeps
	go s.livenessSweeper.Start(runCtx)
	go s.bookingSweeper.Start(runCtx)

	// DB stats sampling
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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

	// Cancel the context for all background goroutines (hub, sweepers)
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

	s.livenessSweeper.Stop()
	s.bookingSweeper.Stop()

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Wait for in-flight persistence writes
	s.store.Close()

	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Warn("traces shutdown error", "error", err)
		}
	}

	// Close database connection pool
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
