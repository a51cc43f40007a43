// Package server wires storage, services, and background triggers into the
// HTTP server.
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

	"github.com/screenpledge/screenpledge/internal/account"
	"github.com/screenpledge/screenpledge/internal/auth"
	"github.com/screenpledge/screenpledge/internal/commitment"
	"github.com/screenpledge/screenpledge/internal/config"
	"github.com/screenpledge/screenpledge/internal/health"
	"github.com/screenpledge/screenpledge/internal/logging"
	"github.com/screenpledge/screenpledge/internal/metrics"
	"github.com/screenpledge/screenpledge/internal/penalty"
	"github.com/screenpledge/screenpledge/internal/ratelimit"
	"github.com/screenpledge/screenpledge/internal/realtime"
	"github.com/screenpledge/screenpledge/internal/reconciliation"
	"github.com/screenpledge/screenpledge/internal/security"
	"github.com/screenpledge/screenpledge/internal/settlement"
	"github.com/screenpledge/screenpledge/internal/traces"
	"github.com/screenpledge/screenpledge/internal/usage"
	"github.com/screenpledge/screenpledge/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	commitmentSvc  *commitment.Service
	usageSvc       *usage.Service
	aggregator     *penalty.Aggregator
	settlementSvc  *settlement.Service
	runner         *settlement.Runner
	reconciliation *reconciliation.Service
	provider       settlement.Provider

	weeklyCloser  *settlement.WeeklyCloser
	expiryChecker *settlement.ExpiryChecker
	hub           *realtime.Hub
	rateLimiter   *ratelimit.Limiter
	healthReg     *health.Registry

	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	tracesDone   func(context.Context) error
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithProvider sets a custom payment provider (for testing)
func WithProvider(p settlement.Provider) Option {
	return func(s *Server) {
		s.provider = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set provider/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		commitmentStore commitment.Store
		usageStore      usage.Store
		accountStore    account.Store
		penaltyStore    penalty.Store
		paymentStore    settlement.PaymentStore
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		commitmentStore = commitment.NewPostgresStore(db)
		usageStore = usage.NewPostgresStore(db)
		accountStore = account.NewPostgresStore(db)
		penaltyStore = penalty.NewPostgresStore(db)
		paymentStore = settlement.NewPostgresPaymentStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		commitmentStore = commitment.NewMemoryStore()
		usageStore = usage.NewMemoryStore()
		accountStore = account.NewMemoryStore()
		penaltyStore = penalty.NewMemoryStore()
		paymentStore = settlement.NewMemoryPaymentStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Payment provider: Stripe when a key is configured, simulated otherwise
	if s.provider == nil {
		if cfg.StripeAPIKey != "" {
			s.provider = settlement.NewStripeProvider(cfg.StripeAPIKey)
			s.logger.Info("stripe payment provider enabled")
		} else {
			s.provider = settlement.NewSimulatedProvider()
			s.logger.Info("simulated payment provider enabled (no STRIPE_API_KEY)")
		}
	}

	// Services. Reconciliation doubles as the flagger for monitoring restores
	// and estimate collisions.
	s.reconciliation = reconciliation.NewService(penaltyStore, usageStore, paymentStore)
	s.commitmentSvc = commitment.NewService(commitmentStore).
		WithReconcileFlagger(s.reconciliation)
	s.usageSvc = usage.NewService(usageStore, commitmentStore, cfg.EstimateMultiplier).
		WithReconcileFlagger(s.reconciliation)
	s.aggregator = penalty.NewAggregator(penaltyStore, commitmentStore, usageStore)
	s.settlementSvc = settlement.NewService(penaltyStore, paymentStore, accountStore, commitmentStore, s.provider)

	// Realtime hub for the operator settlement feed
	s.hub = realtime.NewHub(s.logger)

	s.runner = settlement.NewRunner(
		s.settlementSvc, s.usageSvc, s.aggregator, penaltyStore, commitmentStore,
		cfg.SettleConcurrency,
	).WithNotifier(s.hub)

	// Background triggers
	s.weeklyCloser = settlement.NewWeeklyCloser(s.runner, s.logger)
	s.expiryChecker = settlement.NewExpiryChecker(s.runner, cfg.ExpiryCheckInterval, s.logger)

	// Health checkers
	s.healthReg = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
	providerMode := "simulated"
	if cfg.StripeAPIKey != "" {
		providerMode = "stripe"
	}
	s.healthReg.Register("provider", func(ctx context.Context) health.Status {
		return health.Status{Name: "provider", Healthy: true, Detail: providerMode}
	})

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
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for development - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rlCfg)
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
			requestID = generateRequestID()
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

	// WebSocket settlement event feed (operator tooling)
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :userId URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.UserParamMiddleware())

	commitmentHandler := commitment.NewHandler(s.commitmentSvc)
	usageHandler := usage.NewHandler(s.usageSvc)
	settlementHandler := settlement.NewHandler(s.runner, s.aggregator)
	reconciliationHandler := reconciliation.NewHandler(s.reconciliation)

	// Week status is a read-only projection; the identity proxy fronts all
	// routes, so even reads carry a user header.
	authed := v1.Group("")
	authed.Use(auth.UserMiddleware())
	{
		commitmentHandler.RegisterRoutes(authed)
		usageHandler.RegisterRoutes(authed)
		settlementHandler.RegisterRoutes(authed)
	}

	// Operator routes
	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	{
		settlementHandler.RegisterAdminRoutes(admin)
		reconciliationHandler.RegisterAdminRoutes(admin)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
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

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Traces export when an OTLP endpoint is configured
	if shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger); err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracesDone = shutdown
	}

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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Start settlement triggers
	go s.weeklyCloser.Start(runCtx)
	go s.expiryChecker.Start(runCtx)

	// Export connection pool stats
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	// Cancel the context for all background goroutines (hub, triggers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop settlement triggers
	if s.weeklyCloser != nil {
		s.weeklyCloser.Stop()
		s.logger.Info("weekly closer stopped")
	}
	if s.expiryChecker != nil {
		s.expiryChecker.Stop()
		s.logger.Info("expiry checker stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.tracesDone != nil {
		if err := s.tracesDone(ctx); err != nil {
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

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
