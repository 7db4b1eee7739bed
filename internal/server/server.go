// Package server sets up the HTTP server with all routes.
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
	"github.com/shopspring/decimal"

	"github.com/autopayer/autopayer/internal/config"
	"github.com/autopayer/autopayer/internal/escrow"
	"github.com/autopayer/autopayer/internal/files"
	"github.com/autopayer/autopayer/internal/gateway"
	"github.com/autopayer/autopayer/internal/health"
	"github.com/autopayer/autopayer/internal/logging"
	"github.com/autopayer/autopayer/internal/metrics"
	"github.com/autopayer/autopayer/internal/oracle"
	"github.com/autopayer/autopayer/internal/ratelimit"
	"github.com/autopayer/autopayer/internal/realtime"
	"github.com/autopayer/autopayer/internal/security"
	"github.com/autopayer/autopayer/internal/traces"
	"github.com/autopayer/autopayer/internal/validation"
	"github.com/autopayer/autopayer/internal/verify"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies.
type Server struct {
	cfg           *config.Config
	oracleService *oracle.Service
	gateway       gateway.Gateway
	escrowService *escrow.Service
	escrowTimer   *escrow.Timer
	verifyService *verify.Service
	filesHandler  *files.Handler
	realtimeHub   *realtime.Hub
	healthReg     *health.Registry
	rateLimiter   *ratelimit.Limiter
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	shutdownTrace func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGateway sets a custom contract gateway (for testing).
func WithGateway(g gateway.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		healthReg: health.NewRegistry(),
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Tracing (no-op when OTLP endpoint unset)
	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.shutdownTrace = shutdown
	}

	// Realtime hub first: oracle and escrow both emit into it
	s.realtimeHub = realtime.NewHub(s.logger)

	// Oracle with parameters from config
	minAmount, err := decimal.NewFromString(cfg.MinEscrowAmount)
	if err != nil {
		return nil, fmt.Errorf("invalid MIN_ESCROW_AMOUNT: %w", err)
	}
	maxAmount, err := decimal.NewFromString(cfg.MaxEscrowAmount)
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_ESCROW_AMOUNT: %w", err)
	}
	s.oracleService, err = oracle.NewService(oracle.Params{
		PlatformFeeRateBps:  cfg.PlatformFeeRateBps,
		EscrowDuration:      cfg.EscrowDuration,
		MinEscrowAmount:     minAmount,
		MaxEscrowAmount:     maxAmount,
		MaxRateDeviationBps: cfg.MaxRateDeviationBps,
		RateValidityPeriod:  cfg.RateValidityPeriod,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create oracle: %w", err)
	}
	s.oracleService.WithEvents(s.realtimeHub)

	// All rates stale is degraded, not down: quotes fail but existing
	// escrows still settle.
	s.healthReg.Register("oracle", func(ctx context.Context) health.Status {
		fresh, total := s.oracleService.RateFreshness()
		detail := fmt.Sprintf("%d/%d rates fresh", fresh, total)
		if total > 0 && fresh == 0 {
			return health.Degraded("oracle", detail)
		}
		st := health.Up("oracle")
		st.Detail = detail
		return st
	})

	// Escrow storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var escrowStore escrow.Store
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
		escrowStore = escrow.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Down("database", err.Error())
			}
			return health.Up("database")
		})
	} else {
		escrowStore = escrow.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Contract gateway (injected in tests)
	if s.gateway == nil {
		gw, err := gateway.New(gateway.Config{
			RPCURL:          cfg.RPCURL,
			PrivateKey:      cfg.PrivateKey,
			ChainID:         cfg.ChainID,
			ContractAddress: cfg.AutoPayerContract,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create contract gateway: %w", err)
		}
		s.gateway = gw
		s.logger.Info("contract gateway connected",
			"contract", gw.ContractAddress(),
			"operator", gw.OperatorAddress(),
			"chainId", cfg.ChainID,
		)

		s.healthReg.Register("rpc", func(ctx context.Context) health.Status {
			if err := gw.Ping(ctx); err != nil {
				return health.Down("rpc", err.Error())
			}
			return health.Up("rpc")
		})
	}

	// Escrow coordinator
	s.escrowService = escrow.NewService(escrowStore, s.gateway, s.oracleService, s.logger).
		WithEvents(s.realtimeHub)
	s.escrowTimer = escrow.NewTimer(s.escrowService, escrowStore, s.logger)

	// AI verification
	if cfg.OpenAIAPIKey != "" {
		model := verify.NewOpenAIModel(cfg.OpenAIAPIKey, verify.WithModel(cfg.OpenAIModel))
		s.verifyService = verify.NewService(s.escrowService, model, s.logger,
			verify.WithDownloadTimeout(cfg.DownloadTimeout))
		s.escrowService.WithVerifier(s.verifyService)
		s.logger.Info("AI receipt verification enabled", "model", cfg.OpenAIModel)
	} else {
		s.logger.Warn("OPENAI_API_KEY not set, receipts require manual review")
	}

	// Receipt uploads via IPFS
	pinner := files.NewIPFSClient(cfg.IPFSAPIURL, cfg.IPFSGatewayURL)
	s.filesHandler = files.NewHandler(pinner, cfg.IPFSGatewayURL, cfg.MaxReceiptSizeMB, cfg.AllowedMIMETypes)

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

// maskDSN hides password in connection string for logging.
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
			"success": false,
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit. Receipt uploads use multipart and carry their own
	// ceiling, so the JSON limit only applies elsewhere.
	maxUpload := s.cfg.MaxReceiptSizeMB<<20 + validation.MaxRequestSize
	s.router.Use(func(c *gin.Context) {
		limit := int64(validation.MaxRequestSize)
		if c.Request.URL.Path == "/v1/files/upload-receipt" {
			limit = maxUpload
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	})

	// Rate limiting
	limiterCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		limiterCfg.RequestsPerMinute = s.cfg.RateLimitRPM
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time escrow/oracle events
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	v1.GET("/platform", s.platformHandler)
	v1.GET("/realtime/stats", s.realtimeStatsHandler)

	oracleHandler := oracle.NewHandler(s.oracleService)
	oracleHandler.RegisterRoutes(v1)

	escrowHandler := escrow.NewHandler(s.escrowService)
	escrowHandler.RegisterRoutes(v1)

	if s.verifyService != nil {
		verifyHandler := verify.NewHandler(s.verifyService, s.escrowService)
		verifyHandler.RegisterRoutes(v1)
	}

	s.filesHandler.RegisterRoutes(v1)

	// ADMIN ROUTES (X-Admin-Secret header)
	admin := v1.Group("/admin")
	admin.Use(security.AdminMiddleware(s.cfg.AdminSecret))
	oracleHandler.RegisterAdminRoutes(admin)
	escrowHandler.RegisterAdminRoutes(admin)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	overall, checks := s.healthReg.CheckAll(ctx)

	// Degraded still serves traffic; only a down subsystem flips to 503.
	status := "healthy"
	httpStatus := http.StatusOK
	switch overall {
	case health.StateDegraded:
		status = "degraded"
	case health.StateDown:
		status = "unhealthy"
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "AutoPayer",
		"description": "Peer-to-peer fiat-for-token escrow with AI receipt verification",
		"version":     "0.1.0",
		"chainId":     s.cfg.ChainID,
	})
}

// platformHandler returns platform info including the escrow contract.
func (s *Server) platformHandler(c *gin.Context) {
	params := s.oracleService.Params()
	c.JSON(http.StatusOK, gin.H{
		"platform": gin.H{
			"name":            "AutoPayer",
			"version":         "0.1.0",
			"contractAddress": s.gateway.ContractAddress(),
			"chainId":         s.cfg.ChainID,
			"feeRateBps":      params.PlatformFeeRateBps,
			"escrowDuration":  params.EscrowDuration.String(),
		},
		"instructions": gin.H{
			"create": "POST /v1/escrow with token amount, fiat amount and receipt requirements",
			"accept": "POST /v1/escrow/{id}/accept as the fiat payer",
			"proof":  "Upload via POST /v1/files/upload-receipt, then POST /v1/escrow/{id}/submit-proof",
		},
	})
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"contract", s.gateway.ContractAddress(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start escrow expiration timer
	go s.escrowTimer.Start(runCtx)

	// Collect DB pool stats
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

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, timer)
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

	s.escrowTimer.Stop()
	s.logger.Info("escrow timer stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if closer, ok := s.gateway.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			s.logger.Error("gateway close error", "error", err)
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

// Router returns the gin router for testing.
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
