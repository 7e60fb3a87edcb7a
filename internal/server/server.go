// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/trustgate/internal/analytics"
	"github.com/mbd888/trustgate/internal/approval"
	"github.com/mbd888/trustgate/internal/catalog"
	"github.com/mbd888/trustgate/internal/circuitbreaker"
	"github.com/mbd888/trustgate/internal/config"
	"github.com/mbd888/trustgate/internal/facilitator"
	"github.com/mbd888/trustgate/internal/gateway"
	"github.com/mbd888/trustgate/internal/health"
	"github.com/mbd888/trustgate/internal/hedera"
	"github.com/mbd888/trustgate/internal/idgen"
	"github.com/mbd888/trustgate/internal/logging"
	"github.com/mbd888/trustgate/internal/metrics"
	"github.com/mbd888/trustgate/internal/ratelimit"
	"github.com/mbd888/trustgate/internal/receipts"
	"github.com/mbd888/trustgate/internal/security"
	"github.com/mbd888/trustgate/internal/trustscore"
	"github.com/mbd888/trustgate/internal/validation"
	"github.com/mbd888/trustgate/internal/wallet"
	"github.com/mbd888/trustgate/pkg/x402"
)

// Version is reported by /health.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	settler        facilitator.Settler
	analytics      gateway.Analytics
	approver       approval.Approver
	breakers       *circuitbreaker.Registry
	health         *health.Registry
	catalog        *catalog.MemoryRegistry
	payments       *facilitator.Facilitator
	gateway        *gateway.Service
	issuer         *receipts.Issuer
	rateLimiter    *ratelimit.Limiter // global, per client IP
	productLimiter *ratelimit.Limiter // per product and client
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	drainDelay     time.Duration
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

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

// WithSettler sets the settlement backend instead of building one from config
// (for testing).
func WithSettler(settler facilitator.Settler) Option {
	return func(s *Server) {
		s.settler = settler
	}
}

// WithAnalytics sets the analytics source instead of the HTTP client
// (for testing).
func WithAnalytics(a gateway.Analytics) Option {
	return func(s *Server) {
		s.analytics = a
	}
}

// WithApprover sets the approver for settlements above the threshold.
// By default the server prompts on its console.
func WithApprover(a approval.Approver) Option {
	return func(s *Server) {
		s.approver = a
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing connections.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}

	// Apply options first (may set settler/analytics/logger)
	for _, opt := range opts {
		opt(s)
	}

	s.breakers = circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: cfg.BreakerFailures,
		SuccessThreshold: cfg.BreakerSuccesses,
		Timeout:          cfg.BreakerTimeout,
	}, s.logger)

	if s.analytics == nil {
		s.analytics = analytics.NewClient(analytics.Config{
			BaseURL:        cfg.AnalyticsBaseURL,
			APIKey:         cfg.AnalyticsAPIKey,
			DefaultTTL:     cfg.AnalyticsCacheTTL,
			MaxRetries:     cfg.AnalyticsMaxRetries,
			RetryBaseDelay: cfg.AnalyticsRetryBaseDelay,
		},
			analytics.WithBreaker(s.breakers.GetWithFilter(analytics.BreakerName, analytics.IsOutage)),
			analytics.WithLogger(s.logger),
		)
		s.logger.Info("analytics provider configured", "url", cfg.AnalyticsBaseURL)
	}

	if s.settler == nil {
		settler, err := newSettler(cfg, s.logger)
		if err != nil {
			return nil, err
		}
		s.settler = settler
	}
	if s.settler.Network() != cfg.SettlementNetwork {
		return nil, fmt.Errorf("settler serves %s, config wants %s", s.settler.Network(), cfg.SettlementNetwork)
	}

	payments, err := facilitator.New(facilitator.Config{
		PayTo:             cfg.PayTo,
		Asset:             cfg.Asset(),
		SettlementTimeout: cfg.SettlementTimeout,
	}, s.settler,
		facilitator.WithLogger(s.logger),
		facilitator.WithBreakers(s.breakers),
		facilitator.WithGuard(facilitator.NewSettlementGuard(time.Minute)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create facilitator: %w", err)
	}
	s.payments = payments

	s.catalog, err = catalog.NewMemoryRegistry(catalog.Product{
		ID:          cfg.ProductID,
		Name:        "Account trust score",
		Description: "Deterministic 0-100 trust score with risk flags for one ledger account",
		Price:       cfg.ProductPrice,
		Currency:    cfg.Currency(),
		RateLimit:   cfg.ProductRateLimit,
		SLA:         "best-effort, p99 under 2s with warm cache",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog: %w", err)
	}

	engine := trustscore.NewEngine().WithThresholds(trustscore.Thresholds{
		OutflowRatio:  cfg.RiskOutflowRatio,
		OutflowFloor:  cfg.RiskOutflowFloor,
		LargeTransfer: cfg.RiskLargeTransfer,
		NewAccountAge: time.Duration(cfg.RiskNewAccountDays) * 24 * time.Hour,
	})

	s.issuer = receipts.NewIssuer(receipts.NewSigner(cfg.ReceiptHMACSecret))
	if s.issuer.Signed() {
		s.logger.Info("receipt signing enabled")
	}

	threshold := cfg.ApprovalThresholdAmount()
	if threshold != nil && s.approver == nil {
		s.approver = approval.NewPrompter(os.Stdin, os.Stderr, cfg.ApprovalTimeout, cfg.ApprovalDefault == "approve", s.logger)
		s.logger.Info("settlement approval enabled", "threshold", threshold.String(), "timeout", cfg.ApprovalTimeout)
	}

	s.productLimiter = ratelimit.New(ratelimit.DefaultConfig())
	gwOpts := []gateway.Option{
		gateway.WithIssuer(s.issuer),
		gateway.WithLimiter(s.productLimiter),
	}
	if s.approver != nil {
		gwOpts = append(gwOpts, gateway.WithApprover(s.approver))
	}
	s.gateway = gateway.NewService(gateway.Config{
		ProductID:         cfg.ProductID,
		ApprovalThreshold: threshold,
		Decimals:          cfg.Decimals(),
	}, s.analytics, engine, s.payments, s.catalog, gwOpts...)

	s.health = health.NewRegistry()
	s.health.Register("circuit_breakers", health.BreakerChecker(s.breakers))
	if probe := settlementProbe(s.settler); probe != nil {
		s.health.Register("settlement", health.FuncChecker("settlement", probe))
	}

	// Setup Gin
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// newSettler builds the settlement backend for the configured network.
func newSettler(cfg *config.Config, logger *slog.Logger) (facilitator.Settler, error) {
	switch cfg.SettlementNetwork {
	case x402.NetworkHederaTestnet:
		settler, err := hedera.NewSettler(hedera.Config{
			Network:     cfg.HederaNetwork,
			OperatorID:  cfg.HederaOperatorID,
			OperatorKey: cfg.HederaOperatorKey,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create hedera settler: %w", err)
		}
		logger.Info("settling in HBAR", "network", cfg.HederaNetwork, "operator", settler.Operator())
		return settler, nil
	case x402.NetworkBaseSepolia:
		w, err := wallet.New(wallet.Config{
			RPCURL:        cfg.RPCURL,
			PrivateKey:    cfg.PrivateKey,
			ChainID:       cfg.ChainID,
			TokenContract: cfg.TokenContract,
		}, wallet.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create wallet: %w", err)
		}
		logger.Info("settling in ERC20", "chain_id", cfg.ChainID, "token", cfg.TokenContract, "wallet", w.Address())
		return w, nil
	default:
		return nil, fmt.Errorf("unsupported settlement network %q", cfg.SettlementNetwork)
	}
}

// settlementProbe returns a balance check for settlers that support one.
func settlementProbe(settler facilitator.Settler) func(context.Context) error {
	switch v := settler.(type) {
	case interface {
		Balance(context.Context) (int64, error)
	}:
		return func(ctx context.Context) error {
			_, err := v.Balance(ctx)
			return err
		}
	case interface {
		Balance(context.Context) (string, error)
	}:
		return func(ctx context.Context) error {
			_, err := v.Balance(ctx)
			return err
		}
	default:
		return nil
	}
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS: any origin may pay and read the payment response
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.Config{RequestsPerMinute: s.cfg.RateLimitRPM})
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
		requestID := validation.SanitizeString(c.GetHeader("X-Request-ID"), 64)
		if requestID == "" {
			requestID = idgen.New()
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

		// Log level based on status code. 402 is the normal first leg of a
		// paid request.
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400 && status != http.StatusPaymentRequired:
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

	s.router.GET("/", s.infoHandler)

	v1 := s.router.Group("/v1")
	gateway.NewHandler(s.gateway).RegisterRoutes(v1)
	catalog.NewHandler(s.catalog, s.payments.Network(), s.cfg.Asset()).RegisterRoutes(v1)
	receipts.NewHandler(s.issuer).RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Network   string          `json:"network"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Network:   s.payments.Network(),
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
		"name":     "trustgate",
		"version":  Version,
		"network":  s.payments.Network(),
		"asset":    s.cfg.Asset(),
		"currency": s.cfg.Currency(),
		"endpoints": gin.H{
			"trustScore": "GET /v1/trust-score/:accountId",
			"supported":  "GET /v1/supported",
			"product":    "GET /v1/products/" + s.cfg.ProductID,
			"receipts":   "POST /v1/receipts/verify",
		},
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Settlement may take up to SettlementTimeout after scoring.
		WriteTimeout: s.cfg.SettlementTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"network", s.payments.Network(),
			"pay_to", s.cfg.PayTo,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go metrics.StartRuntimeCollector(runCtx, 15*time.Second)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

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

	// Cancel the context for background goroutines
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop rate limiter cleanup goroutines
	s.rateLimiter.Stop()
	s.productLimiter.Stop()

	// Close settlement connection
	if c, ok := s.settler.(io.Closer); ok {
		if err := c.Close(); err != nil {
			s.logger.Error("settler close error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
