// Package server assembles the escrow coordination service: storage,
// the components, HTTP routes and background loops.
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
	"github.com/mbd888/chanescrow/internal/audit"
	"github.com/mbd888/chanescrow/internal/auth"
	"github.com/mbd888/chanescrow/internal/circuitbreaker"
	"github.com/mbd888/chanescrow/internal/config"
	"github.com/mbd888/chanescrow/internal/dispute"
	"github.com/mbd888/chanescrow/internal/escrow"
	"github.com/mbd888/chanescrow/internal/health"
	"github.com/mbd888/chanescrow/internal/ledger"
	"github.com/mbd888/chanescrow/internal/logging"
	"github.com/mbd888/chanescrow/internal/metrics"
	"github.com/mbd888/chanescrow/internal/notify"
	"github.com/mbd888/chanescrow/internal/offers"
	"github.com/mbd888/chanescrow/internal/payments"
	"github.com/mbd888/chanescrow/internal/ratelimit"
	"github.com/mbd888/chanescrow/internal/rating"
	"github.com/mbd888/chanescrow/internal/security"
	"github.com/mbd888/chanescrow/internal/traces"
	"github.com/mbd888/chanescrow/internal/transfer"
	"github.com/mbd888/chanescrow/internal/validation"
	"github.com/mbd888/chanescrow/migrations"
)

// Version is reported by /health.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	db     *sql.DB // nil if using in-memory
	logger *slog.Logger

	ledger    ledger.Store
	auditLog  audit.Log
	authMgr   *auth.Manager
	feed      payments.Feed
	offers    *offers.Service
	escrow    *escrow.Service
	timer     *escrow.Timer
	disputes  *dispute.Service
	transfers *transfer.Service
	ratings   *rating.Service
	ratingJob *rating.Worker

	emitter     *notify.Emitter
	hub         *notify.Hub
	extraSinks  []notify.Sink
	rateLimiter *ratelimit.Limiter
	health      *health.Registry

	router        *gin.Engine
	httpSrv       *http.Server
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	traceShutdown func(context.Context) error

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

// WithSink adds a notification sink next to the configured ones.
func WithSink(sink notify.Sink) Option {
	return func(s *Server) {
		s.extraSinks = append(s.extraSinks, sink)
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.traceShutdown = shutdown
	}

	var (
		offerStore  offers.Store
		ratingStore rating.Store
		authStore   auth.Store
	)

	// Storage: Postgres if DATABASE_URL is set, otherwise in-memory
	if cfg.DatabaseURL != "" {
		db, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		if cfg.RunMigrations {
			if err := migrations.Up(ctx, db); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to run migrations: %w", err)
			}
			s.logger.Info("migrations applied")
		}

		s.ledger = ledger.NewPostgresStore(db)
		s.feed = payments.NewPostgresFeed(db, 0)
		offerStore = offers.NewPostgresStore(db)
		ratingStore = rating.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
	} else {
		s.ledger = ledger.NewMemoryStore()
		s.feed = payments.NewMemoryFeed()
		offerStore = offers.NewMemoryStore()
		ratingStore = rating.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}
	s.auditLog = s.ledger.AuditLog()
	s.authMgr = auth.NewManager(authStore)

	s.setupNotifications()
	s.setupComponents(offerStore, ratingStore)

	s.health = health.NewRegistry()
	s.health.Register("ledger", health.Ping(s.ledger))
	s.health.Register("escrow_timer", health.Running(s.timer))
	s.health.Register("rating_worker", health.Running(s.ratingJob))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
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
	return db, nil
}

// setupNotifications wires the websocket hub plus either the bot webhook or
// a log sink.
func (s *Server) setupNotifications() {
	s.hub = notify.NewHub(s.logger)
	sinks := []notify.Sink{s.hub}
	if s.cfg.NotifyWebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(
			s.cfg.NotifyWebhookURL, s.cfg.NotifyWebhookSecret, circuitbreaker.New(5, 30*time.Second)))
		s.logger.Info("notification webhook enabled", "url", s.cfg.NotifyWebhookURL)
	} else {
		sinks = append(sinks, notify.LogSink{Logger: s.logger})
	}
	sinks = append(sinks, s.extraSinks...)
	s.emitter = notify.NewEmitter(s.logger, sinks...)
}

func (s *Server) setupComponents(offerStore offers.Store, ratingStore rating.Store) {
	s.offers = offers.NewService(offerStore, audit.NewRecorder(s.auditLog, s.logger), offers.Config{
		MaxCounters: s.cfg.MaxCounterOffers,
		TTL:         s.cfg.OfferTTL,
	}).WithLogger(s.logger).WithEmitter(s.emitter)

	s.escrow = escrow.NewService(s.ledger, s.feed, escrow.Config{
		AutoReleaseWindow:   s.cfg.AutoReleaseWindow(),
		ConfirmationTimeout: s.cfg.ConfirmationTimeout,
		FeeBPS:              s.cfg.PlatformFeeBPS,
	}).WithLogger(s.logger).WithEmitter(s.emitter)
	s.timer = escrow.NewTimer(s.escrow, s.ledger, s.cfg.TimerInterval, s.logger)
	s.escrow.WithTimer(s.timer)

	s.disputes = dispute.NewService(s.ledger).
		WithLogger(s.logger).
		WithScheduler(s.timer).
		WithEmitter(s.emitter)
	s.escrow.WithEscalator(s.disputes)

	s.transfers = transfer.NewService(s.ledger, s.escrow).
		WithLogger(s.logger).
		WithEmitter(s.emitter)

	s.ratings = rating.NewService(s.ledger, ratingStore).WithLogger(s.logger)
	s.ratingJob = rating.NewWorker(s.ratings, s.cfg.RatingRetryInterval, s.logger)

	s.logger.Info("components ready",
		"autoReleaseDays", s.cfg.AutoReleaseDays,
		"feeBps", s.cfg.PlatformFeeBPS,
		"maxCounters", s.cfg.MaxCounterOffers,
	)
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		logger := logging.L(c.Request.Context())
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

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	offerH := offers.NewHandler(s.offers)
	escrowH := escrow.NewHandler(s.escrow, s.offers)
	disputeH := dispute.NewHandler(s.disputes)
	transferH := transfer.NewHandler(s.transfers)
	ratingH := rating.NewHandler(s.ratings)
	auditH := audit.NewHandler(s.auditLog)
	paymentsH := payments.NewHandler(s.feed, s.escrow)
	authH := auth.NewHandler(s.authMgr)

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
	})

	v1 := s.router.Group("/v1")
	v1.Use(validation.IDParamMiddleware("ofr_", "txn_", "esc_", "dsp_"))
	v1.Use(auth.Middleware(s.authMgr))
	v1.Use(s.rateLimiter.Middleware())

	// PUBLIC ROUTES
	v1.GET("/auth/info", authH.Info)
	offerH.RegisterRoutes(v1)
	ratingH.RegisterRoutes(v1)

	// PROTECTED ROUTES (API key of a buyer or seller)
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	{
		offerH.RegisterProtectedRoutes(protected)
		escrowH.RegisterProtectedRoutes(protected)
		disputeH.RegisterProtectedRoutes(protected)
		transferH.RegisterProtectedRoutes(protected)
		ratingH.RegisterProtectedRoutes(protected)
		authH.RegisterRoutes(protected)
		protected.GET("/ws", s.websocketHandler)
	}

	// ADMIN ROUTES (operators, the verification bot, payment ingestion)
	admin := v1.Group("")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	{
		escrowH.RegisterAdminRoutes(admin)
		disputeH.RegisterAdminRoutes(admin)
		transferH.RegisterAdminRoutes(admin)
		ratingH.RegisterAdminRoutes(admin)
		auditH.RegisterAdminRoutes(admin)
		paymentsH.RegisterRoutes(admin)
		authH.RegisterAdminRoutes(admin)
	}
}

// websocketHandler streams the caller's notifications.
func (s *Server) websocketHandler(c *gin.Context) {
	s.hub.Serve(c.Writer, c.Request, auth.UserID(c))
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   Version,
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
	if err := s.ledger.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "detail": "ledger unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the background loops: notification hub, auto-release
// timer, rating retries and DB stats. Run calls it; tests may call it
// directly with a cancellable context.
func (s *Server) Start(ctx context.Context) {
	go s.hub.Run(ctx)
	go s.timer.Start(ctx)
	go s.ratingJob.Start(ctx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.Start(runCtx)
	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.timer.Stop()
	s.ratingJob.Stop()
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
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

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
