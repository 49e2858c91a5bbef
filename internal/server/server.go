// Package server exposes the dashboard over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mbd888/paydash/internal/backend"
	"github.com/mbd888/paydash/internal/config"
	"github.com/mbd888/paydash/internal/dashboard"
	"github.com/mbd888/paydash/internal/health"
	"github.com/mbd888/paydash/internal/logging"
	"github.com/mbd888/paydash/internal/metrics"
	"github.com/mbd888/paydash/internal/ratelimit"
	"github.com/mbd888/paydash/internal/realtime"
	"github.com/mbd888/paydash/internal/security"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// backendCheckTimeout bounds the backend reachability check behind /health.
const backendCheckTimeout = 5 * time.Second

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	client       *backend.Client
	dash         *dashboard.Dashboard
	dashOpts     []dashboard.Option
	probe        *dashboard.Probe
	limiter      *ratelimit.Limiter
	hub          *realtime.Hub
	health       *health.Registry
	router       *gin.Engine
	handler      http.Handler
	httpSrv      *http.Server
	logger       *slog.Logger
	drainDelay   time.Duration
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

// WithBackendClient sets the payment backend client (for testing)
func WithBackendClient(c *backend.Client) Option {
	return func(s *Server) {
		s.client = c
	}
}

// WithDashboardOptions passes options through to the dashboard.
func WithDashboardOptions(opts ...dashboard.Option) Option {
	return func(s *Server) {
		s.dashOpts = append(s.dashOpts, opts...)
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server: nil config")
	}
	s := &Server{
		cfg:        cfg,
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}
	if s.client == nil {
		s.client = backend.NewClient(cfg.APIBaseURL, backend.WithLogger(s.logger))
	}

	dashOpts := append([]dashboard.Option{dashboard.WithLogger(s.logger)}, s.dashOpts...)
	s.dash = dashboard.New(s.client, dashOpts...)
	s.probe = dashboard.NewProbe(s.client, s.logger)
	s.hub = realtime.NewHub(s.dash, s.logger, cfg.AllowedOrigins)
	s.limiter = ratelimit.New(ratelimit.Config{
		PerMinute: cfg.VerifyRatePerMinute,
		Burst:     cfg.VerifyBurst,
	})

	s.dash.OnChange(s.hub.PublishChange)
	s.probe.OnResult(s.hub.PublishVerification)

	s.health = health.NewRegistry()
	s.health.Register("backend", s.checkBackend)
	s.dash.RegisterHealth(s.health)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()
	s.handler = security.CORS(cfg.AllowedOrigins).Handler(s.router)

	s.healthy.Store(true)
	s.logger.Info("server configured",
		"backend", s.client.BaseURL(),
		"pinned", cfg.PinnedViews,
		"env", cfg.Env,
	)
	return s, nil
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.RequestSizeMiddleware(security.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
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
		case path == "/health" || path == "/health/live" || path == "/health/ready" || path == "/metrics":
			logger.Debug("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health and metrics
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Real-time view updates
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	api := s.router.Group("/api")
	api.GET("/views", s.listViews)
	api.GET("/views/:view", s.getView)
	api.POST("/views/:view/mount", s.mountView)
	api.DELETE("/views/:view/mount", s.unmountView)
	api.POST("/views/:view/refresh", s.refreshView)
	api.POST("/verify", s.limiter.Middleware(), s.verifyPayment)
	api.GET("/verify/last", s.lastVerification)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No such route"})
	})
}

// viewError maps dashboard errors onto HTTP responses.
func viewError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, dashboard.ErrUnknownView):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_view", "message": err.Error()})
	case errors.Is(err, dashboard.ErrNotMounted):
		c.JSON(http.StatusConflict, gin.H{"error": "view_not_mounted", "message": err.Error()})
	case errors.Is(err, dashboard.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting_down", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}

func (s *Server) listViews(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"views":   dashboard.Views,
		"mounted": s.dash.Mounted(),
	})
}

func (s *Server) getView(c *gin.Context) {
	state, err := s.dash.Snapshot(dashboard.View(c.Param("view")))
	if err != nil {
		viewError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) mountView(c *gin.Context) {
	v := dashboard.View(c.Param("view"))
	if err := s.dash.Mount(v); err != nil {
		viewError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"view": v, "mounted": true})
}

func (s *Server) unmountView(c *gin.Context) {
	v := dashboard.View(c.Param("view"))
	if err := s.dash.Unmount(v); err != nil {
		viewError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"view": v, "mounted": s.dash.IsMounted(v)})
}

func (s *Server) refreshView(c *gin.Context) {
	v := dashboard.View(c.Param("view"))
	queued, err := s.dash.Refresh(v)
	if err != nil {
		viewError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"view": v, "queued": queued})
}

type verifyRequest struct {
	Email  string         `json:"email"`
	Amount backend.Amount `json:"amount"`
}

func (s *Server) verifyPayment(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Request body must be JSON with email and amount"})
		return
	}

	res := s.probe.Verify(c.Request.Context(), req.Email, string(req.Amount))
	if res.Invalid() {
		c.JSON(http.StatusBadRequest, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) lastVerification(c *gin.Context) {
	c.JSON(http.StatusOK, s.probe.Last())
}

// HealthResponse is the /health body
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) checkBackend(ctx context.Context) health.Status {
	snap, err := s.client.Health(ctx, backendCheckTimeout)
	if err != nil {
		return health.Status{Name: "backend", Healthy: false, Detail: err.Error()}
	}
	return health.Status{Name: "backend", Healthy: true, Detail: string(snap.Status)}
}

func (s *Server) healthHandler(c *gin.Context) {
	report := s.health.Report(c.Request.Context())

	httpStatus := http.StatusOK
	if !report.Healthy() {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, HealthResponse{
		Status:    report.Status,
		Version:   Version,
		Checks:    report.Checks,
		Timestamp: report.CheckedAt.Format(time.RFC3339),
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
	c.JSON(http.StatusOK, gin.H{"status": "ready", "mounted": len(s.dash.Mounted())})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run mounts the pinned views and serves until a signal arrives or ctx ends.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	go s.hub.Run(runCtx)

	for _, name := range s.cfg.PinnedViews {
		if err := s.dash.Mount(dashboard.View(name)); err != nil {
			cancel()
			return fmt.Errorf("mount pinned view %q: %w", name, err)
		}
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "backend", s.client.BaseURL())
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
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

	// Stops the hub, which closes client connections
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	s.dash.Close()
	s.limiter.Stop()
	s.logger.Info("dashboard closed")

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Handler returns the full handler chain including CORS.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Dashboard returns the server's dashboard.
func (s *Server) Dashboard() *dashboard.Dashboard {
	return s.dash
}
