// Package server wires the gating pipeline behind a gin HTTP surface:
// store selection, middleware chain, route registration, and graceful
// startup and shutdown.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/quizforge/quizforge/internal/account"
	"github.com/quizforge/quizforge/internal/auth"
	"github.com/quizforge/quizforge/internal/billing"
	"github.com/quizforge/quizforge/internal/config"
	"github.com/quizforge/quizforge/internal/generation"
	"github.com/quizforge/quizforge/internal/health"
	"github.com/quizforge/quizforge/internal/idgen"
	"github.com/quizforge/quizforge/internal/logging"
	"github.com/quizforge/quizforge/internal/metrics"
	"github.com/quizforge/quizforge/internal/provider"
	"github.com/quizforge/quizforge/internal/ratelimit"
	"github.com/quizforge/quizforge/internal/realtime"
	"github.com/quizforge/quizforge/internal/reqctx"
	"github.com/quizforge/quizforge/internal/retry"
	"github.com/quizforge/quizforge/internal/secrets"
	"github.com/quizforge/quizforge/internal/security"
	"github.com/quizforge/quizforge/internal/subscription"
	"github.com/quizforge/quizforge/internal/tokens"
	"github.com/quizforge/quizforge/internal/usage"
	"github.com/quizforge/quizforge/internal/validation"
	"github.com/quizforge/quizforge/internal/webhooks"
)

const maxRequestBody = 1 << 20 // 1 MiB

// Server owns the HTTP listener and every pipeline component behind it.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	router *gin.Engine
	srv    *http.Server

	db *sql.DB

	accounts    account.Store
	authManager *auth.Manager
	subs        *subscription.Manager
	contexts    *reqctx.Provider
	tokens      *tokens.Manager
	tokenTimer  *tokens.Timer
	tracker     *usage.Tracker
	factory     *generation.Factory
	hub         *realtime.Hub
	emitter     *webhooks.Emitter
	dispatcher  *webhooks.Dispatcher
	ipLimiter   *ratelimit.Limiter
	planLimiter *ratelimit.PlanLimiter
	checks      *health.Registry

	ready   atomic.Bool
	healthy atomic.Bool

	cancelRunCtx context.CancelFunc
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New assembles the full pipeline. A DATABASE_URL selects Postgres-backed
// stores; otherwise everything runs in memory.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: slog.Default(),
		checks: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	var (
		authStore    auth.Store
		usageSink    usage.Sink
		webhookStore webhooks.Store
	)

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		// The database often comes up after the app in orchestrated
		// deployments, so give it a few attempts.
		pingCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = retry.Do(pingCtx, 5, time.Second, func() error {
			return db.PingContext(pingCtx)
		})
		cancel()
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		s.db = db
		s.logger.Info("using postgres stores", "dsn", maskDSN(cfg.DatabaseURL))

		accountStore := account.NewPostgresStore(db)
		authPg := auth.NewPostgresStore(db)
		usagePg := usage.NewPostgresSink(db)
		webhookPg := webhooks.NewPostgresStore(db)

		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		for name, m := range map[string]interface {
			Migrate(context.Context) error
		}{
			"accounts": accountStore,
			"auth":     authPg,
			"usage":    usagePg,
			"webhooks": webhookPg,
		} {
			if err := m.Migrate(migrateCtx); err != nil {
				s.logger.Warn("migration failed, continuing", "store", name, "error", err)
			}
		}
		cancel()

		s.accounts = accountStore
		authStore = authPg
		usageSink = usagePg
		webhookStore = webhookPg

		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.logger.Info("no DATABASE_URL set, using in-memory stores")
		s.accounts = account.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		usageSink = usage.NewMemorySink()
		webhookStore = webhooks.NewMemoryStore()
	}

	s.authManager = auth.NewManager(authStore)
	s.subs = subscription.NewManager(s.accounts, s.logger)

	var assessorOpts []security.Option
	if cfg.DeniedCIDRs != "" {
		assessorOpts = append(assessorOpts, security.WithDeniedCIDRs(splitCSV(cfg.DeniedCIDRs)))
	}
	assessor := security.NewAssessor(assessorOpts...)
	s.contexts = reqctx.NewProvider(s.subs, assessor, s.logger)

	s.tokens = buildTokenManager(cfg, s.logger)
	s.tokenTimer = tokens.NewTimer(s.tokens, s.logger)

	s.hub = realtime.NewHub(s.logger)
	s.dispatcher = webhooks.NewDispatcher(webhookStore)
	s.emitter = webhooks.NewEmitter(s.dispatcher, s.logger)

	notifier := &fanoutNotifier{targets: []usage.Notifier{
		realtime.NewAlertNotifier(s.hub),
		s.emitter,
	}}
	s.tracker = usage.NewTracker(usageSink, s.logger, usage.WithNotifier(notifier))

	s.factory = generation.NewFactory(s.subs, s.tokens, s.tracker, s.logger)

	ipCfg := ratelimit.DefaultConfig()
	if cfg.RateLimitRPS > 0 {
		ipCfg.RequestsPerMinute = cfg.RateLimitRPS * 60
	}
	s.ipLimiter = ratelimit.New(ipCfg)
	s.planLimiter = ratelimit.NewPlanLimiter()

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes(webhookStore)

	s.srv = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second,
	}

	s.healthy.Store(true)
	return s, nil
}

// buildTokenManager selects the secret backend and client factory. Mock mode
// serves canned completions and needs no real credentials.
func buildTokenManager(cfg *config.Config, logger *slog.Logger) *tokens.Manager {
	store := secrets.NewMemoryStore()
	if cfg.MockProvider {
		// Values only need to pass format validation; the factory below
		// never sends them anywhere.
		store.Set("openai-api-key", "sk-mock00000000000000000000")
		store.Set("anthropic-api-key", "sk-ant-REDACTED")
		store.Set("google-api-key", "AIzamock000000000000000000000000000000")
		store.Set("mock-api-key", "mock")
		return tokens.NewManager(store, logger, tokens.WithClientFactory(
			func(t provider.Type, apiKey string) (provider.Client, error) {
				return provider.NewMock(), nil
			},
		))
	}
	if cfg.OpenAIKey != "" {
		store.Set("openai-api-key", cfg.OpenAIKey)
	}
	if cfg.AnthropicKey != "" {
		store.Set("anthropic-api-key", cfg.AnthropicKey)
	}
	if cfg.GoogleKey != "" {
		store.Set("google-api-key", cfg.GoogleKey)
	}
	return tokens.NewManager(store, logger)
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		s.logger.Error("panic recovered", "error", fmt.Sprintf("%v", recovered), "path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An internal error occurred",
		})
	}))
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(maxRequestBody))
	s.router.Use(s.ipLimiter.Middleware())
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

// requestIDMiddleware assigns each request an ID, echoes it in the response
// header, and threads a request-scoped logger through the context.
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.New()
		}
		c.Set("requestID", requestID)
		c.Header("X-Request-ID", requestID)

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("requestId", requestID))
		c.Request = c.Request.WithContext(ctx)

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
			"duration", time.Since(start).String(),
			"ip", c.ClientIP(),
		}
		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request", attrs...)
		case status >= 400:
			logger.Warn("request", attrs...)
		default:
			logger.Info("request", attrs...)
		}
	}
}

func (s *Server) setupRoutes(webhookStore webhooks.Store) {
	s.router.GET("/healthz", s.handleHealthz)
	s.router.GET("/readyz", s.handleReadyz)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws/activity", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	authHandler := auth.NewHandler(s.authManager)
	billingHandler := billing.NewHandler(s.cfg.StripeWebhookSecret, s.accounts, s.emitter, s.logger)
	webhookHandler := webhooks.NewHandler(webhookStore, s.dispatcher)

	v1 := s.router.Group("/v1")

	// Public: onboarding, auth docs, and the Stripe webhook. Stripe
	// authenticates with its own signature, never an API key.
	v1.GET("/auth/info", authHandler.Info)
	v1.POST("/auth/signup", s.handleSignup)
	billingHandler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authManager), auth.RequireAuth(s.authManager))
	{
		protected.POST("/generate/:operation", validation.OperationParamMiddleware(), s.handleGenerate)
		protected.GET("/credits", s.handleCredits)
		protected.GET("/operations", s.handleOperations)
		protected.GET("/usage/stats", s.handleUsageStats)
		protected.GET("/usage/export", s.handleUsageExport)
		protected.GET("/tokens/health", s.handleTokensHealth)

		protected.GET("/auth/me", authHandler.GetCurrentUser)
		protected.GET("/auth/keys", authHandler.ListKeys)
		protected.POST("/auth/keys", authHandler.CreateKey)
		protected.DELETE("/auth/keys/:keyId", authHandler.RevokeKey)
		protected.POST("/auth/keys/:keyId/regenerate", authHandler.RegenerateKey)

		webhookHandler.RegisterRoutes(protected)
	}
}

// Run starts the server and blocks until a signal or listener error, then
// shuts down gracefully.
func (s *Server) Run() error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancelRunCtx = cancel

	go s.hub.Run(runCtx)
	go s.tokenTimer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.srv.Addr, "env", s.cfg.Env)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Small delay so the listener is accepting before we report ready.
	time.Sleep(100 * time.Millisecond)
	s.ready.Store(true)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		s.healthy.Store(false)
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	return s.Shutdown(shutdownCtx)
}

// Shutdown drains in-flight requests, flushes the audit queue, and stops
// every background worker.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)

	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown", "error", err)
	}

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	s.tracker.Close(ctx)
	s.tokenTimer.Stop()
	s.ipLimiter.Stop()
	s.planLimiter.Stop()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// fanoutNotifier delivers tracker alerts to every target.
type fanoutNotifier struct {
	targets []usage.Notifier
}

func (f *fanoutNotifier) NotifyAlert(alert usage.Alert) {
	for _, t := range f.targets {
		t.NotifyAlert(alert)
	}
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// maskDSN hides credentials in a connection string for logging.
func maskDSN(dsn string) string {
	if at := strings.Index(dsn, "@"); at != -1 {
		if scheme := strings.Index(dsn, "://"); scheme != -1 {
			return dsn[:scheme+3] + "***" + dsn[at:]
		}
	}
	return dsn
}
