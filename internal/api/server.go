// Package api exposes the ops surface of the engine: status, positions,
// trade history, config tuning, manual exits and the kill switch, plus a
// WebSocket feed of engine events. It reads engine state but never trades
// on its own; every mutation routes through the same components the
// trading loops use.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/nsebot/tradeengine/internal/auth"
	"github.com/nsebot/tradeengine/internal/broker"
	"github.com/nsebot/tradeengine/internal/cache"
	"github.com/nsebot/tradeengine/internal/database"
	"github.com/nsebot/tradeengine/internal/entry"
	"github.com/nsebot/tradeengine/internal/events"
	"github.com/nsebot/tradeengine/internal/manager"
	"github.com/nsebot/tradeengine/internal/reconcile"
	"github.com/nsebot/tradeengine/internal/state"
	"github.com/nsebot/tradeengine/internal/vault"
	"github.com/nsebot/tradeengine/internal/watchdog"
)

// RateLimiter is a fixed-window in-memory limiter keyed by endpoint path.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a limiter allowing limit requests per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow reports whether another request for key fits in the window.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Config holds the HTTP server settings and the operator account.
type Config struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	ProductionMode bool     `json:"production_mode"`
	AllowedOrigins []string `json:"allowed_origins"`

	// Operator credentials. Empty Username or JWTSecret disables auth,
	// which is only sane on a loopback-bound dev instance.
	Username     string        `json:"username"`
	PasswordHash string        `json:"-"`
	JWTSecret    string        `json:"-"`
	TokenTTL     time.Duration `json:"token_ttl"`
}

// DefaultConfig returns a loopback dev server with auth disabled.
func DefaultConfig() Config {
	return Config{
		Host:           "127.0.0.1",
		Port:           8080,
		AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		TokenTTL:       12 * time.Hour,
	}
}

// Deps bundles the engine components the handlers call into.
type Deps struct {
	Store      *state.Store
	Entry      *entry.Orchestrator
	Manager    *manager.Manager
	Reconciler *reconcile.Reconciler
	Watchdog   *watchdog.Watchdog
	Broker     broker.Client
	Journal    *database.Journal
	Audit      *database.AuditSink
	DB         *database.DB
	Cache      *cache.SnapshotCache
	Vault      *vault.Client
	Bus        *events.Bus
}

// Server is the ops HTTP server.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	deps       Deps
	config     Config
	logger     zerolog.Logger

	jwtManager   *auth.JWTManager
	authEnabled  bool
	rateLimiter  *RateLimiter
	loginLimiter *RateLimiter
	hub          *WSHub
	startedAt    time.Time
}

// NewServer builds the router and wires the WebSocket hub to the event bus.
func NewServer(cfg Config, deps Deps, logger zerolog.Logger) *Server {
	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:       router,
		deps:         deps,
		config:       cfg,
		logger:       logger.With().Str("component", "api").Logger(),
		authEnabled:  cfg.Username != "" && cfg.JWTSecret != "",
		rateLimiter:  NewRateLimiter(120, time.Minute),
		loginLimiter: NewRateLimiter(10, time.Minute),
		hub:          NewWSHub(logger),
		startedAt:    time.Now(),
	}

	if s.authEnabled {
		s.jwtManager = auth.NewJWTManager(cfg.JWTSecret, cfg.TokenTTL)
	} else {
		s.logger.Warn().Msg("Ops API auth disabled, bind to loopback only")
	}

	s.setupRoutes()
	s.hub.Attach(deps.Bus)

	return s
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if !s.rateLimiter.Allow(path) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   true,
				"message": "rate limit exceeded",
				"path":    path,
			})
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealthz)
	s.router.POST("/api/login", s.handleLogin)

	api := s.router.Group("/api")
	api.Use(s.rateLimitMiddleware())
	if s.authEnabled {
		api.Use(auth.Middleware(s.jwtManager))
	}
	{
		api.GET("/status", s.handleStatus)
		api.GET("/positions", s.handleGetPositions)
		api.POST("/positions/:symbol/close", s.handleClosePosition)

		api.GET("/trades", s.handleGetTrades)
		api.GET("/trades/summary", s.handleGetTradeSummary)
		api.GET("/events", s.handleGetEvents)

		api.GET("/config", s.handleGetConfig)
		api.PUT("/config", s.handleUpdateConfig)

		api.POST("/signals", s.handleSubmitSignal)
		api.POST("/trading/toggle", s.handleToggleTrading)
		api.POST("/killswitch/reset", s.handleKillSwitchReset)
		api.POST("/reconcile", s.handleReconcile)
	}

	// The WebSocket feed carries the same events the audit sink persists.
	// It sits behind the same auth because position data flows through it.
	ws := s.router.Group("/ws")
	if s.authEnabled {
		ws.Use(auth.Middleware(s.jwtManager))
	}
	ws.GET("", s.handleWebSocket)
}

// Start runs the HTTP server until Shutdown or a listener error.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Bool("auth", s.authEnabled).Msg("Ops API listening")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Ops API shutting down")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
