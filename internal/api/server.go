package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/eshaffer321/lodgetix-reconcile/internal/api/handlers"
	"github.com/eshaffer321/lodgetix-reconcile/internal/api/middleware"
	"github.com/eshaffer321/lodgetix-reconcile/internal/application/matching"
	"github.com/eshaffer321/lodgetix-reconcile/internal/application/pending"
	"github.com/eshaffer321/lodgetix-reconcile/internal/infrastructure/config"
)

// Config holds API server configuration.
type Config struct {
	Port           int
	AllowedOrigins []string
	JWTSecret      string // empty disables auth on mutating routes
	Pending        pending.Options
}

// DefaultConfig returns sensible defaults for the API server.
func DefaultConfig() Config {
	return Config{
		Port:           8080,
		AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		Pending:        pending.Options{MaxRetries: 5, BatchSize: 50},
	}
}

// ConfigFrom builds the server config from application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Port:           cfg.API.Port,
		AllowedOrigins: cfg.API.AllowedOrigins,
		JWTSecret:      cfg.API.JWTSecret,
		Pending:        pending.OptionsFrom(cfg.Pending),
	}
}

// Server is the HTTP API server.
type Server struct {
	config     Config
	router     *gin.Engine
	httpServer *http.Server
	logger     *slog.Logger
	matching   *matching.Service
	resolver   *pending.Resolver
}

// NewServer creates a new API server.
// If resolver is nil, the pending endpoints are not registered.
func NewServer(cfg Config, svc *matching.Service, resolver *pending.Resolver, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:   cfg,
		router:   gin.New(),
		logger:   logger,
		matching: svc,
		resolver: resolver,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures global middleware.
func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(middleware.CORS(middleware.CORSConfig{AllowedOrigins: s.config.AllowedOrigins}))
	s.router.Use(middleware.Logging(s.logger))
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	// Health check (no /api prefix - for load balancers)
	s.router.GET("/health", handlers.NewHealthHandler().Get)

	auth := middleware.JWTAuth(s.config.JWTSecret)
	api := s.router.Group("/api")

	matches := handlers.NewMatchesHandler(s.matching, s.logger)
	api.POST("/matches", middleware.When(persistRequested, auth), matches.Find)
	api.GET("/matches", middleware.When(reprocessRequested, auth), matches.Get)
	api.PATCH("/matches", auth, matches.ManualMatch)
	api.DELETE("/matches", auth, matches.Delete)
	api.POST("/matches/audit", auth, matches.Audit)

	if s.resolver != nil {
		p := handlers.NewPendingHandler(s.resolver, s.config.Pending, s.logger)
		api.GET("/pending/stats", p.Stats)
		api.GET("/pending/failed", p.Failed)
		api.POST("/pending/process", auth, p.Process)
	}
}

func persistRequested(c *gin.Context) bool {
	return handlers.ParseBoolParam(c, "persist", false)
}

func reprocessRequested(c *gin.Context) bool {
	return c.Query("action") == handlers.ActionReprocess
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // reprocess and audit can run long
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")

	if s.httpServer == nil {
		return nil
	}

	return s.httpServer.Shutdown(ctx)
}

// Router returns the gin engine for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}
