// Package api is the operator surface: read-only signal inspection plus the
// two mutating capabilities (gate toggle, forced sweep) and the analyzer's
// signal ingress.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"bybit-levels-bot/internal/auth"
	"bybit-levels-bot/internal/database"
)

// Store is the ledger surface the handlers read and write.
type Store interface {
	CreateSignal(ctx context.Context, s *database.Signal) (int64, error)
	GetSignal(ctx context.Context, id int64) (*database.Signal, error)
	SignalLogs(ctx context.Context, signalID int64) ([]database.SignalLog, error)
	ListAll(ctx context.Context, limit int) ([]*database.Signal, error)
	HealthCheck(ctx context.Context) error
}

// Gate is the trading-mode switch surface.
type Gate interface {
	IsLiveEnabled(ctx context.Context) bool
	SetLiveEnabled(ctx context.Context, enabled bool, by string) error
	RiskTrip(ctx context.Context) (string, bool)
}

// Control drives background work on behalf of requests.
type Control interface {
	// ForceSweep triggers a reconciler sweep; false when the job is unknown.
	ForceSweep(ctx context.Context) bool
	// SubmitSignal schedules the initial execution attempt for a signal.
	SubmitSignal(ctx context.Context, signalID int64)
}

// Config holds the HTTP server settings.
type Config struct {
	Host           string
	Port           int
	ProductionMode bool
	AllowedOrigins []string
}

// Server is the gin HTTP server.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	store      Store
	gate       Gate
	control    Control
	jwt        *auth.JWTManager
	config     Config
	log        zerolog.Logger
}

// NewServer builds the router. jwtManager may be nil, which leaves the
// mutating routes unprotected (local development only).
func NewServer(cfg Config, store Store, tradingGate Gate, control Control, jwtManager *auth.JWTManager, logger zerolog.Logger) *Server {
	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://localhost:8090"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:  router,
		store:   store,
		gate:    tradingGate,
		control: control,
		jwt:     jwtManager,
		config:  cfg,
		log:     logger.With().Str("component", "api").Logger(),
	}
	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	read := s.router.Group("/api")
	read.GET("/signals", s.handleListSignals)
	read.GET("/signals/:id", s.handleGetSignal)
	read.GET("/signals/:id/logs", s.handleSignalLogs)
	read.GET("/gate", s.handleGetGate)

	write := s.router.Group("/api")
	if s.jwt != nil {
		write.Use(auth.Middleware(s.jwt))
	}
	write.POST("/signals", s.handleCreateSignal)
	write.POST("/gate", s.handleSetGate)
	write.POST("/reconcile", s.handleForceReconcile)
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info().Str("addr", addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
