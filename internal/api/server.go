// Package api is the ops HTTP surface of a worker process: health, engine
// state per symbol, configuration patches, recent lifecycle events and
// Prometheus metrics.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"perp-monitor/config"
	"perp-monitor/internal/configpatch"
	"perp-monitor/internal/events"
	"perp-monitor/internal/logging"
	"perp-monitor/internal/metrics"
	"perp-monitor/internal/monitor"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// StateSource reports the EngineState of every scheduled symbol
type StateSource interface {
	States() []monitor.EngineState
}

// StatesFunc adapts a function to StateSource
type StatesFunc func() []monitor.EngineState

func (f StatesFunc) States() []monitor.EngineState { return f() }

// Deps are the read models the server exposes. Only States is required.
type Deps struct {
	States  StateSource
	Patches configpatch.Store
	Events  *events.EventBus
	Metrics *metrics.Metrics
	Risk    *config.RiskSource
}

// Server represents the ops HTTP server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     config.ServerConfig
	deps       Deps
	hub        *WSHub
	logger     *logging.Logger
	started    time.Time
}

// NewServer creates the server and registers its routes
func NewServer(cfg config.ServerConfig, deps Deps, logger *logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	l := logger.WithComponent("api")

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.GinMiddleware(l))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins(cfg.AllowedOrigins)
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:  router,
		config:  cfg,
		deps:    deps,
		logger:  l,
		started: time.Now(),
	}
	if deps.Events != nil {
		s.hub = NewWSHub(l)
		go s.hub.Run()
		deps.Events.SubscribeAll(s.hub.BroadcastEvent)
	}

	s.setupRoutes()
	return s
}

func allowedOrigins(list string) []string {
	var out []string
	for _, o := range strings.Split(list, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		out = []string{"http://localhost:5173"}
	}
	return out
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/status", s.handleStatus)
	s.router.GET("/status/:symbol", s.handleSymbolStatus)
	s.router.GET("/risk", s.handleRisk)
	s.router.GET("/patches", s.handlePatchAudit)
	s.router.POST("/patches", s.handleApplyPatch)
	s.router.GET("/events", s.handleRecentEvents)
	if s.hub != nil {
		s.router.GET("/ws/events", s.handleWebSocket)
	}
	if s.deps.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.WithField("addr", addr).Info("starting ops server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down ops server")
	if s.hub != nil {
		s.hub.Stop()
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
