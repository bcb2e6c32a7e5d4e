// Package gatewayhttp is the gateway's HTTP front: route table,
// limiter-gated middleware, request forwarding, and error mapping.
//
// Structure lifted from Altacee-dockation/internal/server/router.go's
// Server/setupRouter: gin.New() + gin.Recovery() + a logging middleware
// + a CORS middleware, /health and /metrics, an /api group, and a /ws
// route.
package gatewayhttp

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/voicecluster/controlplane/internal/broadcaster"
	"github.com/voicecluster/controlplane/internal/config"
	"github.com/voicecluster/controlplane/internal/observability"
	"github.com/voicecluster/controlplane/internal/ratelimiter"
	"github.com/voicecluster/controlplane/internal/registry"
)

// Server is the gateway's HTTP front.
type Server struct {
	cfg     *config.GatewayConfig
	reg     *registry.Registry
	limiter *ratelimiter.Limiter
	hub     *broadcaster.Hub
	anns    *registry.AnnouncementStore
	logger  *observability.Logger
	health  *observability.HealthChecker
	metrics *observability.Metrics

	httpClient *http.Client
	router     *gin.Engine
	srv        *http.Server
	startedAt  time.Time
}

// New builds the gateway HTTP server and its route table.
func New(
	cfg *config.GatewayConfig,
	reg *registry.Registry,
	limiter *ratelimiter.Limiter,
	hub *broadcaster.Hub,
	anns *registry.AnnouncementStore,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
	logger *observability.Logger,
) *Server {
	if cfg.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:        cfg,
		reg:        reg,
		limiter:    limiter,
		hub:        hub,
		anns:       anns,
		logger:     logger,
		health:     health,
		metrics:    metrics,
		httpClient: &http.Client{}, // each forward call's deadline comes from its handler's context
		startedAt:  time.Now(),
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.loggingMiddleware())
	r.Use(s.corsMiddleware())

	r.GET("/health", s.Health)
	r.GET("/ready", s.health.ReadyHandler())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", s.hub.HandleWebSocket)

	api := r.Group("/api")
	api.Use(s.rateLimitMiddleware())
	{
		api.GET("/health", s.Health)
		api.GET("/status", s.Status)

		api.POST("/nodes/register", s.RegisterNode)
		api.DELETE("/nodes/:id", s.UnregisterNode)
		api.POST("/nodes/:id/heartbeat", s.Heartbeat)
		api.GET("/nodes", s.ListNodes)
		api.GET("/nodes/:id", s.GetNode)
		api.POST("/nodes/:id/command", s.SendCommand)

		api.POST("/synthesize", s.Synthesize)
		api.POST("/extract_voice", s.ExtractVoice)
		api.POST("/batch_synthesize", s.BatchSynthesize)

		api.GET("/announcements", s.ListAnnouncements)
		api.POST("/announcements", s.CreateAnnouncement)
		api.DELETE("/announcements/:id", s.DeleteAnnouncement)
	}

	s.router = r
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" || c.Request.URL.Path == "/ready" {
			c.Next()
			return
		}
		c.Next()
		s.logger.InfoRedacted("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.String("ip", c.ClientIP()),
		)
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// rateLimitMiddleware gates every /api route through the limiter; non-API
// paths (health, metrics, ws) never pass through this group, per
// spec.md §4.4.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.limiter.Admit(c.ClientIP(), c.FullPath()); err != nil {
			if s.metrics != nil {
				s.metrics.RecordRateLimitRejection("window")
			}
			writeError(c, err)
			c.Abort()
			return
		}
		if err := s.limiter.AcquireConcurrent(); err != nil {
			if s.metrics != nil {
				s.metrics.RecordRateLimitRejection("concurrency")
			}
			writeError(c, err)
			c.Abort()
			return
		}
		if s.metrics != nil {
			s.metrics.SetConcurrentRequests(float64(s.limiter.GetStats().CurrentConcurrent))
		}
		defer func() {
			s.limiter.ReleaseConcurrent()
			if s.metrics != nil {
				s.metrics.SetConcurrentRequests(float64(s.limiter.GetStats().CurrentConcurrent))
			}
		}()
		c.Next()
	}
}

// Start runs the hub and the HTTP listener; it blocks until the
// listener stops.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	s.srv = &http.Server{Addr: s.cfg.HTTPAddr, Handler: s.router}
	s.logger.Info("starting gateway HTTP server", zap.String("addr", s.cfg.HTTPAddr))

	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts down the HTTP listener.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping gateway HTTP server")
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// SystemStatus implements broadcaster.StatusProvider.
func (s *Server) SystemStatus() interface{} {
	return s.buildStatus()
}

func (s *Server) buildStatus() gin.H {
	stats := s.reg.GetStats()
	limiterStats := s.limiter.GetStats()
	return gin.H{
		"registry":      stats,
		"rate_limiter":  limiterStats,
		"announcements": s.anns.List(),
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
	}
}
