package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"datagate/internal/auth"
	"datagate/internal/config"
	"datagate/internal/ingest"
	"datagate/internal/monitor"
	"datagate/internal/pipeline"
	"datagate/internal/repository"
	"datagate/internal/resilience"
	"datagate/internal/storage"
	"datagate/internal/transport"
	"datagate/internal/transport/csvupload"
	wstransport "datagate/internal/transport/ws"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Server is the HTTP surface of the gateway: the legacy and generic ingest
// endpoints, CSV uploads, the WebSocket stream, and the health endpoints.
type Server struct {
	cfg        *config.Config
	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader

	router        *pipeline.Router
	states        pipeline.StateSource
	resolver      *storage.SensorResolver
	storageRouter *storage.Router
	dedup         *ingest.Deduplicator
	dlq           *ingest.DeadLetterQueue
	breakers      map[string]*resilience.CircuitBreaker
	deviceAuth    *auth.DeviceAuthenticator
	rateLimiter   *IngestRateLimiter

	csvJobs      *csvupload.JobManager
	csvProcessor *csvupload.Processor
	wsHandler    *wstransport.Handler
	transports   []transport.Transport

	log       *logrus.Entry
	lifecycle context.Context
}

// Deps bundles the server's collaborators.
type Deps struct {
	Config        *config.Config
	Router        *pipeline.Router
	States        pipeline.StateSource
	Resolver      *storage.SensorResolver
	StorageRouter *storage.Router
	Dedup         *ingest.Deduplicator
	DLQ           *ingest.DeadLetterQueue
	Breakers      map[string]*resilience.CircuitBreaker
	DeviceAuth    *auth.DeviceAuthenticator
	CSVJobs       *csvupload.JobManager
	CSVProcessor  *csvupload.Processor
	WSHandler     *wstransport.Handler
	Transports    []transport.Transport
	Log           *logrus.Entry
	Lifecycle     context.Context
}

// NewServer wires the HTTP server and its routes.
func NewServer(deps Deps) *Server {
	if deps.Config.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	if deps.Lifecycle == nil {
		deps.Lifecycle = context.Background()
	}

	s := &Server{
		cfg:    deps.Config,
		engine: gin.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		router:        deps.Router,
		states:        deps.States,
		resolver:      deps.Resolver,
		storageRouter: deps.StorageRouter,
		dedup:         deps.Dedup,
		dlq:           deps.DLQ,
		breakers:      deps.Breakers,
		deviceAuth:    deps.DeviceAuth,
		rateLimiter:   NewIngestRateLimiter(DefaultRateLimitConfig()),
		csvJobs:       deps.CSVJobs,
		csvProcessor:  deps.CSVProcessor,
		wsHandler:     deps.WSHandler,
		transports:    deps.Transports,
		log:           deps.Log,
		lifecycle:     deps.Lifecycle,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures middleware and endpoints.
func (s *Server) setupRoutes() {
	s.engine.Use(gin.Recovery())
	s.engine.Use(s.requestLog())
	s.engine.Use(s.clientRateLimit())

	ig := s.engine.Group("/ingest")
	{
		legacy := ig.Group("")
		if s.cfg.Features.DeviceAuth {
			legacy.Use(s.deviceAuthMiddleware())
		}
		legacy.POST("/packets", s.ingestPackets)
		legacy.POST("/readings", s.ingestReading)
		legacy.POST("/readings/bulk", s.ingestReadingsBulk)

		ig.POST("/data", s.ingestData)

		if s.cfg.Features.CSV {
			ig.POST("/csv", s.ingestCSV)
			ig.GET("/csv/jobs/:id", s.csvJobStatus)
		}
		if s.cfg.Features.WebSocket {
			ig.GET("/stream", s.serveWebSocket)
		}
	}

	s.engine.GET("/series/:id/status", s.seriesStatus)
	s.engine.GET("/health", s.health)
	s.engine.GET("/health/:backend", s.backendHealth)
	s.engine.GET("/resilience/health", s.resilienceHealth)
	s.engine.GET("/transports/stats", s.transportStats)
	s.engine.GET("/metrics", gin.WrapH(monitor.Handler()))
}

// serveWebSocket upgrades and hands the connection to the WS transport.
func (s *Server) serveWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	// Sessions outlive the upgrade request.
	go s.wsHandler.Serve(s.lifecycle, conn)
}

// health handles GET /health.
func (s *Server) health(c *gin.Context) {
	backends := s.storageRouter.Health(c.Request.Context())

	status := "ok"
	for _, b := range backends {
		if b.Configured && !b.Healthy {
			status = "degraded"
		}
	}
	if !s.dedup.Available() {
		status = "degraded"
	}

	allDown := true
	for _, b := range backends {
		if b.Configured && b.Healthy {
			allDown = false
		}
	}
	if allDown {
		status = "down"
	}

	code := http.StatusOK
	if status == "down" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "details": backends})
}

// backendHealth handles GET /health/:backend.
func (s *Server) backendHealth(c *gin.Context) {
	name := c.Param("backend")
	backends := s.storageRouter.Health(c.Request.Context())
	b, ok := backends[name]
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Reason: "unknown_backend", Detail: name})
		return
	}

	status := "ok"
	code := http.StatusOK
	if !b.Configured {
		status = "down"
		code = http.StatusServiceUnavailable
	} else if !b.Healthy {
		status = "down"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "details": b})
}

// resilienceHealth handles GET /resilience/health.
func (s *Server) resilienceHealth(c *gin.Context) {
	breakers := make(map[string]resilience.BreakerStatus, len(s.breakers))
	for name, cb := range s.breakers {
		breakers[name] = cb.Status()
	}
	resp := gin.H{
		"dedup":    gin.H{"available": s.dedup.Available()},
		"dlq":      gin.H{"depth": s.dlq.Depth(c.Request.Context())},
		"breakers": breakers,
	}
	if cs, ok := s.states.(interface{ CacheStats() repository.CacheStats }); ok {
		resp["state_cache"] = cs.CacheStats()
	}
	c.JSON(http.StatusOK, resp)
}

// transportStats handles GET /transports/stats.
func (s *Server) transportStats(c *gin.Context) {
	out := make(map[string]transport.StatsSnapshot, len(s.transports))
	for _, t := range s.transports {
		out[t.Name()] = t.Stats()
	}
	c.JSON(http.StatusOK, out)
}

// Engine exposes the gin engine; tests drive it through httptest.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Start runs the HTTP server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:      s.engine,
		ReadTimeout:  s.cfg.Server.ReadTimeout.Std(),
		WriteTimeout: s.cfg.Server.WriteTimeout.Std(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.httpServer.Addr).Info("http server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
