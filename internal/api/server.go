// Package api is the administrative HTTP surface of the trading core.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"capital-autopilot-go/internal/admission"
	"capital-autopilot-go/internal/breaker"
	"capital-autopilot-go/internal/database"
	"capital-autopilot-go/internal/metrics"
	"capital-autopilot-go/internal/promotion"
	"capital-autopilot-go/internal/trader"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EngineStatus reports the control loop's state.
type EngineStatus interface {
	Status() trader.Status
}

// Server provides an HTTP interface for operators.
type Server struct {
	server    *http.Server
	router    *gin.Engine
	logger    *zap.Logger
	store     *database.Store
	breaker   *breaker.Breaker
	gate      *promotion.Gate
	admission *admission.Controller
	engine    EngineStatus
	metrics   *metrics.Metrics
}

// Deps are the collaborators the handlers act on.
type Deps struct {
	Store     *database.Store
	Breaker   *breaker.Breaker
	Gate      *promotion.Gate
	Admission *admission.Controller
	Engine    EngineStatus
	Metrics   *metrics.Metrics
}

// NewServer creates a new Server listening on port.
func NewServer(port int, deps Deps, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		router:    gin.New(),
		logger:    logger.Named("api-server"),
		store:     deps.Store,
		breaker:   deps.Breaker,
		gate:      deps.Gate,
		admission: deps.Admission,
		engine:    deps.Engine,
		metrics:   deps.Metrics,
	}
	s.router.Use(requestID(), s.accessLog(), s.recovery())
	s.routes()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.GET("/health", s.health)
	s.router.GET("/status", s.status)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	api := s.router.Group("/api")

	bots := api.Group("/bots/:id")
	bots.GET("", s.getBot)
	bots.GET("/position", s.getPosition)
	bots.POST("/pause", s.pauseBot)
	bots.POST("/resume", s.resumeBot)
	bots.POST("/confirm-live", s.confirmLive)
	bots.POST("/demote", s.demoteBot)
	bots.GET("/injections", s.listInjections)
	bots.POST("/capital", s.injectCapital)
	bots.GET("/trades", s.listTrades)

	users := api.Group("/users/:user")
	users.GET("/bots", s.listBots)
	users.GET("/breaker", s.breakerState)
	users.POST("/breaker/clear", s.clearHalt)
	users.POST("/autopilot", s.setAutopilot)
	users.GET("/profit", s.userProfit)
	users.GET("/safety-events", s.safetyEvents)

	api.GET("/admission/:exchange", s.admissionUsage)
}

// Start runs the HTTP server in a new goroutine.
func (s *Server) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request",
			zap.String("request_id", c.GetString("request_id")),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Handler panicked", zap.Any("panic", r), zap.String("path", c.Request.URL.Path))
				sendCustomError(c, http.StatusInternalServerError, codeInternal, "Internal server error")
				c.Abort()
			}
		}()
		c.Next()
	}
}
