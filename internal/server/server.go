package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"relay-fleet/config"
	"relay-fleet/internal/handler"
	"relay-fleet/internal/metrics"
	"relay-fleet/internal/middleware"
	"relay-fleet/internal/transport/httpdto"
	"relay-fleet/internal/websocket"
	"relay-fleet/pkg/database"
	"relay-fleet/pkg/logger"
)

type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	config     *config.Config
	logger     *logger.Logger
}

var (
	ReleaseMode = "release"
	DebugMode   = "debug"
	TestMode    = "test"
)

type Handlers struct {
	Fleet     *handler.FleetHandler
	Server    *handler.ServerHandler
	WebSocket *websocket.Handler
}

// Auth carries what the route groups need to authenticate callers.
type Auth struct {
	Tokens  middleware.TokenParser
	Servers middleware.ServerAuthenticator
	Limiter middleware.SecretLimiter
}

func New(cfg *config.Config, l *logger.Logger) *Server {
	switch cfg.App.Mode {
	case ReleaseMode:
		gin.SetMode(gin.ReleaseMode)
	case TestMode:
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%s", cfg.App.Port),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
		engine: engine,
		config: cfg,
		logger: l,
	}
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) SetupRoutes(handlers *Handlers, a Auth, db *gorm.DB) {
	s.engine.Use(middleware.RequestIDMiddleware())
	s.engine.Use(middleware.LoggingMiddleware(s.logger))
	s.engine.Use(middleware.ErrorHandler(s.logger))

	s.engine.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"message": "pong"}))
	})

	s.engine.GET("/health", func(c *gin.Context) {
		if db != nil {
			if err := database.Ping(c.Request.Context(), db); err != nil {
				c.JSON(http.StatusServiceUnavailable, httpdto.NewErrorResponse(err.Error(), "UNHEALTHY"))
				return
			}
		}
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"status": "healthy"}))
	})

	s.engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	admin := s.engine.Group("/api/v1")
	if handlers.WebSocket != nil {
		admin.GET("/ws/fleet", handlers.WebSocket.Connect)
	}
	admin.Use(middleware.AdminAuth(a.Tokens))
	{
		admin.GET("/fleet", handlers.Fleet.Snapshot)
		admin.POST("/fleet/provision", handlers.Fleet.Provision)
		admin.DELETE("/fleet/servers/:id", handlers.Fleet.Deprovision)
		admin.POST("/fleet/stream-state", handlers.Fleet.SetStreamState)
		admin.POST("/fleet/autoscaler", handlers.Fleet.SetAutoscaler)
		admin.POST("/users/:id/assign", handlers.Fleet.AssignUser)
		admin.GET("/users/:id/queue-position", handlers.Fleet.QueuePosition)
	}

	media := s.engine.Group("/api/server", middleware.ServerAuth(a.Servers, a.Limiter))
	{
		media.POST("/heartbeat", handlers.Server.Heartbeat)
		media.POST("/sessions", handlers.Server.OpenSession)
		media.POST("/sessions/:id/heartbeat", handlers.Server.TouchSession)
		media.DELETE("/sessions/:id", handlers.Server.CloseSession)
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if s.logger != nil {
			s.logger.Infof("Starting the server on port %s...", s.config.App.Port)
		}
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	if s.logger != nil {
		s.logger.Infof("Shutdown signal received, draining connections")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		if s.logger != nil {
			s.logger.Errorf("Error in the graceful shutdown of the server: %s", err)
		}
		return err
	}

	if s.logger != nil {
		s.logger.Infof("Server stopped gracefully")
	}
	return nil
}
