// Package httpapi exposes the event bus over HTTP: publishing, querying,
// subscription management, and dead-letter operations.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/modkit/eventbus/pkg/eventbus"
	"github.com/modkit/eventbus/pkg/eventbus/config"
)

// Server is the HTTP front end of the bus.
type Server struct {
	bus    *eventbus.Bus
	cfg    config.ServerConfig
	logger *slog.Logger

	engine     *gin.Engine
	httpServer *http.Server
}

// NewServer creates the HTTP server around an already-running bus.
func NewServer(bus *eventbus.Bus, cfg config.ServerConfig, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.CORSOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.CORSOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	engine.Use(cors.New(corsConfig))

	s := &Server{
		bus:    bus,
		cfg:    cfg,
		logger: logger,
		engine: engine,
	}
	s.routes()

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout.Std(),
		WriteTimeout: cfg.WriteTimeout.Std(),
	}
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealth)

	api := s.engine.Group("/api")
	{
		api.POST("/events", s.handlePublish)
		api.GET("/events", s.handleQueryEvents)
		api.GET("/events/stats", s.handleStats)
		api.GET("/events/types", s.handleEventTypes)
		api.GET("/events/:event_id", s.handleGetEvent)
		api.DELETE("/events", s.handlePurge)

		api.POST("/subscriptions", s.handleSubscribe)
		api.GET("/subscriptions", s.handleListSubscriptions)
		api.GET("/subscriptions/:subscription_id", s.handleGetSubscription)
		api.POST("/subscriptions/:subscription_id/activate", s.handleActivate)
		api.POST("/subscriptions/:subscription_id/deactivate", s.handleDeactivate)

		api.GET("/deadletters", s.handleListDeadLetters)
		api.POST("/deadletters/:dead_letter_id/retry", s.handleRetryDeadLetter)
	}
}

// Handler returns the underlying handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves HTTP until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	if s.logger != nil {
		s.logger.Info("http server starting", slog.String("addr", s.cfg.Addr))
	}
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := s.cfg.ShutdownTimeout.Std()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
