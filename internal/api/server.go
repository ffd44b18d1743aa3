// Package api provides the HTTP server for the shape endpoint and the CRUD API.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/janovincze/shapesync/internal/api/handlers"
	"github.com/janovincze/shapesync/internal/api/live"
	"github.com/janovincze/shapesync/internal/api/middleware"
	"github.com/janovincze/shapesync/internal/api/services"
	"github.com/janovincze/shapesync/internal/config"
	"github.com/janovincze/shapesync/internal/health"
	"github.com/janovincze/shapesync/internal/metrics"
	"github.com/janovincze/shapesync/internal/shape"
)

// Server is the HTTP API server.
type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	httpServer *http.Server
	router     *gin.Engine
	hub        *live.Hub
}

// ServerConfig holds the server's dependencies. Nil services leave their
// routes unmounted.
type ServerConfig struct {
	Config        *config.Config
	Logger        *slog.Logger
	HealthManager *health.Manager

	ShapeService *services.ShapeService
	LiveHub      *live.Hub
	ItemService  *services.ItemService
	RowService   *services.RowService
}

// NewServer creates a new API server.
func NewServer(sc ServerConfig) *Server {
	logger := sc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := sc.Config

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	if cfg.Metrics.Enabled {
		metrics.Register()
	}

	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery(logger))
	if cfg.Metrics.Enabled {
		router.Use(middleware.Metrics())
	}
	router.Use(middleware.Logger(logger))
	router.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: cfg.API.CORSOrigins,
		MaxAge:         12 * time.Hour,
	}))
	router.Use(middleware.RateLimiter(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.API.RateLimitRPS,
		BurstSize:         cfg.API.RateLimitBurst,
		PerClient:         true,
		ClientTTL:         time.Hour,
	}))

	s := &Server{
		cfg:    cfg,
		logger: logger.With("component", "api-server"),
		router: router,
		hub:    sc.LiveHub,
	}
	s.registerRoutes(sc)

	// Live requests hold the connection for the long-poll timeout, so the
	// write timeout must outlast it.
	writeTimeout := cfg.API.WriteTimeout
	if floor := cfg.API.LongPollTimeout + 5*time.Second; writeTimeout < floor {
		writeTimeout = floor
	}
	s.httpServer = &http.Server{
		Addr:         cfg.API.ListenAddr,
		Handler:      router,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  cfg.API.ReadTimeout * 4,
	}
	return s
}

func (s *Server) registerRoutes(sc ServerConfig) {
	health.RegisterRoutes(s.router, sc.HealthManager)
	if s.cfg.Metrics.Enabled {
		s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	if sc.ShapeService != nil {
		shapes := s.router.Group(shape.PathPrefix)
		shapes.GET("/:name", handlers.NewShapeHandler(sc.ShapeService).Get)
		if sc.LiveHub != nil {
			shapes.GET("/:name/live", handlers.NewLiveHandler(sc.LiveHub, sc.ShapeService.Allowed).Subscribe)
		}
	}

	v1 := s.router.Group("/api/v1")
	v1.GET("/version", handlers.NewVersionHandler(s.cfg.Version).GetVersion)
	v1.GET("/config", handlers.NewConfigHandler(s.cfg).GetConfig)

	if sc.ItemService != nil {
		items := handlers.NewItemHandler(sc.ItemService)
		v1.GET("/items", items.List)
		v1.POST("/items", items.Create)
		v1.DELETE("/items", items.Clear)
		v1.DELETE("/items/:id", items.Delete)
	}

	if sc.RowService != nil {
		rows := handlers.NewRowHandler(sc.RowService)
		v1.GET("/shapes/:shapeSlug", rows.List)
		v1.POST("/shapes/:shapeSlug", rows.Insert)
		v1.DELETE("/shapes/:shapeSlug", rows.Delete)
	}
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("starting API server", "addr", s.cfg.API.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop closes live websockets and shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping API server")
	if s.hub != nil {
		s.hub.Close()
	}
	return s.httpServer.Shutdown(ctx)
}

// Router returns the underlying Gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}
