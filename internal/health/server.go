package health

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type componentResponse struct {
	Status     string                 `json:"status"`
	Components map[string]CheckResult `json:"components,omitempty"`
	Failing    []string               `json:"failing,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// RegisterRoutes mounts /health, /health/live and /health/ready on r.
// A nil manager always reports healthy.
func RegisterRoutes(r gin.IRoutes, m *Manager) {
	r.GET("/health", func(c *gin.Context) {
		if m == nil {
			c.JSON(http.StatusOK, componentResponse{Status: string(StatusHealthy), Timestamp: time.Now()})
			return
		}
		o := m.Overall(c.Request.Context())
		code := http.StatusOK
		if o.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, componentResponse{
			Status:     string(o.Status),
			Components: o.Components,
			Failing:    o.Failing,
			Timestamp:  o.Timestamp,
		})
	})

	r.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, componentResponse{Status: "alive", Timestamp: time.Now()})
	})

	r.GET("/health/ready", func(c *gin.Context) {
		if m != nil && !m.Ready(c.Request.Context()) {
			c.JSON(http.StatusServiceUnavailable, componentResponse{Status: "not_ready", Timestamp: time.Now()})
			return
		}
		c.JSON(http.StatusOK, componentResponse{Status: "ready", Timestamp: time.Now()})
	})
}

// Server is the worker's standalone health and metrics listener.
type Server struct {
	router *gin.Engine
	server *http.Server
	logger *slog.Logger
}

// NewServer creates a server on addr serving health routes and, when
// withMetrics is set, /metrics.
func NewServer(addr string, m *Manager, withMetrics bool, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	RegisterRoutes(router, m)
	if withMetrics {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	return &Server{
		router: router,
		server: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		logger: logger.With("component", "health-server"),
	}
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("starting health server", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping health server")
	return s.server.Shutdown(ctx)
}

// Handler returns the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
