package handlers

import (
	"net/http"
	"runtime"

	"github.com/gin-gonic/gin"

	"github.com/janovincze/shapesync/internal/api/models"
	"github.com/janovincze/shapesync/internal/config"
)

// VersionHandler serves build information.
type VersionHandler struct {
	version string
}

// NewVersionHandler creates a new VersionHandler.
func NewVersionHandler(version string) *VersionHandler {
	return &VersionHandler{version: version}
}

// GetVersion returns version information.
// GET /api/v1/version
func (h *VersionHandler) GetVersion(c *gin.Context) {
	c.JSON(http.StatusOK, models.VersionResponse{
		Version:    h.version,
		APIVersion: "v1",
		GoVersion:  runtime.Version(),
	})
}

// ConfigHandler serves the public part of the configuration.
type ConfigHandler struct {
	cfg *config.Config
}

// NewConfigHandler creates a new ConfigHandler.
func NewConfigHandler(cfg *config.Config) *ConfigHandler {
	return &ConfigHandler{cfg: cfg}
}

// GetConfig returns configuration safe to show unauthenticated clients. The
// database DSN is never included.
// GET /api/v1/config
func (h *ConfigHandler) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, models.ConfigResponse{
		Environment:     h.cfg.Environment,
		BaseURL:         h.cfg.API.BaseURL,
		Shapes:          h.cfg.Shapes.Tables,
		PageSize:        h.cfg.API.PageSize,
		LongPollTimeout: h.cfg.API.LongPollTimeout.String(),
		MetricsEnabled:  h.cfg.Metrics.Enabled,
	})
}
