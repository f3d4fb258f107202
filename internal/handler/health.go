package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"onion-proxy-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves the liveness endpoint. It reports process-level
// liveness and the configured target only — deliberately no upstream
// connectivity check, so the endpoint stays cheap and dependency-free.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	now     func() time.Time
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, now: time.Now}
}

// Health always returns 200 with the current configuration, independent of
// SOCKS or upstream availability.
func (h *HealthHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":    "ok",
		"onion_url": h.cfg.Upstream.OnionURL,
		"timestamp": h.now().UTC().Format(time.RFC3339),
		"version":   string(h.version),
	})
}
