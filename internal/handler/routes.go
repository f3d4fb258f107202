package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"onion-proxy-go/internal/config"
	"onion-proxy-go/internal/metrics"
)

// HealthPath is answered locally and never reaches the forwarding proxy.
const HealthPath = "/health"

// RegisterRoutes wires all route handlers onto the Echo instance. The
// catch-all proxy route is registered last; Echo's static routes take
// precedence over the wildcard.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler, cfg *config.Config, m *metrics.Metrics) {
	e.GET(HealthPath, health.Health)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(
			promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}),
		))
	}

	e.Any("/*", proxy.Handle)
}
