// Package middleware provides Echo middleware for logging and security.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"onion-proxy-go/internal/metrics"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// The route field separates locally-answered paths (/health, /metrics) from
// traffic that went through the tunnel.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			logger.Info("request",
				"method", req.Method,
				"path", req.URL.Path,
				"route", metrics.NormalizePath(req.URL.Path),
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			)

			return err
		}
	}
}
