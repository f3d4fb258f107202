package service

import (
	"log/slog"

	"onion-proxy-go/internal/model"
)

// Hooks intercepts the forwarding pipeline. The service invokes the methods
// synchronously in a fixed order: OnRequest before the tunnel call, then
// exactly one of OnResponse or OnError.
type Hooks interface {
	OnRequest(pr *model.ProxyRequest)
	OnResponse(resp *model.ProxyResponse)
	OnError(err error)
}

// LogHooks is the default Hooks implementation; it traces the pipeline to
// the structured log.
type LogHooks struct {
	logger *slog.Logger
}

// NewLogHooks creates the default logging hooks.
func NewLogHooks(logger *slog.Logger) Hooks {
	return &LogHooks{logger: logger.With("component", "forward_hooks")}
}

// OnRequest logs the outbound request before it enters the tunnel.
func (h *LogHooks) OnRequest(pr *model.ProxyRequest) {
	h.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
	)
}

// OnResponse logs the upstream response.
func (h *LogHooks) OnResponse(resp *model.ProxyResponse) {
	h.logger.Debug("upstream response",
		"status", resp.StatusCode,
	)
}

// OnError logs a forwarding failure.
func (h *LogHooks) OnError(err error) {
	h.logger.Debug("forwarding failed",
		"err", err,
	)
}
