// Package tor manages the local Tor child process and the startup
// readiness probe against its SOCKS endpoint.
package tor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/time/rate"

	"onion-proxy-go/internal/metrics"
)

// probeTimeout bounds a single TCP connect attempt. Probes against a port
// nobody listens on fail immediately; this only matters when the SYN is
// silently dropped.
const probeTimeout = 2 * time.Second

// State describes the readiness gate's position in its lifecycle.
// Ready and Failed are terminal for a given process lifetime.
type State int

// Readiness states.
const (
	StateNotStarted State = iota
	StateProbing
	StateReady
	StateFailed
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateProbing:
		return "probing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TimeoutError is returned when the probe budget is exhausted without the
// SOCKS endpoint ever accepting a connection.
type TimeoutError struct {
	Addr     string
	Attempts int
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("socks endpoint %s not ready after %d attempts", e.Addr, e.Attempts)
}

// Gate blocks startup until the SOCKS endpoint accepts TCP connections.
// The gate is single-use: its state is owned here and only the terminal
// outcome is reported to the caller through the returned error.
type Gate struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	state   State
}

// NewGate creates a readiness gate. The metrics parameter is optional;
// pass nil to disable probe metrics recording.
func NewGate(logger *slog.Logger, m *metrics.Metrics) *Gate {
	return &Gate{
		logger:  logger.With("component", "readiness_gate"),
		metrics: m,
		state:   StateNotStarted,
	}
}

// AwaitReady probes addr with plain TCP connects until one succeeds or
// maxAttempts is exhausted. The connection is closed as soon as it opens;
// a successful connect means "tunnel usable", not full upstream
// reachability. Attempts are spaced by a fixed interval with no backoff:
// the first probe fires immediately and each following probe waits out the
// interval, so exhausting N attempts takes at least (N-1) intervals. On
// exhaustion a *TimeoutError carrying the attempt count is returned.
// Context cancellation aborts the wait early.
func (g *Gate) AwaitReady(ctx context.Context, addr string, maxAttempts int, interval time.Duration) error {
	g.state = StateProbing

	limiter := rate.NewLimiter(rate.Every(interval), 1)
	var d net.Dialer

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			g.state = StateFailed
			return err
		}

		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		conn, err := d.DialContext(probeCtx, "tcp", addr)
		cancel()

		if g.metrics != nil {
			g.metrics.ReadinessProbes.Inc()
		}

		if err == nil {
			_ = conn.Close()
			g.state = StateReady
			g.logger.Info("socks endpoint ready",
				"addr", addr,
				"attempt", attempt,
			)
			return nil
		}

		g.logger.Debug("socks endpoint not ready",
			"addr", addr,
			"attempt", attempt,
			"err", err,
		)
	}

	g.state = StateFailed
	return &TimeoutError{Addr: addr, Attempts: maxAttempts}
}

// State returns the gate's current lifecycle state.
func (g *Gate) State() State {
	return g.state
}
