package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"onion-proxy-go/internal/client"
	"onion-proxy-go/internal/config"
	"onion-proxy-go/internal/handler"
	"onion-proxy-go/internal/metrics"
	"onion-proxy-go/internal/middleware"
	"onion-proxy-go/internal/service"
	"onion-proxy-go/internal/tor"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("onion-proxy"),
		kong.Description("Plain-HTTP gateway for a single Tor onion service."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	cfg, err := config.Load(&cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "onion-proxy: %v\n", err)
		os.Exit(1)
	}

	newApp(cfg).Run()
}

// newApp wires the dependency graph. Config is resolved by the caller so the
// start timeout can be sized to the configured readiness budget.
func newApp(cfg *config.Config, opts ...fx.Option) *fx.App {
	base := []fx.Option{
		fx.StartTimeout(startTimeout(cfg)),
		fx.Provide(
			func() *config.Config { return cfg },
			func() handler.Version { return handler.Version(version) },
			newLogger,
			newEcho,
			metrics.New,
			tor.NewSupervisor,
			client.NewTorClient,
			service.NewLogHooks,
			service.NewForwardService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(startTor, handler.RegisterRoutes, startServer),
	}
	return fx.New(append(base, opts...)...)
}

// startTimeout covers the full readiness probe budget plus slack for the tor
// spawn and HTTP listener bind, however large the budget is configured.
func startTimeout(cfg *config.Config) time.Duration {
	budget := time.Duration(cfg.Readiness.MaxAttempts) * cfg.Readiness.Interval()
	return budget + time.Minute
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout is disabled (0) to avoid cutting off valid long-running
	// streamed responses; onion round-trips are slow. Protection comes from
	// the tunnel client timeout, ReadTimeout, and IdleTimeout.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}

	return e
}

// startTor orders the startup sequence: spawn the tor daemon, then block on
// the readiness gate. Either failure aborts app start, so the HTTP listener
// never binds without a ready tunnel and the process exits non-zero.
func startTor(lc fx.Lifecycle, sup *tor.Supervisor, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := sup.Start(ctx); err != nil {
				logger.Error("tor startup failed", "err", err)
				return err
			}

			gate := tor.NewGate(logger, m)
			if err := gate.AwaitReady(ctx, cfg.Socks.Addr(), cfg.Readiness.MaxAttempts, cfg.Readiness.Interval()); err != nil {
				logger.Error("readiness gate failed",
					"err", err,
					"socks_addr", cfg.Socks.Addr(),
				)
				return fmt.Errorf("await socks readiness: %w", err)
			}
			return nil
		},
		OnStop: func(_ context.Context) error {
			return sup.Stop()
		},
	})
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server",
				"addr", addr,
				"onion_url", cfg.Upstream.OnionURL,
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
