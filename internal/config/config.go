// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/onion-proxy/config.toml",
	"configs/config.toml",
}

// DefaultOnionURL is the compiled-in upstream target used when neither the
// config file nor the ONION_URL override provides one.
const DefaultOnionURL = "https://duckduckgogg42xjoc72x3sjasowoarfbgcmvfimaftt6twagswzczad.onion"

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config    string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host      string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port      int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	OnionURL  string `kong:"help='Upstream onion service URL (overrides config).',env='ONION_URL'"`
	SocksHost string `kong:"help='Tor SOCKS5 host (overrides config).',env='SOCKS_HOST'"`
	SocksPort int    `kong:"help='Tor SOCKS5 port (overrides config).',env='SOCKS_PORT'"`
	LogLevel  string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Upstream  UpstreamConfig  `toml:"upstream"`
	Socks     SocksConfig     `toml:"socks"`
	Tor       TorConfig       `toml:"tor"`
	Readiness ReadinessConfig `toml:"readiness"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"` // 0 means "use default" (3000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64  `toml:"body_max_bytes"`
}

// UpstreamConfig holds the fixed onion target and tunnel settings.
type UpstreamConfig struct {
	OnionURL       string `toml:"onion_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// SocksConfig describes the local Tor SOCKS5 endpoint. It is fixed for the
// process lifetime.
type SocksConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// TorConfig controls how the Tor child process is launched.
type TorConfig struct {
	Binary   string `toml:"binary"`
	Torrc    string `toml:"torrc"`
	DataDir  string `toml:"data_dir"`
	Embedded bool   `toml:"embedded"` // launch via tornago instead of an external binary
}

// ReadinessConfig controls the startup probe against the SOCKS port.
type ReadinessConfig struct {
	MaxAttempts int `toml:"max_attempts"`
	IntervalMs  int `toml:"interval_ms"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file (if any) and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/onion-proxy/config.toml then configs/config.toml. A missing config
// file is not an error: every field has a compiled-in default, so the
// gateway can run from environment variables alone.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyCLI(cli)
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.OnionURL != "" {
		c.Upstream.OnionURL = cli.OnionURL
	}
	if cli.SocksHost != "" {
		c.Socks.Host = cli.SocksHost
	}
	if cli.SocksPort != 0 {
		c.Socks.Port = cli.SocksPort
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Upstream URL: must be a well-formed absolute base address (scheme +
	// host, no path). A malformed target fails here rather than surfacing
	// later as a 502 on every request.
	u, err := url.Parse(c.Upstream.OnionURL)
	if err != nil {
		return fmt.Errorf("upstream.onion_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upstream.onion_url must use http or https; got %q", c.Upstream.OnionURL)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream.onion_url has no host: %q", c.Upstream.OnionURL)
	}
	if u.Path != "" && u.Path != "/" {
		return fmt.Errorf("upstream.onion_url must not have a path; got %q", c.Upstream.OnionURL)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Socks.Host == "" {
		return fmt.Errorf("socks.host must not be empty")
	}
	if c.Socks.Port < 1 || c.Socks.Port > 65535 {
		return fmt.Errorf("socks.port must be 1–65535; got %d", c.Socks.Port)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Readiness.MaxAttempts < 1 {
		return fmt.Errorf("readiness.max_attempts must be at least 1; got %d", c.Readiness.MaxAttempts)
	}
	if c.Readiness.IntervalMs < 0 {
		return fmt.Errorf("readiness.interval_ms must be non-negative; got %d", c.Readiness.IntervalMs)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled {
		p := c.Metrics.Path
		if p == "" || p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		if p == "/health" || strings.HasPrefix(p, "/health/") {
			return fmt.Errorf("metrics.path %q conflicts with the health endpoint", p)
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with the compiled-in defaults.
// For integer fields (Port, MaxAttempts, etc.), zero means "unset" because
// TOML cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.OnionURL == "" {
		c.Upstream.OnionURL = DefaultOnionURL
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Socks.Host == "" {
		c.Socks.Host = "127.0.0.1"
	}
	if c.Socks.Port == 0 {
		c.Socks.Port = 9050
	}
	if c.Tor.Binary == "" {
		c.Tor.Binary = "tor"
	}
	if c.Readiness.MaxAttempts == 0 {
		c.Readiness.MaxAttempts = 60
	}
	if c.Readiness.IntervalMs == 0 {
		c.Readiness.IntervalMs = 1000
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Addr returns the SOCKS endpoint as host:port.
func (c *SocksConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Interval returns the probe interval as a duration.
func (c *ReadinessConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// Timeout returns the upstream request timeout as a duration.
func (c *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
