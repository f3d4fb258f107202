// Package client provides the SOCKS5-tunneled HTTP client for the upstream
// onion service.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/proxy"

	"onion-proxy-go/internal/config"
	"onion-proxy-go/internal/metrics"
	"onion-proxy-go/internal/model"
)

// TorClient sends requests to the upstream onion service through the local
// SOCKS5 tunnel.
type TorClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewTorClient builds a client that dials every connection through the
// configured SOCKS5 endpoint. The upstream hostname is handed to the proxy
// unresolved, so name resolution happens at the tunnel exit — .onion names
// cannot be resolved locally.
// The metrics parameter is optional; pass nil to disable tunnel metrics.
func NewTorClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*TorClient, error) {
	dialer, err := proxy.SOCKS5("tcp", cfg.Socks.Addr(), nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer for %s: %w", cfg.Socks.Addr(), err)
	}
	return NewTorClientWithDialer(cfg, logger, m, dialer), nil
}

// NewTorClientWithDialer builds a client over an explicit dialer. Tests use
// proxy.Direct to reach httptest servers without a SOCKS proxy.
func NewTorClientWithDialer(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, dialer proxy.Dialer) *TorClient {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := dialer.(proxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return dialer.Dial(network, addr)
		},
		// Hidden services carry self-signed certificates; the onion
		// address itself authenticates the peer.
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true, //nolint:gosec // .onion services
		},
		// Small pool: each idle connection holds a Tor circuit.
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     30 * time.Second,
		DisableCompression:  true,
	}

	return &TorClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Upstream.Timeout(),
		},
		logger:  logger.With("component", "tor_client"),
		metrics: m,
	}
}

// Do executes an HTTP request through the tunnel and returns the raw response.
// The caller is responsible for closing the response body.
func (c *TorClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("tunnel request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.TunnelDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("tunnel request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.TunnelDuration.WithLabelValues(method).Observe(duration)
		c.metrics.TunnelResponses.WithLabelValues(method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// DoStream executes a request and returns the response body as a stream.
// The caller is responsible for closing the returned ReadCloser.
// The provided context controls the lifetime of the upstream request:
// when the context is canceled (e.g. client disconnects), the tunneled
// request is also canceled.
func (c *TorClient) DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader) (*model.ProxyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build tunnel request: %w", err)
	}
	req.Header = header

	return c.Do(req)
}
