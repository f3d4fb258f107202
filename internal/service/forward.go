// Package service implements the request-forwarding pipeline.
package service

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"onion-proxy-go/internal/client"
	"onion-proxy-go/internal/config"
	"onion-proxy-go/internal/model"
)

// ForwardService rewrites inbound requests onto the fixed onion target and
// sends them through the tunnel. It never retries: any failure belongs to
// the single request that hit it.
type ForwardService struct {
	client *client.TorClient
	cfg    *config.Config
	logger *slog.Logger
	hooks  Hooks
	target *url.URL
}

// NewForwardService creates a ForwardService. The upstream target has
// already been validated at config load; the parse here only materializes
// the URL value.
func NewForwardService(c *client.TorClient, cfg *config.Config, logger *slog.Logger, hooks Hooks) (*ForwardService, error) {
	u, err := url.Parse(cfg.Upstream.OnionURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream onion_url: %w", err)
	}

	return &ForwardService{
		client: c,
		cfg:    cfg,
		logger: logger.With("component", "forward_service"),
		hooks:  hooks,
		target: u,
	}, nil
}

// Target returns the configured upstream target string.
func (s *ForwardService) Target() string {
	return s.cfg.Upstream.OnionURL
}

// Forward sends a ProxyRequest to the upstream onion service and returns
// the response. The caller is responsible for closing the response body.
//
// The destination is rewritten to the fixed target, preserving method,
// path, query and body. The only request-path header additions are
// X-Forwarded-For and X-Real-IP carrying the original client address.
// Hooks fire synchronously: OnRequest before the tunnel call, then exactly
// one of OnResponse or OnError.
func (s *ForwardService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	upstreamURL := s.buildUpstreamURL(pr.Path, pr.Query)
	header := s.buildRequestHeaders(pr)

	s.hooks.OnRequest(pr)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, upstreamURL, header, pr.Body)
	if err != nil {
		err = fmt.Errorf("forward to upstream: %w", err)
		s.hooks.OnError(err)
		return nil, err
	}

	s.hooks.OnResponse(resp)
	return resp, nil
}

// buildUpstreamURL grafts the inbound path and query onto the fixed target.
func (s *ForwardService) buildUpstreamURL(path string, query url.Values) string {
	u := *s.target
	u.Path = path
	u.RawQuery = query.Encode()
	return u.String()
}

// buildRequestHeaders copies the inbound headers and injects the client
// address for upstream observability. Hop-by-hop headers were already
// stripped by middleware; everything else passes through untouched.
func (s *ForwardService) buildRequestHeaders(pr *model.ProxyRequest) http.Header {
	dst := make(http.Header, len(pr.Header))
	for key, vals := range pr.Header {
		dst[key] = vals
	}

	if pr.RemoteIP != "" {
		forwarded := pr.RemoteIP
		if prior := dst.Get("X-Forwarded-For"); prior != "" {
			forwarded = strings.Join([]string{prior, pr.RemoteIP}, ", ")
		}
		dst.Set("X-Forwarded-For", forwarded)
		dst.Set("X-Real-IP", pr.RemoteIP)
	}

	return dst
}
