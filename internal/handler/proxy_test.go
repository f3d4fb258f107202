package handler

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"golang.org/x/net/proxy"

	"onion-proxy-go/internal/client"
	"onion-proxy-go/internal/config"
	"onion-proxy-go/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(upstream string) *config.Config {
	return &config.Config{
		Socks:    config.SocksConfig{Host: "127.0.0.1", Port: 9050},
		Upstream: config.UpstreamConfig{OnionURL: upstream, TimeoutSeconds: 10},
	}
}

// newTestProxyHandler builds a ProxyHandler whose tunnel is a plain dialer,
// so tests can point it at httptest servers.
func newTestProxyHandler(t *testing.T, cfg *config.Config) *ProxyHandler {
	t.Helper()
	c := client.NewTorClientWithDialer(cfg, testLogger(), nil, proxy.Direct)
	svc, err := service.NewForwardService(c, cfg, testLogger(), service.NewLogHooks(testLogger()))
	if err != nil {
		t.Fatalf("NewForwardService: %v", err)
	}
	return NewProxyHandler(svc, testLogger(), "test")
}

// deadAddr returns a loopback address with nothing listening.
func deadAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func TestProxyHandler_Handle_Success(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("X-Hidden-Service", "yes")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html>onion content</html>"))
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, testConfig(upstream.URL))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/page?x=1", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Body.String(); got != "<html>onion content</html>" {
		t.Errorf("body = %q, want upstream body verbatim", got)
	}

	// Marker header added; upstream headers preserved.
	if got := rec.Header().Get(MarkerHeader); !strings.HasPrefix(got, "onion-proxy-go/") {
		t.Errorf("%s = %q, want onion-proxy-go/<version>", MarkerHeader, got)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/html" {
		t.Errorf("Content-Type = %q, want %q", got, "text/html")
	}
	if got := rec.Header().Get("X-Hidden-Service"); got != "yes" {
		t.Errorf("X-Hidden-Service = %q, want %q", got, "yes")
	}
}

func TestProxyHandler_Handle_UpstreamStatusPassthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, testConfig(upstream.URL))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	// Non-2xx upstream statuses are not errors; they pass through verbatim.
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}
	if rec.Body.String() != "short and stout" {
		t.Errorf("body = %q, want upstream body", rec.Body.String())
	}
}

func TestProxyHandler_Handle_TunnelFailure(t *testing.T) {
	target := "http://" + deadAddr(t)
	h := newTestProxyHandler(t, testConfig(target))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/anything", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v; failures must render, not propagate", err)
	}

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}

	body := rec.Body.String()
	if !strings.Contains(body, target) {
		t.Errorf("error page missing configured target %q: %q", target, body)
	}
	if !strings.Contains(body, "refused") && !strings.Contains(body, "connect") {
		t.Errorf("error page missing failure text: %q", body)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, echo.MIMETextHTML) {
		t.Errorf("Content-Type = %q, want HTML", ct)
	}
}

func TestProxyHandler_Handle_ErrorBodyEscaped(t *testing.T) {
	// The error text lands inside HTML; template escaping must neutralize
	// any markup that rides along in the request-derived error string.
	target := "http://" + deadAddr(t)
	h := newTestProxyHandler(t, testConfig(target))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/%3Cscript%3E", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if strings.Contains(rec.Body.String(), "<script>") {
		t.Errorf("error page contains unescaped markup: %q", rec.Body.String())
	}
}

func TestProxyHandler_Handle_SpoofedForwardedForNotTrusted(t *testing.T) {
	var gotForwardedFor, gotRealIP string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotForwardedFor = r.Header.Get("X-Forwarded-For")
		gotRealIP = r.Header.Get("X-Real-IP")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, testConfig(upstream.URL))

	e := echo.New()
	// A client lying about its chain: the injected headers must carry the
	// transport peer (httptest requests arrive from 192.0.2.1), with the
	// claimed entry preserved in front, never duplicated in its place.
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("X-Forwarded-For", "10.9.9.9")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if gotForwardedFor != "10.9.9.9, 192.0.2.1" {
		t.Errorf("X-Forwarded-For = %q, want %q", gotForwardedFor, "10.9.9.9, 192.0.2.1")
	}
	if gotRealIP != "192.0.2.1" {
		t.Errorf("X-Real-IP = %q, want %q", gotRealIP, "192.0.2.1")
	}
}

func TestProxyHandler_Handle_UpstreamHeaderOverridesDefaults(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Frame-Options", "SAMEORIGIN")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, testConfig(upstream.URL))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	// Middleware may have pre-set a default before the handler ran.
	c.Response().Header().Set("X-Frame-Options", "DENY")

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if got := rec.Header().Values("X-Frame-Options"); len(got) != 1 || got[0] != "SAMEORIGIN" {
		t.Errorf("X-Frame-Options = %v, want [SAMEORIGIN]", got)
	}
}

func TestProxyHandler_Handle_ForwardsBody(t *testing.T) {
	var gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusCreated)
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, testConfig(upstream.URL))

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader("form=data"))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	if gotBody != "form=data" {
		t.Errorf("upstream body = %q, want %q", gotBody, "form=data")
	}
}
