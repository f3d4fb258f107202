package handler

import (
	"bytes"
	"html/template"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"

	"onion-proxy-go/internal/model"
	"onion-proxy-go/internal/service"
)

// MarkerHeader identifies the gateway on every successfully proxied response.
const MarkerHeader = "X-Onion-Proxy"

// errorPageTmpl is the fixed-shape document returned for any forwarding
// failure. It carries only the configured target and the error text;
// html/template escaping keeps raw transport errors from injecting markup.
var errorPageTmpl = template.Must(template.New("gateway_error").Parse(`<!DOCTYPE html>
<html>
<head><title>502 Bad Gateway</title></head>
<body>
<h1>502 Bad Gateway</h1>
<p>The gateway could not reach <code>{{.Target}}</code> through the Tor tunnel.</p>
<pre>{{.Error}}</pre>
</body>
</html>
`))

type errorPageData struct {
	Target string
	Error  string
}

// ProxyHandler forwards every non-health request to the upstream onion service.
type ProxyHandler struct {
	service *service.ForwardService
	logger  *slog.Logger
	version Version
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ForwardService, logger *slog.Logger, v Version) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
		version: v,
	}
}

// Handle tunnels the request to the upstream onion service and streams the
// response back. Any forwarding failure — connect refused, tunnel setup,
// timeout, remote resolution — becomes a 502 error page; there is no retry.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		Path:     req.URL.Path,
		Query:    req.URL.Query(),
		Header:   req.Header,
		Body:     req.Body,
		RemoteIP: peerIP(req),
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.errorPage(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Pass the upstream response through verbatim, plus the marker header.
	// Upstream values replace anything middleware pre-set for the same key.
	respHeader := c.Response().Header()
	for key, vals := range resp.Header {
		respHeader.Del(key)
		for _, v := range vals {
			respHeader.Add(key, v)
		}
	}
	respHeader.Set(MarkerHeader, "onion-proxy-go/"+string(h.version))

	c.Response().WriteHeader(resp.StatusCode)

	// Stream the upstream body directly to the client. If io.Copy fails
	// mid-stream the status code has already been sent, so the client
	// receives a truncated response with the original status. This is an
	// inherent trade-off of streaming proxies; log it for observability.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}

// peerIP returns the transport peer's address. The inbound X-Forwarded-For
// header is client-controlled and must not feed the injected headers: the
// upstream needs the address this hop actually observed.
func peerIP(req *http.Request) string {
	if host, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		return host
	}
	return req.RemoteAddr
}

// errorPage renders the 502 document. The body exposes the configured
// target and the error text, nothing else.
func (h *ProxyHandler) errorPage(c echo.Context, err error) error {
	h.logger.Error("forwarding error",
		"err", err,
		"method", c.Request().Method,
		"path", c.Request().URL.Path,
	)

	var buf bytes.Buffer
	if tmplErr := errorPageTmpl.Execute(&buf, errorPageData{
		Target: h.service.Target(),
		Error:  err.Error(),
	}); tmplErr != nil {
		return c.String(http.StatusBadGateway, "502 Bad Gateway")
	}

	return c.HTMLBlob(http.StatusBadGateway, buf.Bytes())
}
