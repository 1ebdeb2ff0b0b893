// Package proxy is the browser-facing gateway to sandbox dev servers. An
// iframe requests /sandboxes/{id}/proxy/{subpath}; the proxy resolves the
// sandbox's loopback port, fetches upstream with retries over the startup
// race, rewrites absolute references so the dev server's module graph
// resolves back through the proxy, and injects a diagnostic shim into HTML.
package proxy

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/framewright/backend/internal/domain/sandbox"
	"github.com/framewright/backend/internal/infrastructure/config"
	"github.com/framewright/backend/internal/infrastructure/logging"
	"github.com/framewright/backend/internal/infrastructure/monitoring"
	"github.com/framewright/backend/internal/shared/errors"
)

// maxBodyBytes caps how much of a rewritable text response is buffered for
// rewriting. Non-rewritable payloads stream through unbuffered; a text
// payload past the cap is refused rather than silently truncated.
const maxBodyBytes = 64 << 20

// Resolver is the read-only slice of sandbox state the proxy needs.
type Resolver interface {
	Get(id string) (sandbox.Instance, bool)
	Touch(id string)
}

// Proxy forwards and rewrites iframe traffic for one registry of sandboxes.
type Proxy struct {
	cfg      config.ProxyConfig
	resolver Resolver
	client   *retryablehttp.Client
	rewriter *Rewriter
	logger   *logging.Logger
	metrics  *monitoring.Metrics
	maxText  int64
}

func New(cfg config.ProxyConfig, resolver Resolver, logger *logging.Logger) *Proxy {
	return &Proxy{
		cfg:      cfg,
		resolver: resolver,
		client:   newUpstreamClient(cfg, nil),
		rewriter: NewRewriter(cfg.RewritePrefixes, logger),
		logger:   logger,
		maxText:  maxBodyBytes,
	}
}

// WithMetrics adds request/retry/rewrite counters.
func (p *Proxy) WithMetrics(metrics *monitoring.Metrics) *Proxy {
	p.metrics = metrics
	p.client = newUpstreamClient(p.cfg, metrics)
	p.rewriter.WithMetrics(metrics)
	return p
}

// BasePath returns the proxy base for a sandbox, the prefix every rewritten
// reference starts with.
func BasePath(id string) string {
	return "/sandboxes/" + id + "/proxy"
}

// Handle serves GET/HEAD /sandboxes/:id/proxy/*subpath.
func (p *Proxy) Handle(c *gin.Context) {
	id := c.Param("id")
	subpath := c.Param("subpath")

	inst, ok := p.resolver.Get(id)
	if !ok || inst.Port == 0 {
		p.recordOutcome("not_found")
		p.respondError(c, http.StatusNotFound, "Sandbox not found",
			fmt.Sprintf("No sandbox %q is registered.", id))
		return
	}
	if !inst.Status.Routable() {
		p.recordOutcome("not_ready")
		p.respondError(c, http.StatusServiceUnavailable, "Sandbox not ready",
			fmt.Sprintf("Sandbox %s is %s; try again shortly.", id, inst.Status))
		return
	}

	target := p.upstreamURL(inst.Port, subpath, c.Request.URL.RawQuery)
	req, err := retryablehttp.NewRequestWithContext(c.Request.Context(), c.Request.Method, target, nil)
	if err != nil {
		p.recordOutcome("bad_request")
		p.respondError(c, http.StatusBadRequest, "Bad request", err.Error())
		return
	}
	copyRequestHeaders(req.Header, c.Request.Header)

	resp, err := p.client.Do(req)
	if err != nil {
		p.recordOutcome("upstream_unreachable")
		p.logger.Warn("upstream unreachable after retries",
			zap.String("sandbox", id),
			zap.Int("port", inst.Port),
			zap.Error(err),
		)
		p.respondError(c, errors.HTTPStatus(errors.UpstreamUnreachablef("%v", err)),
			"Sandbox unreachable",
			fmt.Sprintf("The dev server for sandbox %s did not respond: %v", id, err))
		return
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	class := Classify(contentType, subpath)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	// Only rewritable text is buffered; everything else streams through so
	// large media and bundles are not bounded by the rewrite cap.
	if class == ClassOther {
		copyResponseHeaders(c.Writer.Header(), resp.Header)
		p.resolver.Touch(id)
		p.recordOutcome("success")
		c.DataFromReader(resp.StatusCode, -1, contentType, resp.Body, nil)
		return
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxText+1))
	if err != nil {
		p.recordOutcome("upstream_read_error")
		p.respondError(c, http.StatusBadGateway, "Sandbox unreachable",
			fmt.Sprintf("Reading the dev server response failed: %v", err))
		return
	}
	if int64(len(body)) > p.maxText {
		p.recordOutcome("oversize")
		p.respondError(c, http.StatusBadGateway, "Response too large",
			fmt.Sprintf("The dev server sent a text response over the %d byte rewrite limit.", p.maxText))
		return
	}

	body = p.rewriter.Rewrite(body, class, BasePath(id))
	if class == ClassHTML {
		body = injectHeadShim(body)
	}

	copyResponseHeaders(c.Writer.Header(), resp.Header)
	p.resolver.Touch(id)
	p.recordOutcome("success")
	c.Data(resp.StatusCode, contentType, body)
}

// upstreamURL rebuilds the dev-server target, preserving the query. A bare
// root request gets the default composition selector appended unless the
// caller already chose one, because the dev server cannot otherwise tell
// which artifact to show on first load.
func (p *Proxy) upstreamURL(port int, subpath, rawQuery string) string {
	path := subpath
	if path == "" {
		path = "/"
	}

	if path == "/" {
		values, err := url.ParseQuery(rawQuery)
		if err != nil || !values.Has(p.cfg.SelectParam) {
			selector := url.Values{p.cfg.SelectParam: {p.cfg.DefaultComposition}}.Encode()
			if rawQuery == "" {
				rawQuery = selector
			} else {
				rawQuery += "&" + selector
			}
		}
	}

	target := fmt.Sprintf("http://127.0.0.1:%d%s", port, path)
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

func (p *Proxy) recordOutcome(outcome string) {
	if p.metrics != nil {
		p.metrics.RecordProxyRequest(outcome)
	}
}

// respondError renders a readable page for browser-originated requests and
// JSON for everything else. An iframe showing a blank frame or raw JSON
// helps nobody.
func (p *Proxy) respondError(c *gin.Context, status int, title, detail string) {
	c.Header("Cache-Control", "no-cache")
	if acceptsHTML(c.GetHeader("Accept")) {
		c.Data(status, "text/html; charset=utf-8", errorPageHTML(title, detail))
		return
	}
	c.JSON(status, gin.H{"error": title, "detail": detail})
}

func acceptsHTML(accept string) bool {
	return strings.Contains(accept, "text/html") || strings.Contains(accept, "*/*")
}

// hop-by-hop and transport headers that must not be forwarded either way.
var skipForwardHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
	"Te":                true,
	"Trailer":           true,
	"Host":              true,
	"Accept-Encoding":   true,
	"Content-Length":    true,
}

// frame-blocking headers stripped so the content renders inside the
// embedding iframe; caching is forced off because the payload is
// live-recompiled on every request.
var stripResponseHeaders = map[string]bool{
	"X-Frame-Options":         true,
	"Content-Security-Policy": true,
	"Content-Length":          true,
	"Transfer-Encoding":       true,
	"Connection":              true,
	"Cache-Control":           true,
	"Etag":                    true,
	"Last-Modified":           true,
}

func copyRequestHeaders(dst, src http.Header) {
	for k, vs := range src {
		if skipForwardHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func copyResponseHeaders(dst, src http.Header) {
	for k, vs := range src {
		if stripResponseHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	dst.Set("Cache-Control", "no-cache")
}
