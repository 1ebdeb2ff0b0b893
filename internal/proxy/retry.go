package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/framewright/backend/internal/infrastructure/config"
	"github.com/framewright/backend/internal/infrastructure/monitoring"
)

// isRetryable classifies upstream failures. Connection refused/reset means
// the dev server process has not finished binding its port yet, which is a
// normal startup race worth waiting out. Timeouts and everything else are
// permanent as far as one request is concerned.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return false
}

// newUpstreamClient builds the retrying HTTP client the proxy fetches
// through: bounded per-attempt timeout, linear backoff, and retries only for
// the connection-race class of failure. Upstream HTTP status codes are never
// retried; a 500 from the dev server is content, not a transport fault.
func newUpstreamClient(cfg config.ProxyConfig, metrics *monitoring.Metrics) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.Logger = nil
	client.HTTPClient = &http.Client{Timeout: cfg.UpstreamTimeout}

	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return isRetryable(err), nil
	}

	// Linear, not exponential: the race being papered over resolves in
	// hundreds of milliseconds or not at all.
	client.Backoff = func(min, max time.Duration, attempt int, resp *http.Response) time.Duration {
		return cfg.RetryBackoff * time.Duration(attempt+1)
	}

	if metrics != nil {
		client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
			if attempt > 0 {
				metrics.ProxyRetries.Inc()
			}
		}
	}
	return client
}
