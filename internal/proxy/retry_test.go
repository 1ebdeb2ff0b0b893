package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framewright/backend/internal/infrastructure/config"
)

func TestIsRetryable(t *testing.T) {
	t.Run("connection refused is retryable", func(t *testing.T) {
		// A real refused dial, wrapped the way http.Client wraps it.
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		require.NoError(t, ln.Close())

		_, dialErr := net.DialTimeout("tcp", addr, time.Second)
		require.Error(t, dialErr)

		assert.True(t, isRetryable(dialErr))
		assert.True(t, isRetryable(&url.Error{Op: "Get", URL: "http://" + addr, Err: dialErr}))
	})

	t.Run("permanent failures are not", func(t *testing.T) {
		assert.False(t, isRetryable(nil))
		assert.False(t, isRetryable(fmt.Errorf("tls: handshake failure")))
		assert.False(t, isRetryable(context.Canceled))
		assert.False(t, isRetryable(context.DeadlineExceeded))
	})

	t.Run("raw errno classification", func(t *testing.T) {
		assert.True(t, isRetryable(syscall.ECONNREFUSED))
		assert.True(t, isRetryable(syscall.ECONNRESET))
		assert.False(t, isRetryable(syscall.EACCES))
	})
}

func TestUpstreamClientRetryBudget(t *testing.T) {
	cfg := config.ProxyConfig{
		UpstreamTimeout: time.Second,
		RetryMax:        2,
		RetryBackoff:    10 * time.Millisecond,
	}
	client := newUpstreamClient(cfg, nil)

	// Nothing listens here; every attempt is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	start := time.Now()
	_, err = client.Get("http://" + addr + "/")
	elapsed := time.Since(start)

	require.Error(t, err, "a dead upstream must exhaust the budget and fail")
	// Two retries with linear backoff: at least 10ms + 20ms of waiting.
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
}

func TestUpstreamClientDoesNotRetryStatusCodes(t *testing.T) {
	cfg := config.ProxyConfig{
		UpstreamTimeout: time.Second,
		RetryMax:        3,
		RetryBackoff:    10 * time.Millisecond,
	}
	client := newUpstreamClient(cfg, nil)

	hits := 0
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	})}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	defer srv.Close()

	resp, err := client.Get("http://" + ln.Addr().String() + "/")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, 1, hits, "a 500 is content, not a transport fault")
}
