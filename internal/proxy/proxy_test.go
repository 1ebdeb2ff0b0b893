package proxy

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framewright/backend/internal/domain/sandbox"
	"github.com/framewright/backend/internal/infrastructure/config"
	"github.com/framewright/backend/internal/infrastructure/logging"
)

type fakeResolver struct {
	mu        sync.Mutex
	instances map[string]sandbox.Instance
	touched   []string
}

func (f *fakeResolver) Get(id string) (sandbox.Instance, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	return inst, ok
}

func (f *fakeResolver) Touch(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, id)
}

func (f *fakeResolver) put(inst sandbox.Instance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[inst.ID] = inst
}

func testProxyConfig() config.ProxyConfig {
	return config.ProxyConfig{
		UpstreamTimeout:    2 * time.Second,
		RetryMax:           3,
		RetryBackoff:       50 * time.Millisecond,
		RewritePrefixes:    testPrefixes,
		SelectParam:        "selected",
		DefaultComposition: "Main",
	}
}

func newProxyRouter(cfg config.ProxyConfig, resolver Resolver) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	p := New(cfg, resolver, logging.NewNop())
	r.GET("/sandboxes/:id/proxy/*subpath", p.Handle)
	return r
}

func doProxy(t *testing.T, r *gin.Engine, path, accept string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestProxyUnknownSandboxIs404(t *testing.T) {
	resolver := &fakeResolver{instances: map[string]sandbox.Instance{}}
	r := newProxyRouter(testProxyConfig(), resolver)

	w := doProxy(t, r, "/sandboxes/gone/proxy/", "application/json")
	assert.Equal(t, http.StatusNotFound, w.Code, "destroyed or unknown sandboxes are 404, never 502")
	assert.Contains(t, w.Body.String(), "Sandbox not found")

	w = doProxy(t, r, "/sandboxes/gone/proxy/", "text/html")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "<html>")
}

func TestProxyNotReadyIs503(t *testing.T) {
	resolver := &fakeResolver{instances: map[string]sandbox.Instance{
		"abc": {ID: "abc", Status: sandbox.StatusProvisioning, Port: 3100},
	}}
	r := newProxyRouter(testProxyConfig(), resolver)

	w := doProxy(t, r, "/sandboxes/abc/proxy/", "application/json")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "provisioning", "body names the current status")

	resolver.put(sandbox.Instance{ID: "abc", Status: sandbox.StatusError, Port: 3100})
	w = doProxy(t, r, "/sandboxes/abc/proxy/", "application/json")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestProxyForwardsRewritesAndStripsHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "max-age=3600")
		fmt.Fprint(w, `<html><head></head><body><script type="module" src="/src/index.tsx"></script></body></html>`)
	}))
	defer upstream.Close()
	port := upstream.Listener.Addr().(*net.TCPAddr).Port

	resolver := &fakeResolver{instances: map[string]sandbox.Instance{
		"abc": {ID: "abc", Status: sandbox.StatusReady, Port: port},
	}}
	r := newProxyRouter(testProxyConfig(), resolver)

	w := doProxy(t, r, "/sandboxes/abc/proxy/", "text/html")
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, `src="/sandboxes/abc/proxy/src/index.tsx"`)
	assert.Contains(t, body, shimMarker, "HTML gets the diagnostic shim")

	assert.Empty(t, w.Header().Get("X-Frame-Options"), "frame-blocking headers are stripped")
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))

	assert.Equal(t, []string{"abc"}, resolver.touched, "a served request counts as activity")
}

func TestProxyBinaryPassthrough(t *testing.T) {
	payload := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0xff}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(payload)
	}))
	defer upstream.Close()
	port := upstream.Listener.Addr().(*net.TCPAddr).Port

	resolver := &fakeResolver{instances: map[string]sandbox.Instance{
		"abc": {ID: "abc", Status: sandbox.StatusReady, Port: port},
	}}
	r := newProxyRouter(testProxyConfig(), resolver)

	w := doProxy(t, r, "/sandboxes/abc/proxy/assets/logo.png", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, payload, w.Body.Bytes(), "binary content is untouched")
}

func TestProxyTextOverRewriteCap(t *testing.T) {
	big := make([]byte, 4096)
	for i := range big {
		big[i] = 'a'
	}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/big.js":
			w.Header().Set("Content-Type", "application/javascript")
			w.Write(big)
		default:
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write(big)
		}
	}))
	defer upstream.Close()
	port := upstream.Listener.Addr().(*net.TCPAddr).Port

	resolver := &fakeResolver{instances: map[string]sandbox.Instance{
		"abc": {ID: "abc", Status: sandbox.StatusReady, Port: port},
	}}
	gin.SetMode(gin.TestMode)
	r := gin.New()
	p := New(testProxyConfig(), resolver, logging.NewNop())
	p.maxText = 1024
	r.GET("/sandboxes/:id/proxy/*subpath", p.Handle)

	t.Run("oversize text fails loudly, never truncated", func(t *testing.T) {
		w := doProxy(t, r, "/sandboxes/abc/proxy/big.js", "application/json")
		assert.Equal(t, http.StatusBadGateway, w.Code)
		assert.Contains(t, w.Body.String(), "too large")
	})

	t.Run("non-rewritable payloads stream past the cap", func(t *testing.T) {
		w := doProxy(t, r, "/sandboxes/abc/proxy/big.bin", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, big, w.Body.Bytes())
	})
}

func TestProxyDefaultCompositionSelector(t *testing.T) {
	var mu sync.Mutex
	queries := map[string]string{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		queries[r.URL.Path] = r.URL.RawQuery
		mu.Unlock()
	}))
	defer upstream.Close()
	port := upstream.Listener.Addr().(*net.TCPAddr).Port

	resolver := &fakeResolver{instances: map[string]sandbox.Instance{
		"abc": {ID: "abc", Status: sandbox.StatusReady, Port: port},
	}}
	r := newProxyRouter(testProxyConfig(), resolver)

	t.Run("bare root gets the default selector", func(t *testing.T) {
		doProxy(t, r, "/sandboxes/abc/proxy/", "")
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "selected=Main", queries["/"])
	})

	t.Run("an explicit selection is preserved", func(t *testing.T) {
		doProxy(t, r, "/sandboxes/abc/proxy/?selected=Foo", "")
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "selected=Foo", queries["/"])
	})

	t.Run("non-root paths are never altered", func(t *testing.T) {
		doProxy(t, r, "/sandboxes/abc/proxy/src/index.tsx?v=1", "")
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "v=1", queries["/src/index.tsx"])
	})
}

func TestProxyRetriesOverStartupRace(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	// The dev server binds only after the first attempts have been refused,
	// which is exactly the window right after create returns.
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "late but alive")
	})}
	go func() {
		time.Sleep(120 * time.Millisecond)
		late, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			return
		}
		srv.Serve(late)
	}()
	defer srv.Close()

	resolver := &fakeResolver{instances: map[string]sandbox.Instance{
		"abc": {ID: "abc", Status: sandbox.StatusReady, Port: port},
	}}
	cfg := testProxyConfig()
	cfg.RetryMax = 5
	r := newProxyRouter(cfg, resolver)

	w := doProxy(t, r, "/sandboxes/abc/proxy/", "")
	assert.Equal(t, http.StatusOK, w.Code, "connection-refused during startup is retried")
	assert.Equal(t, "late but alive", w.Body.String())
}

func TestProxyUpstreamDeadIs502(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	resolver := &fakeResolver{instances: map[string]sandbox.Instance{
		"abc": {ID: "abc", Status: sandbox.StatusReady, Port: port},
	}}
	cfg := testProxyConfig()
	cfg.RetryMax = 1
	cfg.RetryBackoff = 10 * time.Millisecond
	r := newProxyRouter(cfg, resolver)

	w := doProxy(t, r, "/sandboxes/abc/proxy/", "text/html")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "unreachable")
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")

	w = doProxy(t, r, "/sandboxes/abc/proxy/", "application/json")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
}
