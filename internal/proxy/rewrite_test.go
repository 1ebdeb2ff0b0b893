package proxy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/framewright/backend/internal/infrastructure/logging"
)

var testPrefixes = []string{
	"/@fs", "/@id", "/@vite", "/@react-refresh",
	"/node_modules", "/src", "/public", "/assets",
}

const testBase = "/sandboxes/abc/proxy"

func newTestRewriter() *Rewriter {
	return NewRewriter(testPrefixes, logging.NewNop())
}

func TestClassify(t *testing.T) {
	cases := []struct {
		contentType string
		path        string
		want        ContentClass
	}{
		{"text/html; charset=utf-8", "/", ClassHTML},
		{"application/javascript", "/src/main.tsx", ClassScript},
		{"text/javascript; charset=utf-8", "/foo.js", ClassScript},
		{"text/css", "/style.css", ClassStylesheet},
		{"image/png", "/logo.png", ClassOther},
		{"application/json", "/manifest.json", ClassOther},
		{"", "/src/App.tsx", ClassScript},
		{"", "/index.html", ClassHTML},
		{"text/plain", "/theme.css", ClassStylesheet},
		{"", "/video.mp4", ClassOther},
		{"font/woff2", "/font.woff2", ClassOther},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.contentType, tc.path),
			"content-type %q path %q", tc.contentType, tc.path)
	}
}

func TestRewriteKnownPrefixes(t *testing.T) {
	rw := newTestRewriter()

	in := `<script type="module" src="/@vite/client"></script>
<script type="module" src="/src/index.tsx"></script>
<link rel="icon" href="/assets/icon.svg">
import RefreshRuntime from "/@react-refresh";
import { x } from '/node_modules/.vite/deps/react.js?v=abc123';`

	out := string(rw.Rewrite([]byte(in), ClassHTML, testBase))

	assert.Contains(t, out, `src="/sandboxes/abc/proxy/@vite/client"`)
	assert.Contains(t, out, `src="/sandboxes/abc/proxy/src/index.tsx"`)
	assert.Contains(t, out, `href="/sandboxes/abc/proxy/assets/icon.svg"`)
	assert.Contains(t, out, `from "/sandboxes/abc/proxy/@react-refresh"`)
	assert.Contains(t, out, `'/sandboxes/abc/proxy/node_modules/.vite/deps/react.js?v=abc123'`)
}

func TestRewriteIsIdempotent(t *testing.T) {
	rw := newTestRewriter()

	in := []byte(`<script src="/src/main.tsx"></script><link href="/favicon.ico">`)
	once := rw.Rewrite(in, ClassHTML, testBase)
	twice := rw.Rewrite(once, ClassHTML, testBase)

	assert.Equal(t, string(once), string(twice), "second pass must not double-prefix")
	assert.NotContains(t, string(twice), testBase+testBase)
}

func TestRewriteLeavesRegexLiteralsAlone(t *testing.T) {
	rw := newTestRewriter()

	in := []byte(`const re = /["']/;`)
	out := rw.Rewrite(in, ClassScript, testBase)
	assert.Equal(t, in, out, "regex-looking literal must be byte-identical")

	in2 := []byte(`const s = "not /src but prose"; const p = "a/src/b";`)
	out2 := rw.Rewrite(in2, ClassScript, testBase)
	assert.Equal(t, in2, out2, "paths not anchored on a quote must not be touched")
}

func TestRewriteBareAssets(t *testing.T) {
	rw := newTestRewriter()

	in := []byte(`<link href="/favicon.ico"><script src="/bundle.js?t=1"></script><a href="/about">x</a>`)
	out := string(rw.Rewrite(in, ClassHTML, testBase))

	assert.Contains(t, out, `href="/sandboxes/abc/proxy/favicon.ico"`)
	assert.Contains(t, out, `src="/sandboxes/abc/proxy/bundle.js?t=1"`)
	assert.Contains(t, out, `href="/about"`, "extensionless routes are not assets")
}

func TestRewriteLoopbackOrigins(t *testing.T) {
	rw := newTestRewriter()

	in := []byte(`fetch("http://localhost:3123/api/state"); const a = "http://127.0.0.1:3123/src/x.ts";`)
	out := string(rw.Rewrite(in, ClassScript, testBase))

	assert.Contains(t, out, `fetch("/sandboxes/abc/proxy/api/state")`)
	assert.Contains(t, out, `"/sandboxes/abc/proxy/src/x.ts"`)
	assert.NotContains(t, out, "localhost")
}

func TestRewriteCSS(t *testing.T) {
	rw := newTestRewriter()

	in := []byte(`body { background: url(/assets/bg.png); }
.logo { content: url("/src/logo.svg"); cursor: url('/pointer.png'), auto; }`)
	out := string(rw.Rewrite(in, ClassStylesheet, testBase))

	assert.Contains(t, out, `url(/sandboxes/abc/proxy/assets/bg.png)`)
	assert.Contains(t, out, `url("/sandboxes/abc/proxy/src/logo.svg")`)
	assert.Contains(t, out, `url('/sandboxes/abc/proxy/pointer.png')`)
}

func TestRewriteSkipsBinaryAndOther(t *testing.T) {
	rw := newTestRewriter()

	png := []byte{0x89, 'P', 'N', 'G', 0xff, 0xfe, '"', '/', 's', 'r', 'c', '/'}
	assert.Equal(t, png, rw.Rewrite(png, ClassScript, testBase), "non-utf8 body passes through")

	text := []byte(`"/src/main.tsx"`)
	assert.Equal(t, text, rw.Rewrite(text, ClassOther, testBase))
}

func TestInjectHeadShim(t *testing.T) {
	in := []byte(`<!doctype html><html><head><title>x</title></head><body></body></html>`)
	out := injectHeadShim(in)

	s := string(out)
	assert.Contains(t, s, shimMarker)
	assert.Contains(t, s, "history.replaceState")
	assert.Less(t, strings.Index(s, shimMarker), strings.Index(s, "<title>"),
		"shim must run before anything else in head")

	again := injectHeadShim(out)
	assert.Equal(t, string(out), string(again), "injection is idempotent")
}

func TestInjectHeadShimWithoutHead(t *testing.T) {
	in := []byte(`<div>fragment</div>`)
	out := string(injectHeadShim(in))
	assert.True(t, strings.HasPrefix(out, "<script"))
	assert.Contains(t, out, "<div>fragment</div>")
}
