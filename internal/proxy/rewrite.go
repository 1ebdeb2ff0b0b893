package proxy

import (
	"bytes"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"go.uber.org/zap"

	"github.com/framewright/backend/internal/infrastructure/logging"
	"github.com/framewright/backend/internal/infrastructure/monitoring"
)

// ContentClass is the normalized response type the rewriter dispatches on.
// Everything that is not HTML, script, or stylesheet passes through verbatim.
type ContentClass int

const (
	ClassOther ContentClass = iota
	ClassHTML
	ClassScript
	ClassStylesheet
)

func (c ContentClass) String() string {
	switch c {
	case ClassHTML:
		return "html"
	case ClassScript:
		return "script"
	case ClassStylesheet:
		return "stylesheet"
	default:
		return "other"
	}
}

var scriptExts = map[string]bool{
	".js": true, ".mjs": true, ".cjs": true,
	".jsx": true, ".ts": true, ".tsx": true,
}

// Classify normalizes a Content-Type header (falling back to the request
// path's extension) into a ContentClass.
func Classify(contentType, path string) ContentClass {
	ct := strings.ToLower(contentType)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}

	switch {
	case ct == "text/html" || ct == "application/xhtml+xml":
		return ClassHTML
	case ct == "text/css":
		return ClassStylesheet
	case ct == "application/javascript" || ct == "text/javascript" ||
		ct == "application/x-javascript" || ct == "application/typescript" ||
		ct == "text/jsx" || ct == "text/tsx":
		return ClassScript
	}
	if ct != "" && ct != "text/plain" && ct != "application/octet-stream" {
		return ClassOther
	}

	ext := strings.ToLower(pathExt(path))
	switch {
	case ext == ".html" || ext == ".htm":
		return ClassHTML
	case ext == ".css":
		return ClassStylesheet
	case scriptExts[ext]:
		return ClassScript
	}
	return ClassOther
}

func pathExt(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if i := strings.LastIndexByte(p, '.'); i >= 0 && !strings.ContainsRune(p[i:], '/') {
		return p[i:]
	}
	return ""
}

// rule is one ordered rewrite: pattern plus a replacement template in which
// {base} expands to the proxy's own base path at rewrite time.
type rule struct {
	name    string
	pattern *regexp.Regexp
	replace string
}

func (r rule) apply(body []byte, base string) []byte {
	return r.pattern.ReplaceAll(body, []byte(strings.ReplaceAll(r.replace, "{base}", base)))
}

// bareAssetExts are the extensions rewritten for single-segment absolute
// references like "/logo.svg". Multi-segment paths are covered by the prefix
// rule; anything else is too risky to touch.
const bareAssetExts = `js|mjs|cjs|jsx|ts|tsx|css|json|map|html|png|jpe?g|gif|svg|webp|avif|ico|woff2?|ttf|otf|eot|mp3|mp4|wav|ogg|webm|wasm`

// loopbackOrigin matches hardcoded dev-server self references. The whole
// origin collapses into the proxy base, keeping the path intact.
var loopbackOrigin = regexp.MustCompile(`https?://(?:127\.0\.0\.1|localhost|0\.0\.0\.0|\[::1\]):\d+`)

// Rewriter redirects the embedded dev server's absolute references through
// the proxy. Rules are anchored on a preceding quote (or url( opener for
// CSS): content that merely resembles a path, like a regex literal, is never
// touched. Rewriting is idempotent because a rewritten reference starts with
// the proxy base, which is not a known prefix.
type Rewriter struct {
	textRules []rule
	cssRules  []rule

	detector *chardet.Detector
	logger   *logging.Logger
	metrics  *monitoring.Metrics
}

func NewRewriter(prefixes []string, logger *logging.Logger) *Rewriter {
	alt := prefixAlternation(prefixes)

	quoted := rule{
		name:    "quoted-prefix",
		pattern: regexp.MustCompile(`(["'])(` + alt + `)([/"'?#])`),
		replace: `${1}{base}${2}${3}`,
	}
	bare := rule{
		name:    "bare-asset",
		pattern: regexp.MustCompile(`(["'])(/[\w.-]+\.(?:` + bareAssetExts + `))(["'?#])`),
		replace: `${1}{base}${2}${3}`,
	}
	loopback := rule{
		name:    "loopback-origin",
		pattern: loopbackOrigin,
		replace: `{base}`,
	}
	cssPrefix := rule{
		name:    "css-url-prefix",
		pattern: regexp.MustCompile(`(url\(\s*["']?)(` + alt + `)([/"')?#])`),
		replace: `${1}{base}${2}${3}`,
	}
	cssBare := rule{
		name:    "css-url-bare",
		pattern: regexp.MustCompile(`(url\(\s*["']?)(/[\w.-]+\.(?:` + bareAssetExts + `))(["')?#])`),
		replace: `${1}{base}${2}${3}`,
	}

	return &Rewriter{
		textRules: []rule{quoted, bare, loopback},
		cssRules:  []rule{cssPrefix, cssBare, loopback},
		detector:  chardet.NewTextDetector(),
		logger:    logger,
	}
}

// WithMetrics adds rewrite counters.
func (rw *Rewriter) WithMetrics(metrics *monitoring.Metrics) *Rewriter {
	rw.metrics = metrics
	return rw
}

// Rewrite returns body with every known absolute reference redirected under
// base. Non-textual payloads and ClassOther pass through untouched.
func (rw *Rewriter) Rewrite(body []byte, class ContentClass, base string) []byte {
	if class == ClassOther || len(body) == 0 {
		return body
	}

	if !utf8.Valid(body) {
		charset := "unknown"
		if res, err := rw.detector.DetectBest(body); err == nil {
			charset = res.Charset
		}
		rw.logger.Debug("skipping rewrite of non-utf8 body",
			zap.String("class", class.String()),
			zap.String("charset", charset),
		)
		return body
	}

	rules := rw.textRules
	if class == ClassStylesheet {
		rules = rw.cssRules
	}
	out := body
	for _, r := range rules {
		out = r.apply(out, base)
	}

	if rw.metrics != nil && !bytes.Equal(out, body) {
		rw.metrics.RecordRewrite(class.String())
	}
	return out
}

// prefixAlternation builds the alternation for the configured prefixes,
// longest first so overlapping entries cannot shadow each other.
func prefixAlternation(prefixes []string) string {
	ps := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return len(ps[i]) > len(ps[j]) })

	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = regexp.QuoteMeta(p)
	}
	return "(?:" + strings.Join(parts, "|") + ")"
}
