package proxy

import (
	"bytes"
	"fmt"
	"html"
	"regexp"
)

// shimMarker tags the injected script so a second pass over already-shimmed
// HTML is a no-op.
const shimMarker = "data-sandbox-proxy-shim"

// headShim runs before the dev server's own bootstrap. It rewrites the
// visible location to "/" so the player does not parse the proxy base path
// as a composition selector, and it paints uncaught errors onto a
// full-screen overlay instead of leaving the iframe blank.
const headShim = `<script ` + shimMarker + `>
(function () {
  try { history.replaceState(null, "", "/"); } catch (e) {}
  function overlay(text) {
    var el = document.getElementById("sandbox-error-overlay");
    if (!el) {
      el = document.createElement("pre");
      el.id = "sandbox-error-overlay";
      el.style.cssText = "position:fixed;inset:0;z-index:2147483647;margin:0;padding:16px;overflow:auto;background:#1a0000;color:#ff8080;font:12px/1.5 monospace;white-space:pre-wrap;";
      (document.body || document.documentElement).appendChild(el);
    }
    el.textContent = String(text);
  }
  window.addEventListener("error", function (e) {
    overlay((e.error && e.error.stack) || e.message || "Unknown error");
  });
  window.addEventListener("unhandledrejection", function (e) {
    overlay((e.reason && e.reason.stack) || String(e.reason));
  });
})();
</script>`

var headOpenTag = regexp.MustCompile(`(?i)<head[^>]*>`)

// injectHeadShim places the shim immediately after the opening <head> tag,
// or at the start of the document when there is none. Idempotent.
func injectHeadShim(body []byte) []byte {
	if bytes.Contains(body, []byte(shimMarker)) {
		return body
	}

	shim := []byte(headShim)
	if loc := headOpenTag.FindIndex(body); loc != nil {
		out := make([]byte, 0, len(body)+len(shim))
		out = append(out, body[:loc[1]]...)
		out = append(out, shim...)
		out = append(out, body[loc[1]:]...)
		return out
	}
	return append(shim, body...)
}

// errorPageHTML renders the self-contained diagnostic page shown inside the
// iframe when the proxy cannot serve content. Blank frames are useless to
// the person staring at them.
func errorPageHTML(title, detail string) []byte {
	return []byte(fmt.Sprintf(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>%s</title></head>
<body style="margin:0;padding:24px;background:#111;color:#ddd;font:14px/1.6 system-ui,sans-serif;">
<h1 style="font-size:16px;color:#ff8080;margin:0 0 8px;">%s</h1>
<p style="margin:0;color:#999;">%s</p>
</body>
</html>
`, html.EscapeString(title), html.EscapeString(title), html.EscapeString(detail)))
}
