package dispatch

import (
	"bytes"
	"strings"
)

// badgeHTML is the attribution snippet injected into free-tier previews.
const badgeHTML = `<div id="gorilla-badge" style="position:fixed;bottom:12px;right:12px;z-index:99999;background:#111827;color:#f9fafb;font-family:system-ui,-apple-system,sans-serif;font-size:12px;padding:6px 12px;border-radius:9999px;box-shadow:0 2px 8px rgba(0,0,0,.35);opacity:.92"><a href="https://gorillabuilder.dev" target="_blank" rel="noopener" style="color:inherit;text-decoration:none">&#129421; Built with Gorilla Builder</a></div>`

// injectBadge inserts the attribution snippet immediately before the closing
// body tag. Returns the body unchanged when no closing tag is present.
func injectBadge(body []byte) ([]byte, bool) {
	idx := lastIndexFold(body, "</body>")
	if idx < 0 {
		return body, false
	}
	out := make([]byte, 0, len(body)+len(badgeHTML))
	out = append(out, body[:idx]...)
	out = append(out, badgeHTML...)
	out = append(out, body[idx:]...)
	return out, true
}

func lastIndexFold(haystack []byte, needle string) int {
	return bytes.LastIndex(bytes.ToLower(haystack), []byte(strings.ToLower(needle)))
}

// isHTML reports whether a content type warrants badge injection.
func isHTML(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/html")
}
