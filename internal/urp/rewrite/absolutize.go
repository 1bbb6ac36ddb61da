// Package rewrite transforms HTML, CSS, and JavaScript response bodies so
// every embedded URL routes back through the proxy, and injects the client
// shim into HTML documents.
package rewrite

import (
	"net/url"
	"path"
	"strings"
)

// Absolutize resolves a URL reference u found in a document served from
// baseURL into an absolute URL, per the shared absolutisation rule: leave
// data:/blob:/javascript:/# references alone, handle protocol-relative and
// root-relative references, and resolve document-relative references
// against the directory portion of baseURL's path.
func Absolutize(u, baseURL string) (string, bool) {
	if isOpaqueScheme(u) {
		return u, false
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return u, false
	}

	switch {
	case strings.HasPrefix(u, "//"):
		return base.Scheme + ":" + u, true
	case strings.HasPrefix(u, "/"):
		return base.Scheme + "://" + base.Host + u, true
	}

	ref, err := url.Parse(u)
	if err != nil {
		return u, false
	}
	if ref.IsAbs() {
		return u, true
	}

	dir := path.Dir(base.Path)
	resolved := *base
	resolved.Path = path.Join(dir, ref.Path)
	resolved.RawQuery = ref.RawQuery
	resolved.Fragment = ref.Fragment
	return resolved.String(), true
}

func isOpaqueScheme(u string) bool {
	lower := strings.ToLower(u)
	switch {
	case strings.HasPrefix(lower, "data:"),
		strings.HasPrefix(lower, "blob:"),
		strings.HasPrefix(lower, "javascript:"),
		strings.HasPrefix(u, "#"):
		return true
	default:
		return false
	}
}
