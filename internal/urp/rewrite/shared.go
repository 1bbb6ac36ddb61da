package rewrite

import (
	"github.com/mojhehh/nebula/internal/urp/codec"
)

// Options configures a rewrite pass.
type Options struct {
	BaseURL      string
	PublicOrigin string
}

// rewriteRef absolutizes u against opts.BaseURL and, unless it's an opaque
// scheme reference or already proxied, returns the proxy-URL form plus true.
// Every HTML/CSS/JS rewriter funnels through this single function so the
// "__cpo=" idempotence check can never drift per-rewriter.
func rewriteRef(u string, opts Options) (string, bool) {
	if codec.HasFingerprint(u) {
		return u, false
	}
	abs, changed := Absolutize(u, opts.BaseURL)
	if !changed {
		return u, false
	}
	if codec.HasFingerprint(abs) {
		return u, false
	}
	proxied, err := codec.BuildProxyURL(opts.PublicOrigin, abs)
	if err != nil {
		return u, false
	}
	return proxied, true
}
