package rewrite

import (
	"net/http"
	"strings"
)

// strippedSecurityHeaders are removed from every relayed upstream response
// because they would otherwise prevent the rewritten page, shim, and
// cross-origin iframes from functioning under the proxy's origin.
var strippedSecurityHeaders = []string{
	"Content-Security-Policy",
	"Content-Security-Policy-Report-Only",
	"X-Frame-Options",
	"Cross-Origin-Opener-Policy",
	"Cross-Origin-Embedder-Policy",
	"Cross-Origin-Resource-Policy",
	"Permissions-Policy",
	"X-Xss-Protection",
	"X-Content-Security-Policy",
}

// ApplyHeaderPolicy mutates header in place per the response-header policy:
// strip hostile security headers, drop the now-stale Content-Length (the
// transport recomputes it), drop Content-Encoding when the body was
// actually decompressed, and rewrite Set-Cookie attributes so cookies
// survive the proxy's own origin.
func ApplyHeaderPolicy(header http.Header, bodyWasDecompressed bool, publicOriginIsPlainHTTP bool) {
	for _, h := range strippedSecurityHeaders {
		header.Del(h)
	}
	header.Del("Content-Length")
	if bodyWasDecompressed {
		header.Del("Content-Encoding")
	}

	cookies := header.Values("Set-Cookie")
	if len(cookies) == 0 {
		return
	}
	header.Del("Set-Cookie")
	for _, c := range cookies {
		header.Add("Set-Cookie", rewriteSetCookie(c, publicOriginIsPlainHTTP))
	}
}

func rewriteSetCookie(cookie string, plainHTTP bool) string {
	parts := strings.Split(cookie, ";")
	var out []string
	sawSameSite := false
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		lower := strings.ToLower(trimmed)
		switch {
		case strings.HasPrefix(lower, "domain="):
			continue
		case lower == "secure":
			if plainHTTP {
				continue
			}
			out = append(out, p)
		case strings.HasPrefix(lower, "samesite="):
			out = append(out, " SameSite=Lax")
			sawSameSite = true
		default:
			out = append(out, p)
		}
	}
	if !sawSameSite {
		out = append(out, " SameSite=Lax")
	}
	return strings.Join(out, ";")
}

// ChallengeHeaderNames returns the lowercase set of configured challenge
// header names, which the Request Router adds to the
// Access-Control-Expose-Headers list of every proxied response.
func ChallengeHeaderNames(configured []string) map[string]bool {
	out := make(map[string]bool, len(configured))
	for _, h := range configured {
		out[strings.ToLower(h)] = true
	}
	return out
}

// StripIntegrityAndDowngradeCrossorigin is exported for callers that only
// need the attribute-level half of the header policy (e.g. bsb/browserproxy
// when injecting into an already-fetched HTML body rather than proxying a
// fresh URP response).
func StripIntegrityAndDowngradeCrossorigin(body []byte) []byte {
	out := stripIntegrity(body)
	out = downgradeCrossorigin(out)
	return out
}
