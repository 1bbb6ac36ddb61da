// Package codec implements the URP's URL fingerprint: a URL-safe opaque
// token that carries exactly one absolute http(s) URL through a single
// query parameter.
package codec

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// ErrMalformedToken is returned by Decode when the fingerprint does not
// decode to a well-formed absolute http(s) URL.
type ErrMalformedToken struct {
	Fingerprint string
	Reason      string
}

func (e *ErrMalformedToken) Error() string {
	return fmt.Sprintf("codec: malformed token %q: %s", e.Fingerprint, e.Reason)
}

// Encode converts an absolute URL into the opaque __cpo fingerprint: UTF-8
// bytes, base64 with '+'->'-', '/'->'_', padding stripped.
func Encode(absURL string) string {
	enc := base64.URLEncoding.WithPadding(base64.NoPadding)
	return enc.EncodeToString([]byte(absURL))
}

// Decode reverses Encode, rejecting anything that isn't a well-formed
// absolute http(s) URL. If the raw base64 decode fails, one percent-decode
// unescape pass is attempted before giving up, since fingerprints can arrive
// having been URL-percent-encoded once by an intermediary.
func Decode(fingerprint string) (string, error) {
	raw, err := decodeBase64(fingerprint)
	if err != nil {
		unescaped, uerr := url.QueryUnescape(fingerprint)
		if uerr == nil {
			raw, err = decodeBase64(unescaped)
		}
		if err != nil {
			return "", &ErrMalformedToken{Fingerprint: fingerprint, Reason: "not valid base64"}
		}
	}

	absURL := string(raw)
	parsed, err := url.Parse(absURL)
	if err != nil {
		return "", &ErrMalformedToken{Fingerprint: fingerprint, Reason: "decoded payload is not a URL"}
	}
	if !parsed.IsAbs() {
		return "", &ErrMalformedToken{Fingerprint: fingerprint, Reason: "decoded URL is not absolute"}
	}
	switch parsed.Scheme {
	case "http", "https":
	default:
		return "", &ErrMalformedToken{Fingerprint: fingerprint, Reason: "scheme must be http or https"}
	}
	return absURL, nil
}

func decodeBase64(s string) ([]byte, error) {
	if mod := len(s) % 4; mod != 0 {
		s += strings.Repeat("=", 4-mod)
	}
	enc := base64.URLEncoding
	return enc.DecodeString(s)
}

// HasFingerprint reports whether a URL string already carries a __cpo
// parameter, the idempotence check every rewriter must apply uniformly.
func HasFingerprint(rawURL string) bool {
	return strings.Contains(rawURL, "__cpo=")
}

// BuildProxyURL constructs the canonical proxied form of absURL:
// <publicOrigin> + <path> + <query> + ('&'|'?') + '__cpo=' + encode(absURL).
func BuildProxyURL(publicOrigin, absURL string) (string, error) {
	parsed, err := url.Parse(absURL)
	if err != nil {
		return "", fmt.Errorf("codec: cannot build proxy url: %w", err)
	}
	path := publicOrigin + parsed.Path
	if parsed.RawQuery == "" {
		return path + "?__cpo=" + Encode(absURL), nil
	}
	return path + "?" + parsed.RawQuery + "&__cpo=" + Encode(absURL), nil
}
