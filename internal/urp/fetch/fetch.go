// Package fetch implements the Upstream Fetcher: a single HTTP request to
// an origin with spoofed headers, redirect following, and transparent
// gzip/deflate/brotli decompression.
package fetch

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/mojhehh/nebula/internal/logger"
)

// ErrUpstreamTimeout is surfaced when the fetch exceeds its total timeout.
var ErrUpstreamTimeout = errors.New("fetch: upstream timeout")

// ErrUpstreamConnectFailure is surfaced when the upstream connection could
// not be established at all (DNS, refused, reset).
var ErrUpstreamConnectFailure = errors.New("fetch: upstream connect failure")

// ErrUpstreamTLSFailure is surfaced when the upstream TLS handshake fails
// even with certificate verification relaxed per config.
var ErrUpstreamTLSFailure = errors.New("fetch: upstream tls failure")

const maxRedirects = 10

// Context carries the per-request collaborator state the fetcher needs
// beyond the bare request: the caller's cookie jar contents, a caller-
// supplied CSRF token, and the effective referer to present upstream.
type Context struct {
	Cookies   string
	CSRFToken string
	Referer   string
}

// Result is what the fetcher hands back to the Content Rewriter.
// Decompressed is false when the body is still in its upstream encoding
// (either it arrived identity-encoded, or decompression degraded to
// pass-through), so callers know whether Content-Encoding still applies.
type Result struct {
	Status       int
	Header       http.Header
	Body         []byte
	FinalURL     string
	Decompressed bool
}

// Client issues upstream requests with the behavior contract in full:
// browser-like default headers, CSRF token caching per origin, redirect
// following per RFC semantics, and transparent decompression.
type Client struct {
	transport        *http.Transport
	timeout          time.Duration
	csrfMu           sync.Mutex
	csrfByOrigin     map[string]string
	challengeHeaders map[string]bool
}

// Config configures a Client.
type Config struct {
	Timeout            time.Duration
	InsecureSkipVerify bool
	ChallengeHeaders   []string
}

// New constructs a Client with its own connection-pooling transport.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	challenge := make(map[string]bool, len(cfg.ChallengeHeaders))
	for _, h := range cfg.ChallengeHeaders {
		challenge[strings.ToLower(h)] = true
	}
	return &Client{
		transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify},
			Proxy:           http.ProxyFromEnvironment,
		},
		timeout:          cfg.Timeout,
		csrfByOrigin:     make(map[string]string),
		challengeHeaders: challenge,
	}
}

// Fetch issues a single logical request to absURL, following redirects,
// and returns the final decompressed response.
func (c *Client) Fetch(ctx context.Context, absURL, method string, callerHeaders http.Header, body io.Reader, fctx Context) (*Result, error) {
	log := logger.WithComponent("urp.fetch")

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	current := absURL
	currentMethod := method
	// The body is buffered once so a 307/308 redirect can resend it.
	var bodyBytes []byte
	if body != nil {
		b, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("fetch: read request body: %w", err)
		}
		bodyBytes = b
	}

	client := &http.Client{
		Transport: c.transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	for redirects := 0; ; redirects++ {
		if redirects > maxRedirects {
			return nil, fmt.Errorf("fetch: too many redirects from %s", absURL)
		}

		var reqBody io.Reader
		if bodyBytes != nil {
			reqBody = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(reqCtx, currentMethod, current, reqBody)
		if err != nil {
			return nil, fmt.Errorf("fetch: build request: %w", err)
		}
		c.applyHeaders(req, callerHeaders, fctx)

		resp, err := client.Do(req)
		if err != nil {
			if reqCtx.Err() == context.DeadlineExceeded {
				return nil, ErrUpstreamTimeout
			}
			if isTLSError(err) {
				return nil, fmt.Errorf("%w: %v", ErrUpstreamTLSFailure, err)
			}
			return nil, fmt.Errorf("%w: %v", ErrUpstreamConnectFailure, err)
		}

		if loc := resp.Header.Get("Location"); loc != "" && isRedirectStatus(resp.StatusCode) {
			next, rerr := resolveLocation(current, loc)
			resp.Body.Close()
			if rerr != nil {
				return nil, fmt.Errorf("fetch: bad redirect location: %w", rerr)
			}
			nextMethod := currentMethod
			switch resp.StatusCode {
			case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther:
				if currentMethod == http.MethodPost {
					nextMethod = http.MethodGet
					bodyBytes = nil
				}
			case http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
				// method and body preserved
			}
			current = next
			currentMethod = nextMethod
			continue
		}

		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("fetch: read body: %w", err)
		}

		if token := resp.Header.Get("x-csrf-token"); token != "" {
			c.cacheCSRFToken(current, token)
		}

		encoding := resp.Header.Get("Content-Encoding")
		decoded, decErr := decompress(raw, encoding)
		if decErr != nil {
			log.Warn("decompression failed for %s, passing through compressed body: %v", current, decErr)
			decoded = raw
		}

		return &Result{
			Status:       resp.StatusCode,
			Header:       resp.Header,
			Body:         decoded,
			FinalURL:     current,
			Decompressed: decErr == nil && encoding != "",
		}, nil
	}
}

func (c *Client) applyHeaders(req *http.Request, caller http.Header, fctx Context) {
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	req.Header.Set("Connection", "keep-alive")

	origin := originOf(req.URL)
	req.Header.Set("Origin", origin)
	referer := fctx.Referer
	if referer == "" {
		referer = origin + "/"
	}
	req.Header.Set("Referer", referer)

	if fctx.Cookies != "" {
		req.Header.Set("Cookie", fctx.Cookies)
	}

	token := fctx.CSRFToken
	if token == "" {
		token = c.cachedCSRFToken(origin)
	}
	if token != "" {
		req.Header.Set("x-csrf-token", token)
	}

	for k, vs := range caller {
		if isManagedHeader(k) {
			continue
		}
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
}

// isManagedHeader lists the headers the fetcher owns: caller values for
// these come in through Context (cookies, csrf, referer) or are fixed by
// the behavior contract (encoding negotiation must match what decompress
// can actually handle).
func isManagedHeader(name string) bool {
	switch strings.ToLower(name) {
	case "host", "content-length", "connection", "accept-encoding",
		"origin", "referer", "cookie", "x-csrf-token":
		return true
	default:
		return false
	}
}

func (c *Client) cacheCSRFToken(rawURL, token string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return
	}
	c.csrfMu.Lock()
	c.csrfByOrigin[originOf(u)] = token
	c.csrfMu.Unlock()
}

// IsChallenge reports whether header carries any of the configured
// anti-bot challenge markers.
func (c *Client) IsChallenge(header http.Header) bool {
	for name := range c.challengeHeaders {
		if header.Get(name) != "" {
			return true
		}
	}
	return false
}

func (c *Client) cachedCSRFToken(origin string) string {
	c.csrfMu.Lock()
	defer c.csrfMu.Unlock()
	return c.csrfByOrigin[origin]
}

func originOf(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}

func isRedirectStatus(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}

func resolveLocation(current, location string) (string, error) {
	base, err := url.Parse(current)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

func isTLSError(err error) bool {
	return strings.Contains(err.Error(), "tls") || strings.Contains(err.Error(), "certificate") || strings.Contains(err.Error(), "x509")
}

func decompress(raw []byte, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return raw, nil
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case "deflate":
		// Origins disagree on whether "deflate" means zlib-wrapped or raw
		// deflate; try the RFC form first, then raw-inflate.
		if zr, err := zlib.NewReader(bytes.NewReader(raw)); err == nil {
			defer zr.Close()
			if out, err := io.ReadAll(zr); err == nil {
				return out, nil
			}
		}
		fr := flate.NewReader(bytes.NewReader(raw))
		defer fr.Close()
		return io.ReadAll(fr)
	case "br":
		r := brotli.NewReader(bytes.NewReader(raw))
		return io.ReadAll(r)
	default:
		return raw, fmt.Errorf("unsupported content-encoding %q", encoding)
	}
}
