// Package urp wires the URL Codec, Upstream Fetcher, Content Rewriter, and
// Client Shim into the Request Router and HTTP handler.
package urp

import (
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mojhehh/nebula/internal/logger"
	"github.com/mojhehh/nebula/internal/sentryx"
	"github.com/mojhehh/nebula/internal/urp/codec"
	"github.com/mojhehh/nebula/internal/urp/fetch"
	"github.com/mojhehh/nebula/internal/urp/rewrite"
	"github.com/mojhehh/nebula/internal/urp/shim"
)

// clientBaseMap is the short-lived per-process map recording the last
// proxied base URL observed for a client identity, used to resolve
// relative fall-through requests (§4.E state 3).
type clientBaseMap struct {
	mu      sync.Mutex
	entries map[string]baseEntry
	ttl     time.Duration
}

type baseEntry struct {
	base    string
	touched time.Time
}

func newClientBaseMap(ttl time.Duration) *clientBaseMap {
	return &clientBaseMap{entries: make(map[string]baseEntry), ttl: ttl}
}

func (m *clientBaseMap) set(clientID, base string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[clientID] = baseEntry{base: base, touched: time.Now()}
}

func (m *clientBaseMap) get(clientID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[clientID]
	if !ok || time.Since(e.touched) > m.ttl {
		return "", false
	}
	return e.base, true
}

// Handler is the URP's single HTTP entry point: it classifies the request
// per the Request Router states and glues the Fetcher and Rewriter
// together.
type Handler struct {
	PublicOrigin     string
	LandingPage      []byte
	Fetcher          *fetch.Client
	ChallengeHeaders map[string]bool

	bases         *clientBaseMap
	publicHost    string
	exposeHeaders string
	log           *logger.Logger
}

// NewHandler constructs a Handler.
func NewHandler(publicOrigin string, landingPage []byte, fetcher *fetch.Client, challengeHeaders map[string]bool) *Handler {
	h := &Handler{
		PublicOrigin:     publicOrigin,
		LandingPage:      landingPage,
		Fetcher:          fetcher,
		ChallengeHeaders: challengeHeaders,
		bases:            newClientBaseMap(10 * time.Minute),
		log:              logger.WithComponent("urp.router"),
	}
	if u, err := url.Parse(publicOrigin); err == nil {
		h.publicHost = u.Host
	}
	h.exposeHeaders = buildExposeHeaders(challengeHeaders)
	return h
}

func buildExposeHeaders(challengeHeaders map[string]bool) string {
	names := []string{"x-csrf-token", "set-cookie"}
	for name := range challengeHeaders {
		names = append(names, name)
	}
	sort.Strings(names[2:])
	return strings.Join(names, ", ")
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientID := clientIdentity(r)
	q := r.URL.Query()
	fp := q.Get("__cpo")

	switch {
	case r.URL.Path == "/" && fp == "":
		h.serveLanding(w)
		return
	case fp != "":
		h.handleDirectProxy(w, r, clientID, fp)
		return
	default:
		if base, ok := h.relativeFallthroughBase(r, clientID); ok {
			h.handleFallthrough(w, r, base)
			return
		}
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (h *Handler) serveLanding(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(h.LandingPage)
}

func (h *Handler) handleDirectProxy(w http.ResponseWriter, r *http.Request, clientID, fp string) {
	target, err := codec.Decode(fp)
	if err != nil {
		http.Error(w, "malformed token", http.StatusBadRequest)
		return
	}

	// Origin scripts that read location.origin before the shim loads encode
	// the proxy's own address; prefer the referer or session base over
	// looping back into ourselves.
	if isLocalhost(target) || h.isSelfLoop(target) {
		if base, ok := h.relativeFallthroughBase(r, clientID); ok {
			target = resolveAgainstBase(r, base)
		}
	}

	h.bases.set(clientID, target)
	h.proxyTo(w, r, target)
}

func (h *Handler) relativeFallthroughBase(r *http.Request, clientID string) (string, bool) {
	if ref := r.Header.Get("Referer"); ref != "" {
		if refURL, err := url.Parse(ref); err == nil {
			if fp := refURL.Query().Get("__cpo"); fp != "" {
				if base, err := codec.Decode(fp); err == nil && !h.isSelfLoop(base) {
					return base, true
				}
			}
		}
	}
	if base, ok := h.bases.get(clientID); ok && !h.isSelfLoop(base) {
		return base, true
	}
	return "", false
}

// isSelfLoop reports whether rawURL points back at the proxy's own public
// host (on a localhost deployment that includes any localhost base).
func (h *Handler) isSelfLoop(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if h.publicHost == "" {
		return false
	}
	return u.Host == h.publicHost || (isLocalhost(h.PublicOrigin) && isLocalhost(rawURL))
}

func (h *Handler) handleFallthrough(w http.ResponseWriter, r *http.Request, base string) {
	target := resolveAgainstBase(r, base)
	h.proxyTo(w, r, target)
}

func resolveAgainstBase(r *http.Request, base string) string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return base
	}
	ref := &url.URL{Path: r.URL.Path, RawQuery: r.URL.RawQuery}
	return baseURL.ResolveReference(ref).String()
}

func (h *Handler) proxyTo(w http.ResponseWriter, r *http.Request, target string) {
	fctx := fetch.Context{
		Cookies: r.Header.Get("Cookie"),
		Referer: upstreamReferer(r.Header.Get("Referer")),
	}

	var body io.Reader
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		body = r.Body
	}

	result, err := h.Fetcher.Fetch(r.Context(), target, r.Method, r.Header, body, fctx)
	if err != nil {
		h.writeUpstreamError(w, target, err)
		return
	}

	baseURL := result.FinalURL
	opts := rewrite.Options{BaseURL: baseURL, PublicOrigin: h.PublicOrigin}
	contentType := result.Header.Get("Content-Type")
	rewritten := h.rewriteBody(result.Body, contentType, opts)

	if h.Fetcher.IsChallenge(result.Header) {
		h.log.Debug("challenge response from %s (status %d)", target, result.Status)
	}

	rewrite.ApplyHeaderPolicy(result.Header, result.Decompressed, !strings.HasPrefix(h.PublicOrigin, "https://"))
	for k, vs := range result.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Access-Control-Expose-Headers", h.exposeHeaders)
	w.WriteHeader(result.Status)
	w.Write(rewritten)
}

// upstreamReferer maps the client's referer (which names the proxy) back to
// the origin URL it carries, so the origin never sees the proxy's address.
func upstreamReferer(ref string) string {
	if ref == "" {
		return ""
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	fp := refURL.Query().Get("__cpo")
	if fp == "" {
		return ""
	}
	base, err := codec.Decode(fp)
	if err != nil {
		return ""
	}
	return base
}

func (h *Handler) rewriteBody(body []byte, contentType string, opts rewrite.Options) []byte {
	switch {
	case strings.Contains(contentType, "text/html"):
		early, main, err := shim.Render(shim.Config{PublicOrigin: opts.PublicOrigin, BaseURL: opts.BaseURL, BaseOrigin: originOf(opts.BaseURL)})
		if err != nil {
			sentryx.CaptureError("urp.router", err)
			return body
		}
		return safeRewrite(func() []byte { return rewrite.RewriteHTML(body, opts, early, main) }, body)
	case strings.Contains(contentType, "text/css"):
		return safeRewrite(func() []byte { return rewrite.RewriteCSS(body, opts) }, body)
	case strings.Contains(contentType, "javascript"):
		return safeRewrite(func() []byte { return rewrite.RewriteJS(body, opts) }, body)
	default:
		return body
	}
}

// safeRewrite recovers a panic from a malformed document and degrades to
// the original body (RewriteFailure is non-fatal per spec §7).
func safeRewrite(fn func() []byte, original []byte) (out []byte) {
	defer func() {
		if r := recover(); r != nil {
			sentryx.CaptureMessage("urp.rewrite", "recovered panic: %v", r)
			out = original
		}
	}()
	return fn()
}

func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Scheme + "://" + u.Host
}

func (h *Handler) writeUpstreamError(w http.ResponseWriter, target string, err error) {
	h.log.Warn("upstream fetch failed for %s: %v", target, err)
	sentryx.CaptureError("urp.router", err)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	w.Write([]byte(upstreamErrorHTML))
}

func isLocalhost(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

func clientIdentity(r *http.Request) string {
	if c, err := r.Cookie("client_id"); err == nil && c.Value != "" {
		return c.Value
	}
	return r.RemoteAddr + "|" + r.Header.Get("User-Agent")
}

const upstreamErrorHTML = `<!doctype html>
<html><head><meta charset="utf-8"><title>Loading</title></head>
<body>
<p>The page is taking longer than expected to load. Retrying in <span id="countdown">5</span>s.</p>
<button onclick="location.reload()">Retry now</button>
<script>
var n = 5;
var el = document.getElementById('countdown');
var id = setInterval(function() {
  n--;
  el.textContent = n;
  if (n <= 0) { clearInterval(id); location.reload(); }
}, 1000);
</script>
</body></html>`
