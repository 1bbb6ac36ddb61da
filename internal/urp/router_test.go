package urp

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mojhehh/nebula/internal/urp/codec"
	"github.com/mojhehh/nebula/internal/urp/fetch"
)

func newTestHandler(publicOrigin string) *Handler {
	fetcher := fetch.New(fetch.Config{InsecureSkipVerify: true})
	return NewHandler(publicOrigin, []byte("<html>landing</html>"), fetcher, map[string]bool{})
}

func TestRouterServesLandingPage(t *testing.T) {
	h := newTestHandler("https://proxy.example")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), "landing") {
		t.Fatalf("expected landing page, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestRouterRejectsMalformedToken(t *testing.T) {
	h := newTestHandler("https://proxy.example")
	req := httptest.NewRequest(http.MethodGet, "/explore?__cpo=not-valid-base64-!!!", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRouterProxiesDecodedTarget(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head></head><body><a href="/foryou">go</a></body></html>`))
	}))
	defer upstream.Close()

	h := newTestHandler("https://proxy.example")
	fp := codec.Encode(upstream.URL)
	req := httptest.NewRequest(http.MethodGet, "/explore?__cpo="+fp, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "proxy.example/foryou?__cpo=") {
		t.Fatalf("expected rewritten href, got: %s", rec.Body.String())
	}
	if rec.Header().Get("Content-Security-Policy") != "" {
		t.Fatalf("security headers should be stripped")
	}
}

func TestRouterNotFoundWithoutFingerprintOrReferer(t *testing.T) {
	h := newTestHandler("https://proxy.example")
	req := httptest.NewRequest(http.MethodGet, "/random/path", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestUpstreamRefererDerivedFromFingerprint(t *testing.T) {
	fp := codec.Encode("https://origin.example/page")
	got := upstreamReferer("https://proxy.example/page?__cpo=" + fp)
	if got != "https://origin.example/page" {
		t.Fatalf("upstreamReferer = %q", got)
	}
	if got := upstreamReferer("https://proxy.example/plain"); got != "" {
		t.Fatalf("referer without a fingerprint must map to empty, got %q", got)
	}
}

func TestRouterSelfLoopBaseRejected(t *testing.T) {
	h := newTestHandler("https://proxy.example")
	req := httptest.NewRequest(http.MethodGet, "/api/video", nil)
	req.Header.Set("Referer", "https://proxy.example/explore?__cpo="+codec.Encode("https://proxy.example/loop"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("a base pointing back at the proxy must not be followed, got %d", rec.Code)
	}
}

func TestRouterRelativeFallthroughViaReferer(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("upstream:" + r.URL.Path))
	}))
	defer upstream.Close()

	h := newTestHandler("https://proxy.example")
	fp := codec.Encode(upstream.URL)
	req := httptest.NewRequest(http.MethodGet, "/api/video", nil)
	req.Header.Set("Referer", "https://proxy.example/explore?__cpo="+fp)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 200 || rec.Body.String() != "upstream:/api/video" {
		t.Fatalf("expected relative fall-through to reach /api/video, got %d %s", rec.Code, rec.Body.String())
	}
}
