package app

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mojhehh/nebula/internal/urp/config"
)

func testConfig() *config.Config {
	return &config.Config{
		ListenAddr:   ":0",
		PublicOrigin: "http://localhost:3003",
		FetchTimeout: 30 * time.Second,
		LogLevel:     "ERROR",
	}
}

func TestAppServesLandingThroughMiddlewareChain(t *testing.T) {
	a := New(testConfig())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	a.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /, got %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("unexpected content type %q", rec.Header().Get("Content-Type"))
	}
}

func TestAppAnswersCORSPreflight(t *testing.T) {
	a := New(testConfig())

	req := httptest.NewRequest(http.MethodOptions, "/anything", nil)
	req.Header.Set("Origin", "https://client.example")
	rec := httptest.NewRecorder()
	a.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Methods"), "PATCH") {
		t.Fatalf("expected full method list, got %q", rec.Header().Get("Access-Control-Allow-Methods"))
	}
}

func TestLoadLandingPageFallsBackOnMissingAsset(t *testing.T) {
	cfg := testConfig()
	cfg.AssetDir = t.TempDir()
	cfg.LandingPath = "missing.html"
	if body := loadLandingPage(cfg); len(body) == 0 {
		t.Fatal("expected the built-in landing page as fallback")
	}
}

func TestLoadLandingPageReadsConfiguredAsset(t *testing.T) {
	cfg := testConfig()
	cfg.AssetDir = t.TempDir()
	cfg.LandingPath = "landing.html"
	want := "<html>custom landing</html>"
	if err := os.WriteFile(filepath.Join(cfg.AssetDir, "landing.html"), []byte(want), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := string(loadLandingPage(cfg)); got != want {
		t.Fatalf("loadLandingPage = %q, want %q", got, want)
	}
}

func TestLoadLandingPageRejectsTraversal(t *testing.T) {
	cfg := testConfig()
	cfg.AssetDir = t.TempDir()
	cfg.LandingPath = "../../etc/passwd"
	body := string(loadLandingPage(cfg))
	if strings.Contains(body, "root:") {
		t.Fatal("traversal must not escape the asset dir")
	}
	if len(body) == 0 {
		t.Fatal("expected the built-in landing page as fallback")
	}
}
