// Package testutil wires a full in-memory BSB server for end-to-end tests
// of the BSB routes, following the teacher's test/testutil/server.go
// pattern of a single Setup(t) building every dependency by hand.
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/mojhehh/nebula/internal/bsb"
	"github.com/mojhehh/nebula/internal/bsb/api"
	"github.com/mojhehh/nebula/internal/bsb/browserproxy"
	"github.com/mojhehh/nebula/internal/bsb/fleet"
	"github.com/mojhehh/nebula/internal/bsb/mirror"
	"github.com/mojhehh/nebula/internal/logger"
	"github.com/mojhehh/nebula/internal/ratelimit"
)

// TestServer holds an in-memory BSB server and its wired dependencies. The
// fleet slots point at unreachable hosts, same as production slots before a
// container attaches; tests exercising real upstream dialing construct their
// own httptest backend and a Store pointed at it directly (see
// browserproxy's own tests), rather than going through this helper.
type TestServer struct {
	Server  *httptest.Server
	Store   *fleet.Store
	Limiter *ratelimit.Limiter
	Proxy   *browserproxy.Proxy
	TempDir string
}

// Config customizes Setup; zero values fall back to small test-friendly
// defaults.
type Config struct {
	SlotCount         int
	SessionTimeout    time.Duration
	WSPresenceTimeout time.Duration
	AssignmentGrace   time.Duration
}

// Setup creates a fully wired BSB server backed by a temp dir for the
// fleet mirror and rate-limit persistence.
func Setup(t testing.TB, cfg Config) *TestServer {
	t.Helper()
	logger.Init(logger.Config{Output: io.Discard, MinLevel: logger.ERROR, UseColor: false})

	if cfg.SlotCount <= 0 {
		cfg.SlotCount = 2
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 5 * time.Minute
	}
	if cfg.WSPresenceTimeout <= 0 {
		cfg.WSPresenceTimeout = 2 * time.Minute
	}
	if cfg.AssignmentGrace <= 0 {
		cfg.AssignmentGrace = 60 * time.Second
	}

	tempDir, err := os.MkdirTemp("", "bsb-test-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}

	store := fleet.New(fleet.Config{
		SlotCount:         cfg.SlotCount,
		HostTemplate:      "browser-%d.test-internal",
		PortBase:          9000,
		SessionTimeout:    cfg.SessionTimeout,
		WSPresenceTimeout: cfg.WSPresenceTimeout,
		AssignmentGrace:   cfg.AssignmentGrace,
		Mirror:            mirror.NewFileStore(tempDir + "/fleet-mirror.json"),
	})

	limiter := ratelimit.New(ratelimit.Config{PersistPath: tempDir + "/rate-limit.json", MaxAttempts: 1000})

	proxy := browserproxy.New(browserproxy.Config{
		Store:             store,
		EnhancementScript: bsb.DefaultEnhancementScript,
	})

	handlers := api.New(api.Config{Store: store, Limiter: limiter, PublicOrigin: ""})

	mux := http.NewServeMux()
	handlers.Register(mux)
	mux.Handle("/browser/", proxy)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	t.Cleanup(store.Stop)
	t.Cleanup(limiter.Stop)
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	return &TestServer{Server: server, Store: store, Limiter: limiter, Proxy: proxy, TempDir: tempDir}
}
