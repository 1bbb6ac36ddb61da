// Package app wires URP's configuration, fetcher, and router into an
// http.Server and runs it with graceful shutdown, following the teacher's
// bootstrap/routes/shutdown split.
package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mojhehh/nebula/internal/httpx/middleware"
	"github.com/mojhehh/nebula/internal/logger"
	"github.com/mojhehh/nebula/internal/pathsec"
	"github.com/mojhehh/nebula/internal/sentryx"
	"github.com/mojhehh/nebula/internal/urp"
	"github.com/mojhehh/nebula/internal/urp/config"
	"github.com/mojhehh/nebula/internal/urp/fetch"
	"github.com/mojhehh/nebula/internal/urp/rewrite"
)

const (
	readTimeout   = 10 * time.Second
	writeTimeout  = 60 * time.Second
	idleTimeout   = 120 * time.Second
	shutdownGrace = 10 * time.Second
)

// App is the fully-wired URP server.
type App struct {
	cfg     *config.Config
	server  *http.Server
	handler *urp.Handler
	log     *logger.Logger
}

// New constructs an App from cfg.
func New(cfg *config.Config) *App {
	logger.Init(logger.Config{MinLevel: parseLevel(cfg.LogLevel), UseColor: cfg.UseColorLogs})
	sentryx.Init("urp")

	fetcher := fetch.New(fetch.Config{
		Timeout:            cfg.FetchTimeout,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		ChallengeHeaders:   cfg.ChallengeHeaders,
	})
	challengeHeaders := rewrite.ChallengeHeaderNames(cfg.ChallengeHeaders)
	handler := urp.NewHandler(cfg.PublicOrigin, loadLandingPage(cfg), fetcher, challengeHeaders)

	a := &App{cfg: cfg, handler: handler, log: logger.WithComponent("urp.app")}

	mux := http.NewServeMux()
	mux.Handle("/", handler)

	exposeHeaders := append([]string{"x-csrf-token", "set-cookie"}, cfg.ChallengeHeaders...)

	var wrapped http.Handler = mux
	wrapped = middleware.CORS(cfg.CORSAllowedOrigins, exposeHeaders, wrapped)
	wrapped = middleware.Gzip(wrapped)
	wrapped = middleware.Recover("urp", wrapped)

	a.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      wrapped,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return a
}

// Run starts the server and blocks until a shutdown signal is received or
// the server fails to bind, returning an appropriate process exit code.
func (a *App) Run() int {
	serverErr := make(chan error, 1)
	go func() {
		a.log.Info("listening on %s", a.cfg.ListenAddr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		a.log.Error("server failed to start: %v", err)
		sentryx.CaptureError("urp.app", err)
		return 1
	case sig := <-sigCh:
		a.log.Info("received signal %v, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		a.log.Error("graceful shutdown failed: %v", err)
	}
	sentryx.Flush(2 * time.Second)
	return 0
}

// loadLandingPage reads the configured landing asset (checked against the
// asset-dir boundary), falling back to the built-in page when unset or
// unreadable.
func loadLandingPage(cfg *config.Config) []byte {
	if cfg.LandingPath == "" {
		return []byte(urp.DefaultLandingPage)
	}
	resolved, err := pathsec.ValidateBoundary(cfg.AssetDir, cfg.LandingPath)
	if err != nil {
		logger.WithComponent("urp.app").Warn("landing page path rejected: %v", err)
		return []byte(urp.DefaultLandingPage)
	}
	body, err := os.ReadFile(resolved)
	if err != nil {
		logger.WithComponent("urp.app").Warn("landing page unreadable: %v", err)
		return []byte(urp.DefaultLandingPage)
	}
	return body
}

func parseLevel(s string) logger.Level {
	switch s {
	case "DEBUG":
		return logger.DEBUG
	case "WARN":
		return logger.WARN
	case "ERROR":
		return logger.ERROR
	default:
		return logger.INFO
	}
}
