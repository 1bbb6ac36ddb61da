// Package app wires BSB's configuration, fleet store, browser proxy, and
// admin API into an http.Server and runs it with graceful shutdown,
// following the same bootstrap/routes/shutdown split as the URP binary.
package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mojhehh/nebula/internal/bsb"
	"github.com/mojhehh/nebula/internal/bsb/api"
	"github.com/mojhehh/nebula/internal/bsb/browserproxy"
	"github.com/mojhehh/nebula/internal/bsb/config"
	"github.com/mojhehh/nebula/internal/bsb/fleet"
	"github.com/mojhehh/nebula/internal/bsb/mirror"
	"github.com/mojhehh/nebula/internal/httpx/middleware"
	"github.com/mojhehh/nebula/internal/logger"
	"github.com/mojhehh/nebula/internal/observability"
	"github.com/mojhehh/nebula/internal/ratelimit"
	"github.com/mojhehh/nebula/internal/sentryx"
)

const (
	readTimeout   = 10 * time.Second
	writeTimeout  = 0 // unbounded: WebSocket tunnels are long-lived
	idleTimeout   = 120 * time.Second
	shutdownGrace = 10 * time.Second
)

// App is the fully-wired BSB server.
type App struct {
	cfg     *config.Config
	server  *http.Server
	store   *fleet.Store
	limiter *ratelimit.Limiter
	log     *logger.Logger
}

// New constructs an App from cfg.
func New(cfg *config.Config) *App {
	logger.Init(logger.Config{MinLevel: parseLevel(cfg.LogLevel), UseColor: cfg.UseColorLogs})
	sentryx.Init("bsb")

	var mirrorStore mirror.Store
	if cfg.MirrorPath != "" {
		mirrorStore = mirror.NewFileStore(cfg.MirrorPath)
	} else {
		mirrorStore = mirror.NullStore{}
	}

	metrics := observability.NewMetrics()
	store := fleet.New(fleet.Config{
		SlotCount:         cfg.SlotCount,
		HostTemplate:      cfg.SlotHostTemplate,
		PortBase:          cfg.SlotPortBase,
		SessionTimeout:    cfg.SessionTimeout,
		WSPresenceTimeout: cfg.WSPresenceTimeout,
		AssignmentGrace:   cfg.AssignmentGrace,
		URLTokenTTL:       cfg.URLTokenTTL,
		Mirror:            mirrorStore,
		Metrics:           metrics,
	})
	store.StartReaper(cfg.ReaperInterval)

	limiter := ratelimit.New(ratelimit.Config{PersistPath: cfg.RateLimitPath})

	proxy := browserproxy.New(browserproxy.Config{
		Store:             store,
		ContainerAuthUser: cfg.ContainerAuthUser,
		ContainerAuthPass: cfg.ContainerAuthPass,
		EnhancementScript: bsb.DefaultEnhancementScript,
	})
	audio := browserproxy.NewAudioTranscoder("ffmpeg")

	handlers := api.New(api.Config{Store: store, Limiter: limiter, Metrics: metrics, PublicOrigin: cfg.PublicOrigin})

	a := &App{cfg: cfg, store: store, limiter: limiter, log: logger.WithComponent("bsb.app")}

	mux := http.NewServeMux()
	handlers.Register(mux)
	mux.HandleFunc("/browser/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/audio") {
			slotID, _, ok := browserproxy.ParseBrowserPath(strings.TrimSuffix(r.URL.Path, "/audio") + "/")
			if !ok {
				http.NotFound(w, r)
				return
			}
			if !proxy.CheckAccess(w, r, slotID).Granted {
				http.Error(w, "access denied", http.StatusForbidden)
				return
			}
			slot, found := store.SlotByID(slotID)
			if !found {
				http.NotFound(w, r)
				return
			}
			audio.Serve(w, r, slotID, slot.Host)
			return
		}
		if isWebSocketUpgrade(r) {
			proxy.ServeWS(w, r)
			return
		}
		proxy.ServeHTTP(w, r)
	})

	var wrapped http.Handler = mux
	wrapped = middleware.CORS(cfg.CORSAllowedOrigins, nil, wrapped)
	wrapped = middleware.Gzip(wrapped)
	wrapped = middleware.Recover("bsb", wrapped)

	a.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      wrapped,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return a
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
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
		sentryx.CaptureError("bsb.app", err)
		return 1
	case sig := <-sigCh:
		a.log.Info("received signal %v, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		a.log.Error("graceful shutdown failed: %v", err)
	}

	a.store.Stop()
	a.limiter.Stop()
	sentryx.Flush(2 * time.Second)
	return 0
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
