// Package sentryx wraps github.com/getsentry/sentry-go so the rest of the
// codebase never has to check whether error reporting is configured.
package sentryx

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/mojhehh/nebula/internal/logger"
)

var (
	mu      sync.Mutex
	enabled bool
)

// Init configures Sentry for the given logical service ("urp" or "bsb") if
// SENTRY_DSN is set in the environment. Without a DSN, every function in
// this package becomes a no-op, so callers never need to branch on whether
// reporting is active.
func Init(service string) {
	mu.Lock()
	defer mu.Unlock()

	dsn := os.Getenv("SENTRY_DSN")
	if dsn == "" {
		enabled = false
		return
	}

	env := os.Getenv("SENTRY_ENVIRONMENT")
	if env == "" {
		env = "production"
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      env,
		ServerName:       service,
		AttachStacktrace: true,
		TracesSampleRate: 0,
	})
	if err != nil {
		logger.WithComponent("sentryx").Error("failed to initialize sentry: %v", err)
		enabled = false
		return
	}
	enabled = true
}

// CaptureError reports err, tagged with component, if reporting is enabled.
func CaptureError(component string, err error) {
	if err == nil {
		return
	}
	mu.Lock()
	on := enabled
	mu.Unlock()
	if !on {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", component)
		sentry.CaptureException(err)
	})
}

// CaptureMessage reports a freeform message, tagged with component.
func CaptureMessage(component, msg string, args ...any) {
	mu.Lock()
	on := enabled
	mu.Unlock()
	if !on {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", component)
		sentry.CaptureMessage(msg)
	})
}

// RecoverPanicAndCapture recovers a panic (if any), reports it tagged with
// component, and returns true if a panic was recovered. Intended to be used
// as `defer sentryx.RecoverPanicAndCapture("urp.handler")`.
func RecoverPanicAndCapture(component string) (recovered bool) {
	r := recover()
	if r == nil {
		return false
	}
	mu.Lock()
	on := enabled
	mu.Unlock()
	if on {
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("component", component)
			sentry.CurrentHub().Recover(r)
		})
	}
	logger.WithComponent(component).Error("recovered panic: %v", r)
	return true
}

// Flush blocks up to timeout waiting for buffered events to send. Call it
// once, late in shutdown, after the HTTP server has stopped accepting work.
func Flush(timeout time.Duration) {
	mu.Lock()
	on := enabled
	mu.Unlock()
	if !on {
		return
	}
	sentry.Flush(timeout)
}
