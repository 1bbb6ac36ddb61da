// Package middleware holds the small set of HTTP middlewares shared by
// both binaries: panic recovery, gzip response compression, and CORS.
package middleware

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/mojhehh/nebula/internal/logger"
	"github.com/mojhehh/nebula/internal/sentryx"
)

// Recover wraps a handler so a panic becomes a 500 instead of killing the
// connection, and is reported to Sentry tagged with component.
func Recover(component string, next http.Handler) http.Handler {
	log := logger.WithComponent(component)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("panic handling %s %s: %v", r.Method, r.URL.Path, rec)
				sentryx.CaptureMessage(component, "panic: %v", rec)
				w.WriteHeader(http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

const (
	corsAllowMethods = "GET, POST, PUT, DELETE, PATCH, OPTIONS"
	corsAllowHeaders = "Content-Type, Accept, x-csrf-token, Cookie, Authorization, X-Requested-With"
)

// CORS answers preflights and stamps the response headers browser-based
// clients need to reach the API and read relayed token headers. With an
// empty allowlist every origin is accepted.
func CORS(allowedOrigins, exposeHeaders []string, next http.Handler) http.Handler {
	allowAll := len(allowedOrigins) == 0
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	expose := strings.Join(exposeHeaders, ", ")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case origin != "" && (allowAll || allowed[origin]):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Vary", "Origin")
		case allowAll:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		if expose != "" {
			w.Header().Set("Access-Control-Expose-Headers", expose)
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", corsAllowMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

var compressibleTypes = map[string]bool{
	"text/html":              true,
	"text/css":               true,
	"text/plain":             true,
	"application/javascript": true,
	"application/json":       true,
	"image/svg+xml":          true,
}

var gzipWriterPool = sync.Pool{
	New: func() any { return gzip.NewWriter(io.Discard) },
}

// gzipResponseWriter defers the compress-or-not decision to the first
// WriteHeader call, when Content-Type is known.
type gzipResponseWriter struct {
	http.ResponseWriter
	gz          *gzip.Writer
	wroteHeader bool
	compressing bool
}

func (w *gzipResponseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	ct := strings.SplitN(w.Header().Get("Content-Type"), ";", 2)[0]
	if w.Header().Get("Content-Encoding") == "" && compressibleTypes[strings.TrimSpace(ct)] {
		w.compressing = true
		w.gz.Reset(w.ResponseWriter)
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
		w.Header().Del("Content-Length")
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if w.compressing {
		return w.gz.Write(b)
	}
	return w.ResponseWriter.Write(b)
}

// Hijack lets WebSocket upgrades pass through the gzip layer untouched.
func (w *gzipResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("middleware: underlying ResponseWriter does not support hijacking")
	}
	return h.Hijack()
}

func (w *gzipResponseWriter) Flush() {
	if w.compressing {
		w.gz.Flush()
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Gzip compresses response bodies for compressible content types when the
// client advertises gzip support, pooling gzip.Writer instances. Upgrade
// requests bypass it entirely.
func Gzip(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") != "" ||
			!strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}
		gz := gzipWriterPool.Get().(*gzip.Writer)
		gw := &gzipResponseWriter{ResponseWriter: w, gz: gz}
		defer func() {
			if gw.compressing {
				gz.Close()
			}
			gzipWriterPool.Put(gz)
		}()
		next.ServeHTTP(gw, r)
	})
}
