package browserproxy

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httputil"
	"regexp"
	"strconv"
	"strings"

	"github.com/mojhehh/nebula/internal/bsb/fleet"
	"github.com/mojhehh/nebula/internal/logger"
	"github.com/mojhehh/nebula/internal/sentryx"
	"github.com/mojhehh/nebula/internal/urp/rewrite"
)

// Proxy is the BSB Browser Proxy: per-request access check, path-prefix
// stripping, and HTTP/WebSocket reverse proxying into the assigned slot's
// container.
type Proxy struct {
	store       *fleet.Store
	authUser    string
	authPass    string
	enhancement string
	log         *logger.Logger
}

// Config configures a Proxy.
type Config struct {
	Store             *fleet.Store
	ContainerAuthUser string
	ContainerAuthPass string
	EnhancementScript string
}

// New constructs a Proxy.
func New(cfg Config) *Proxy {
	return &Proxy{
		store:       cfg.Store,
		authUser:    cfg.ContainerAuthUser,
		authPass:    cfg.ContainerAuthPass,
		enhancement: cfg.EnhancementScript,
		log:         logger.WithComponent("bsb.browserproxy"),
	}
}

var browserPathPattern = regexp.MustCompile(`^/browser/(\d+)(/.*)?$`)

// ParseBrowserPath extracts the slot id and remaining path from a request
// path of the form /browser/<slot_id>/<rest>, tolerating a trailing query
// string.
func ParseBrowserPath(path string) (slotID int, rest string, ok bool) {
	if q := strings.IndexByte(path, '?'); q != -1 {
		path = path[:q]
	}
	m := browserPathPattern.FindStringSubmatch(path)
	if m == nil {
		return 0, "", false
	}
	id, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, "", false
	}
	rest = m[2]
	if rest == "" {
		rest = "/"
	}
	return id, rest, true
}

// ServeHTTP handles GET/POST/etc. requests under /browser/<slot_id>/*.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	slotID, rest, ok := ParseBrowserPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	access := p.CheckAccess(w, r, slotID)
	if !access.Granted {
		p.writeAccessDenied(w)
		return
	}
	stripTokenParam(r)

	slot, found := p.store.SlotByID(slotID)
	if !found {
		http.NotFound(w, r)
		return
	}

	target := fmt.Sprintf("http://%s:%d", slot.Host, slot.Port)
	proxy := p.buildReverseProxy(target, rest)
	proxy.ServeHTTP(w, r)
}

func (p *Proxy) buildReverseProxy(targetOrigin, rest string) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(mustParseURL(targetOrigin))
			pr.Out.URL.Path = rest
			pr.Out.URL.RawPath = rest
			if p.authUser != "" {
				pr.Out.SetBasicAuth(p.authUser, p.authPass)
			}
		},
		ModifyResponse: p.modifyResponse,
		ErrorHandler:   p.handleProxyError,
	}
}

func (p *Proxy) modifyResponse(resp *http.Response) error {
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/html") {
		return nil
	}

	body, err := readAndReplaceBody(resp)
	if err != nil {
		return err
	}

	injected := injectEnhancement(body, p.enhancement)
	injected = rewrite.StripIntegrityAndDowngradeCrossorigin(injected)

	resp.Body = nopCloser{bytes.NewReader(injected)}
	resp.Header.Del("Content-Length")
	resp.Header.Del("Content-Encoding")
	resp.ContentLength = int64(len(injected))
	return nil
}

func (p *Proxy) handleProxyError(w http.ResponseWriter, r *http.Request, err error) {
	p.log.Warn("upstream container unreachable: %v", err)
	sentryx.CaptureError("bsb.browserproxy", err)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	w.Write([]byte(startingUpHTML))
}

func (p *Proxy) writeAccessDenied(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	w.Write([]byte(accessDeniedHTML))
}

const startingUpHTML = `<!doctype html>
<html><head><meta charset="utf-8"><title>Starting up</title></head>
<body>
<p>Your browser session is starting. This page will refresh automatically.</p>
<p id="countdown">5</p>
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

const accessDeniedHTML = `<!doctype html>
<html><head><meta charset="utf-8"><title>Access denied</title></head>
<body><p>Access denied.</p></body></html>`
