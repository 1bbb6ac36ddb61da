// Package api implements the BSB JSON control plane: request/check/release/
// heartbeat/status, matching the admin API used by browser-session clients.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mojhehh/nebula/internal/bsb/fleet"
	"github.com/mojhehh/nebula/internal/httpx/response"
	"github.com/mojhehh/nebula/internal/logger"
	"github.com/mojhehh/nebula/internal/observability"
	"github.com/mojhehh/nebula/internal/ratelimit"
)

// Handlers wires the fleet store and the abuse limiter into the admin API's
// five endpoints.
type Handlers struct {
	store        *fleet.Store
	limiter      *ratelimit.Limiter
	metrics      *observability.Metrics
	publicOrigin string
	log          *logger.Logger
}

// Config configures Handlers.
type Config struct {
	Store        *fleet.Store
	Limiter      *ratelimit.Limiter
	Metrics      *observability.Metrics
	PublicOrigin string
}

// New constructs Handlers.
func New(cfg Config) *Handlers {
	return &Handlers{
		store:        cfg.Store,
		limiter:      cfg.Limiter,
		metrics:      cfg.Metrics,
		publicOrigin: cfg.PublicOrigin,
		log:          logger.WithComponent("bsb.api"),
	}
}

// Register mounts the five endpoints onto mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/status", h.Status)
	mux.HandleFunc("/api/check-session", h.CheckSession)
	mux.HandleFunc("/api/request-browser", h.RequestBrowser)
	mux.HandleFunc("/api/heartbeat", h.Heartbeat)
	mux.HandleFunc("/api/release", h.Release)
}

type statusBrowser struct {
	ID        int  `json:"id"`
	Available bool `json:"available"`
}

type statusResponse struct {
	Total     int              `json:"total"`
	Available int              `json:"available"`
	InUse     int              `json:"inUse"`
	Browsers  []statusBrowser  `json:"browsers"`
	Counters  map[string]int64 `json:"counters,omitempty"`
}

// Status reports current fleet occupancy plus the lifetime
// assignment/release/eviction counters.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	stats := h.store.Stats()
	browsers := make([]statusBrowser, 0, len(stats.Browsers))
	for _, b := range stats.Browsers {
		browsers = append(browsers, statusBrowser{ID: b.ID, Available: b.Available})
	}
	var counters map[string]int64
	if h.metrics != nil {
		counters = h.metrics.Snapshot()
	}
	response.JSON(w, http.StatusOK, statusResponse{
		Total:     stats.Total,
		Available: stats.Available,
		InUse:     stats.InUse,
		Browsers:  browsers,
		Counters:  counters,
	})
}

type checkSessionResponse struct {
	HasSession bool    `json:"hasSession"`
	BrowserID  *int    `json:"browserId,omitempty"`
	BrowserURL *string `json:"browserUrl,omitempty"`
	SessionAge *int64  `json:"sessionAge,omitempty"`
}

// CheckSession reports whether clientId (query param) currently holds a
// live session, without minting a fresh url_token.
func (h *Handlers) CheckSession(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		response.BadRequest(w, "missing_client_id", "clientId is required")
		return
	}

	sess, ok := h.store.Check(clientID)
	if !ok {
		response.JSON(w, http.StatusOK, checkSessionResponse{HasSession: false})
		return
	}

	ageSecs := int64(0)
	if !sess.AssignedAt.IsZero() {
		ageSecs = int64(time.Since(sess.AssignedAt).Seconds())
	}
	browserID := sess.SlotID
	url := h.browserURL(r, sess.SlotID, "")
	response.JSON(w, http.StatusOK, checkSessionResponse{
		HasSession: true,
		BrowserID:  &browserID,
		BrowserURL: &url,
		SessionAge: &ageSecs,
	})
}

type requestBrowserBody struct {
	ClientID string `json:"clientId"`
}

type requestBrowserResponse struct {
	Success    bool   `json:"success"`
	SessionID  string `json:"sessionId"`
	BrowserURL string `json:"browserUrl"`
	BrowserID  int    `json:"browserId"`
	Existing   bool   `json:"existing"`
	Message    string `json:"message"`
}

type allSlotsBusyResponse struct {
	Success           bool   `json:"success"`
	Error             string `json:"error"`
	RetryAfterSeconds int    `json:"retryAfterSeconds"`
}

// RequestBrowser assigns (or returns the existing) slot for a client,
// guarded by the per-client abuse limiter.
func (h *Handlers) RequestBrowser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		response.Error(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required", nil)
		return
	}

	var body requestBrowserBody
	_ = json.NewDecoder(r.Body).Decode(&body)
	clientID := body.ClientID
	if clientID == "" {
		clientID = clientIdentity(r)
	}

	if allowed, retryAfter := h.limiter.Check(clientID); !allowed {
		response.JSON(w, http.StatusTooManyRequests, allSlotsBusyResponse{
			Success:           false,
			Error:             "rate_limited",
			RetryAfterSeconds: int(retryAfter.Seconds()),
		})
		return
	}
	h.limiter.RecordAttempt(clientID)

	result, err := h.store.Request(clientID)
	if err != nil {
		var busy *fleet.ErrAllSlotsBusy
		if errors.As(err, &busy) {
			response.JSON(w, http.StatusServiceUnavailable, allSlotsBusyResponse{
				Success:           false,
				Error:             "all_browsers_in_use",
				RetryAfterSeconds: busy.RetryAfterSecs,
			})
			return
		}
		response.InternalServerError(w, "assign_failed", "could not assign a browser", err)
		return
	}
	h.limiter.Clear(clientID)

	message := "browser assigned"
	if result.Existing {
		message = "existing session"
	}
	response.JSON(w, http.StatusOK, requestBrowserResponse{
		Success:    true,
		SessionID:  result.Session.SessionID,
		BrowserURL: h.browserURL(r, result.Slot.ID, result.Session.URLToken),
		BrowserID:  result.Slot.ID,
		Existing:   result.Existing,
		Message:    message,
	})
}

type heartbeatBody struct {
	BrowserID *int    `json:"browserId"`
	SessionID *string `json:"sessionId"`
}

type successResponse struct {
	Success bool `json:"success"`
}

// Heartbeat refreshes liveness for a slot identified by browserId or
// sessionId.
func (h *Handlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		response.Error(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required", nil)
		return
	}

	var body heartbeatBody
	_ = json.NewDecoder(r.Body).Decode(&body)

	var ok bool
	switch {
	case body.BrowserID != nil:
		ok = h.store.Heartbeat(*body.BrowserID)
	case body.SessionID != nil:
		ok = h.store.HeartbeatBySessionID(*body.SessionID)
	default:
		response.BadRequest(w, "missing_identifier", "browserId or sessionId is required")
		return
	}

	if !ok {
		response.NotFound(w, "unknown_session", "no live session for that identifier")
		return
	}
	response.JSON(w, http.StatusOK, successResponse{Success: true})
}

type releaseBody struct {
	ClientID  *string `json:"clientId"`
	BrowserID *int    `json:"browserId"`
}

// Release tears down a session identified by clientId or browserId.
func (h *Handlers) Release(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		response.Error(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required", nil)
		return
	}

	var body releaseBody
	_ = json.NewDecoder(r.Body).Decode(&body)

	switch {
	case body.ClientID != nil:
		h.store.ReleaseByClientID(*body.ClientID)
	case body.BrowserID != nil:
		h.store.Release(*body.BrowserID)
	default:
		response.BadRequest(w, "missing_identifier", "clientId or browserId is required")
		return
	}
	response.JSON(w, http.StatusOK, successResponse{Success: true})
}

// browserURL builds the absolute entry URL for a slot. Scheme and host come
// from the edge's forwarding headers when present, then the request's Host,
// then the configured public origin.
func (h *Handlers) browserURL(r *http.Request, slotID int, urlToken string) string {
	origin := h.publicOrigin
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	if host != "" {
		proto := r.Header.Get("X-Forwarded-Proto")
		if proto == "" {
			proto = "http"
			if r.TLS != nil {
				proto = "https"
			}
		}
		origin = proto + "://" + host
	}
	if urlToken == "" {
		return fmt.Sprintf("%s/browser/%d/", origin, slotID)
	}
	return fmt.Sprintf("%s/browser/%d/?token=%s", origin, slotID, urlToken)
}

func clientIdentity(r *http.Request) string {
	if c, err := r.Cookie("client_id"); err == nil && c.Value != "" {
		return c.Value
	}
	return r.RemoteAddr + "|" + r.Header.Get("User-Agent")
}
