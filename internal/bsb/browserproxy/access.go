// Package browserproxy implements the per-request access check and the
// HTTP/WebSocket reverse proxy into a fleet slot's container.
package browserproxy

import (
	"net/http"
	"strconv"
	"time"

	"github.com/mojhehh/nebula/internal/bsb/fleet"
)

const (
	sessionCookieName = "session"
	browserCookieName = "browser"
	cookieMaxAge      = 24 * time.Hour
)

// AccessResult is the outcome of the per-request access-control state
// machine (§4.H).
type AccessResult struct {
	Granted bool
	SlotID  int
}

// CheckAccess implements the three-branch access-control state machine:
// a valid session cookie grants access; a valid one-shot url_token
// consumes itself and mints the session cookie; anything else is denied.
func (p *Proxy) CheckAccess(w http.ResponseWriter, r *http.Request, pathSlotID int) AccessResult {
	if c, err := r.Cookie(sessionCookieName); err == nil && c.Value != "" {
		if sess, ok := p.store.ValidateCookieToken(c.Value); ok && sess.SlotID == pathSlotID {
			return AccessResult{Granted: true, SlotID: sess.SlotID}
		}
	}

	token := r.URL.Query().Get("token")
	if token != "" {
		sess, err := p.store.ConsumeURLToken(token)
		if err == nil && sess.SlotID == pathSlotID {
			p.setAccessCookies(w, sess)
			return AccessResult{Granted: true, SlotID: sess.SlotID}
		}
	}

	return AccessResult{Granted: false}
}

func (p *Proxy) setAccessCookies(w http.ResponseWriter, sess *fleet.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.CookieToken,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(cookieMaxAge.Seconds()),
		Path:     "/",
	})
	http.SetCookie(w, &http.Cookie{
		Name:     browserCookieName,
		Value:    strconv.Itoa(sess.SlotID),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(cookieMaxAge.Seconds()),
		Path:     "/",
	})
}

// stripTokenParam removes the one-shot token query parameter before
// forwarding the request upstream.
func stripTokenParam(r *http.Request) {
	q := r.URL.Query()
	if q.Has("token") {
		q.Del("token")
		r.URL.RawQuery = q.Encode()
	}
}
