package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mojhehh/nebula/internal/bsb/fleet"
	"github.com/mojhehh/nebula/internal/bsb/mirror"
	"github.com/mojhehh/nebula/internal/ratelimit"
)

func newTestHandlers(t *testing.T, slotCount int) *Handlers {
	t.Helper()
	store := fleet.New(fleet.Config{
		SlotCount:         slotCount,
		HostTemplate:      "browser-%d.internal",
		PortBase:          9000,
		SessionTimeout:    5 * time.Minute,
		WSPresenceTimeout: 2 * time.Minute,
		AssignmentGrace:   60 * time.Second,
		Mirror:            mirror.NullStore{},
	})
	limiter := ratelimit.New(ratelimit.Config{MaxAttempts: 1000})
	return New(Config{Store: store, Limiter: limiter, PublicOrigin: "https://proxy.example"})
}

func postJSON(h http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestStatusReportsOccupancy(t *testing.T) {
	h := newTestHandlers(t, 3)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	h.Status(rec, req)

	var status statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status.Total != 3 || status.Available != 3 || status.InUse != 0 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestRequestBrowserAssignsAndReturnsURL(t *testing.T) {
	h := newTestHandlers(t, 2)
	rec := postJSON(h.RequestBrowser, "/api/request-browser", requestBrowserBody{ClientID: "client-1"})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var assigned requestBrowserResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &assigned); err != nil {
		t.Fatal(err)
	}
	if !assigned.Success {
		t.Fatalf("expected success, got %+v", assigned)
	}
	if assigned.BrowserURL == "" {
		t.Fatal("expected a non-empty browserUrl")
	}
	if assigned.Existing {
		t.Fatal("expected a fresh assignment")
	}
}

func TestBrowserURLHonorsForwardingHeaders(t *testing.T) {
	h := newTestHandlers(t, 2)

	var buf bytes.Buffer
	json.NewEncoder(&buf).Encode(requestBrowserBody{ClientID: "client-1"})
	req := httptest.NewRequest(http.MethodPost, "/api/request-browser", &buf)
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-Forwarded-Host", "public.example")
	rec := httptest.NewRecorder()
	h.RequestBrowser(rec, req)

	var assigned requestBrowserResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &assigned); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(assigned.BrowserURL, "https://public.example/browser/") {
		t.Fatalf("browserUrl must honor forwarding headers, got %q", assigned.BrowserURL)
	}
}

func TestRequestBrowserReturnsExistingOnSecondCall(t *testing.T) {
	h := newTestHandlers(t, 2)
	first := postJSON(h.RequestBrowser, "/api/request-browser", requestBrowserBody{ClientID: "client-1"})
	second := postJSON(h.RequestBrowser, "/api/request-browser", requestBrowserBody{ClientID: "client-1"})

	var firstResp, secondResp requestBrowserResponse
	json.Unmarshal(first.Body.Bytes(), &firstResp)
	json.Unmarshal(second.Body.Bytes(), &secondResp)

	if secondResp.BrowserID != firstResp.BrowserID {
		t.Fatalf("expected same browser id, got %d vs %d", firstResp.BrowserID, secondResp.BrowserID)
	}
	if !secondResp.Existing {
		t.Fatal("expected the second call to report an existing session")
	}
}

func TestRequestBrowserAllSlotsBusy(t *testing.T) {
	h := newTestHandlers(t, 1)
	postJSON(h.RequestBrowser, "/api/request-browser", requestBrowserBody{ClientID: "client-1"})
	rec := postJSON(h.RequestBrowser, "/api/request-browser", requestBrowserBody{ClientID: "client-2"})

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rec.Code, rec.Body.String())
	}
	var busy allSlotsBusyResponse
	json.Unmarshal(rec.Body.Bytes(), &busy)
	if busy.Success {
		t.Fatal("a 503 body must not report success")
	}
	if busy.Error != "all_browsers_in_use" {
		t.Fatalf("expected all_browsers_in_use, got %+v", busy)
	}
}

func TestCheckSessionReportsNoSessionForUnknownClient(t *testing.T) {
	h := newTestHandlers(t, 2)
	req := httptest.NewRequest(http.MethodGet, "/api/check-session?clientId=nobody", nil)
	rec := httptest.NewRecorder()
	h.CheckSession(rec, req)

	var check checkSessionResponse
	json.Unmarshal(rec.Body.Bytes(), &check)
	if check.HasSession {
		t.Fatal("expected hasSession=false for an unknown client")
	}
}

func TestCheckSessionReportsExistingSession(t *testing.T) {
	h := newTestHandlers(t, 2)
	postJSON(h.RequestBrowser, "/api/request-browser", requestBrowserBody{ClientID: "client-1"})

	req := httptest.NewRequest(http.MethodGet, "/api/check-session?clientId=client-1", nil)
	rec := httptest.NewRecorder()
	h.CheckSession(rec, req)

	var check checkSessionResponse
	json.Unmarshal(rec.Body.Bytes(), &check)
	if !check.HasSession {
		t.Fatal("expected hasSession=true")
	}
}

func TestHeartbeatByBrowserID(t *testing.T) {
	h := newTestHandlers(t, 2)
	assignRec := postJSON(h.RequestBrowser, "/api/request-browser", requestBrowserBody{ClientID: "client-1"})
	var assigned requestBrowserResponse
	json.Unmarshal(assignRec.Body.Bytes(), &assigned)

	browserID := assigned.BrowserID
	rec := postJSON(h.Heartbeat, "/api/heartbeat", heartbeatBody{BrowserID: &browserID})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHeartbeatUnknownSlotNotFound(t *testing.T) {
	h := newTestHandlers(t, 2)
	bogus := 999
	rec := postJSON(h.Heartbeat, "/api/heartbeat", heartbeatBody{BrowserID: &bogus})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestReleaseByClientIDFreesTheSlot(t *testing.T) {
	h := newTestHandlers(t, 1)
	postJSON(h.RequestBrowser, "/api/request-browser", requestBrowserBody{ClientID: "client-1"})

	clientID := "client-1"
	releaseRec := postJSON(h.Release, "/api/release", releaseBody{ClientID: &clientID})
	if releaseRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", releaseRec.Code)
	}

	rec := postJSON(h.RequestBrowser, "/api/request-browser", requestBrowserBody{ClientID: "client-2"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected the freed slot to be assignable, got %d: %s", rec.Code, rec.Body.String())
	}
}
