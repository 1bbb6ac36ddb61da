package browserproxy

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mojhehh/nebula/internal/logger"
	"github.com/mojhehh/nebula/internal/sentryx"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS handles a WebSocket upgrade under /browser/<slot_id>/*: it
// validates access the same way as HTTP, dials the upstream container
// directly, hand-synthesizes the HTTP/1.1 Upgrade handshake, and pipes the
// two connections bidirectionally after the upstream's 101 response.
func (p *Proxy) ServeWS(w http.ResponseWriter, r *http.Request) {
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

	upstreamConn, err := dialUpstream(slot.Host, slot.Port, rest, r, p.authUser, p.authPass)
	if err != nil {
		p.log.Warn("websocket upstream dial failed for slot %d: %v", slotID, err)
		sentryx.CaptureError("bsb.browserproxy.ws", err)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	defer upstreamConn.Close()

	// Cookies minted by a token-consume grant sit in w's header map, which
	// the hijacked 101 handshake bypasses; carry them on the handshake
	// response itself or the one-shot token burns without delivering its
	// partner cookie.
	respHeader := http.Header{}
	if cookies := w.Header().Values("Set-Cookie"); len(cookies) > 0 {
		respHeader["Set-Cookie"] = cookies
	}
	clientConn, err := wsUpgrader.Upgrade(w, r, respHeader)
	if err != nil {
		p.log.Warn("client websocket upgrade failed: %v", err)
		return
	}
	defer clientConn.Close()

	p.store.TouchWSConnected(slotID)
	defer p.store.TouchWSDisconnected(slotID)

	raw := clientConn.UnderlyingConn()
	if tc, ok := raw.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	pipeBidirectional(raw, upstreamConn)
}

// dialUpstream opens a raw TCP connection to the upstream container, sends
// a synthesized HTTP/1.1 Upgrade request carrying the basic-auth header,
// and returns the connection once the upstream replies 101. The upstream
// speaks raw WebSocket framing directly on this connection from then on.
func dialUpstream(host string, port int, path string, orig *http.Request, authUser, authPass string) (net.Conn, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("browserproxy: dial upstream %s: %w", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	req, err := http.NewRequest(http.MethodGet, "http://"+addr+path, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Version", orig.Header.Get("Sec-WebSocket-Version"))
	req.Header.Set("Sec-WebSocket-Key", orig.Header.Get("Sec-WebSocket-Key"))
	if proto := orig.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		req.Header.Set("Sec-WebSocket-Protocol", proto)
	}
	if authUser != "" {
		req.SetBasicAuth(authUser, authPass)
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("browserproxy: write upgrade request: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("browserproxy: read upgrade response: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		conn.Close()
		return nil, fmt.Errorf("browserproxy: upstream refused upgrade: %s", resp.Status)
	}
	return conn, nil
}

// pipeBidirectional copies raw bytes between the two sockets. Both sides
// already speak WebSocket framing end-to-end (the client's handshake and
// the upstream's 101 both completed), so the tunnel must never reframe:
// each direction is a plain byte copy. Either side closing closes the
// other.
func pipeBidirectional(client, upstream net.Conn) {
	log := logger.WithComponent("bsb.browserproxy.ws")
	var once sync.Once
	done := make(chan struct{})
	closeBoth := func() {
		once.Do(func() {
			client.Close()
			upstream.Close()
			close(done)
		})
	}

	go func() {
		defer closeBoth()
		io.Copy(upstream, client)
	}()
	go func() {
		defer closeBoth()
		io.Copy(client, upstream)
	}()

	<-done
	log.Debug("websocket tunnel closed")
}
