package browserproxy

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mojhehh/nebula/internal/bsb/fleet"
	"github.com/mojhehh/nebula/internal/bsb/mirror"
)

var echoUpgrader = websocket.Upgrader{}

func echoWSHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := echoUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(mt, data); err != nil {
			return
		}
	}
}

func TestDialUpstreamCompletesHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(echoWSHandler))
	defer srv.Close()

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}

	orig := httptest.NewRequest(http.MethodGet, "/browser/1/ws", nil)
	orig.Header.Set("Sec-WebSocket-Version", "13")
	orig.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")

	conn, err := dialUpstream(host, port, "/", orig, "", "")
	if err != nil {
		t.Fatalf("dialUpstream failed: %v", err)
	}
	conn.Close()
}

func TestDialUpstreamRejectsUnreachableHost(t *testing.T) {
	orig := httptest.NewRequest(http.MethodGet, "/browser/1/ws", nil)
	orig.Header.Set("Sec-WebSocket-Version", "13")
	orig.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")

	_, err := dialUpstream("127.0.0.1", 1, "/", orig, "", "")
	if err == nil {
		t.Fatal("expected an error dialing an unreachable port")
	}
}

func TestPipeBidirectionalRelaysRawBytesBothWays(t *testing.T) {
	clientSide, clientPeer := net.Pipe()
	upstreamSide, upstreamPeer := net.Pipe()

	done := make(chan struct{})
	go func() {
		pipeBidirectional(clientPeer, upstreamPeer)
		close(done)
	}()

	go clientSide.Write([]byte("from-client"))
	buf := make([]byte, len("from-client"))
	if _, err := io.ReadFull(upstreamSide, buf); err != nil {
		t.Fatalf("client->upstream copy failed: %v", err)
	}
	if string(buf) != "from-client" {
		t.Fatalf("client->upstream bytes mangled: %q", buf)
	}

	go upstreamSide.Write([]byte("from-upstream"))
	buf = make([]byte, len("from-upstream"))
	if _, err := io.ReadFull(clientSide, buf); err != nil {
		t.Fatalf("upstream->client copy failed: %v", err)
	}
	if string(buf) != "from-upstream" {
		t.Fatalf("upstream->client bytes mangled: %q", buf)
	}

	clientSide.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeBidirectional did not return after one side closed")
	}
}

// newWSTestProxy wires a store whose single slot points at upstreamAddr, so
// ServeWS tunnels into a real local WebSocket server.
func newWSTestProxy(t *testing.T, upstreamAddr net.Addr) (*Proxy, *fleet.Store) {
	t.Helper()
	_, portStr, err := net.SplitHostPort(upstreamAddr.String())
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	store := fleet.New(fleet.Config{
		SlotCount:         1,
		HostTemplate:      "127.0.0.%d",
		PortBase:          port,
		SessionTimeout:    5 * time.Minute,
		WSPresenceTimeout: 2 * time.Minute,
		AssignmentGrace:   60 * time.Second,
		Mirror:            mirror.NullStore{},
	})
	return New(Config{Store: store}), store
}

func TestServeWSTokenGrantSetsCookieOnHandshakeAndRelaysFrames(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(echoWSHandler))
	defer upstream.Close()

	p, store := newWSTestProxy(t, upstream.Listener.Addr())
	assign, err := store.Request("client-1")
	if err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(p.ServeWS))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):] + "/browser/1/?token=" + assign.Session.URLToken
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial through the tunnel failed: %v", err)
	}
	defer conn.Close()

	var gotSessionCookie bool
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookieName && c.Value == assign.Session.CookieToken {
			gotSessionCookie = true
		}
	}
	if !gotSessionCookie {
		t.Fatal("token-consume grant must deliver the partner cookie on the 101 handshake")
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping-through-tunnel")); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected the echo back through the tunnel: %v", err)
	}
	if mt != websocket.TextMessage || string(data) != "ping-through-tunnel" {
		t.Fatalf("echo mangled: type=%d data=%q", mt, data)
	}
}
