package wsv3

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeUpstream is a minimal WS v3 peer: it accepts one connection, records
// every frame it receives, and lets the test push frames back down.
type fakeUpstream struct {
	server   *httptest.Server
	upgrader websocket.Upgrader
	received chan Frame
	conn     chan *websocket.Conn
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	u := &fakeUpstream{
		received: make(chan Frame, 64),
		conn:     make(chan *websocket.Conn, 1),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		c, err := u.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		u.conn <- c
		for {
			msgType, raw, err := c.ReadMessage()
			if err != nil {
				return
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			f, err := Decode(raw)
			if err == nil {
				u.received <- f
			}
		}
	})
	u.server = httptest.NewServer(mux)
	return u
}

func (u *fakeUpstream) url() string {
	return "http://" + u.server.Listener.Addr().String()
}

func (u *fakeUpstream) expectFrame(t *testing.T) Frame {
	t.Helper()
	select {
	case f := <-u.received:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for upstream frame")
		return Frame{}
	}
}

func TestRemoteAggregatesDownstreamSubscriptionsScenario6(t *testing.T) {
	up := newFakeUpstream(t)
	defer up.server.Close()

	registry := NewRemoteRegistry([]RemoteConfig{{ID: "hq1", URL: up.url(), Token: "tok"}})
	registry.RegisterSession("s1", "hq1")

	h := NewHub(nil, nil, nil, nil, nil, registry)
	senderX := newFakeSender()
	senderY := newFakeSender()
	clientX := h.Connect("x", senderX)
	clientY := h.Connect("y", senderY)

	registry.AddDownstream("hq1", "s1", "x", FlagStdout, clientX)
	f := up.expectFrame(t)
	if f.Type != Subscribe {
		t.Fatalf("expected SUBSCRIBE, got %v", f.Type)
	}
	flags, _ := DecodeSubscribePayload(f.Payload)
	if flags != FlagStdout {
		t.Fatalf("expected flags=%d (stdout only), got %d", FlagStdout, flags)
	}

	registry.AddDownstream("hq1", "s1", "y", FlagEvents, clientY)
	f = up.expectFrame(t)
	if f.Type != Subscribe {
		t.Fatalf("expected SUBSCRIBE after aggregate change, got %v", f.Type)
	}
	flags, _ = DecodeSubscribePayload(f.Payload)
	if flags != FlagStdout|FlagEvents {
		t.Fatalf("expected aggregate flags=%d, got %d", FlagStdout|FlagEvents, flags)
	}

	registry.RemoveDownstream("hq1", "s1", "y")
	f = up.expectFrame(t)
	if f.Type != Subscribe {
		t.Fatalf("expected SUBSCRIBE with reduced aggregate, got %v", f.Type)
	}
	flags, _ = DecodeSubscribePayload(f.Payload)
	if flags != FlagStdout {
		t.Fatalf("expected flags=%d after Y unsubscribes, got %d", FlagStdout, flags)
	}

	registry.RemoveDownstream("hq1", "s1", "x")
	f = up.expectFrame(t)
	if f.Type != Unsubscribe {
		t.Fatalf("expected UNSUBSCRIBE once aggregate reaches zero, got %v", f.Type)
	}
}

func TestRemoteForwardFrameSendsUpstream(t *testing.T) {
	up := newFakeUpstream(t)
	defer up.server.Close()

	registry := NewRemoteRegistry([]RemoteConfig{{ID: "hq1", URL: up.url()}})
	registry.ForwardFrame("hq1", Frame{Type: InputText, SessionID: "s1", Payload: []byte("hello")})

	f := up.expectFrame(t)
	if f.Type != InputText || f.SessionID != "s1" || string(f.Payload) != "hello" {
		t.Fatalf("unexpected forwarded frame: %+v", f)
	}
}

func TestRemoteFansOutReceivedFramesToSubscribedDownstream(t *testing.T) {
	up := newFakeUpstream(t)
	defer up.server.Close()

	registry := NewRemoteRegistry([]RemoteConfig{{ID: "hq1", URL: up.url()}})
	registry.RegisterSession("s1", "hq1")

	h := NewHub(nil, nil, nil, nil, nil, registry)
	sender := newFakeSender()
	c := h.Connect("x", sender)
	sender.waitForFrame(t, 1) // welcome

	registry.AddDownstream("hq1", "s1", "x", FlagStdout, c)
	up.expectFrame(t) // initial SUBSCRIBE

	var upstreamConn *websocket.Conn
	select {
	case upstreamConn = <-up.conn:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for upstream connection")
	}

	raw := Encode(Frame{Type: Stdout, SessionID: "s1", Payload: []byte("hi there")})
	if err := upstreamConn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		t.Fatalf("upstream write: %v", err)
	}

	downRaw := sender.waitForFrame(t, 2)
	f, err := Decode(downRaw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Type != Stdout || f.SessionID != "s1" || string(f.Payload) != "hi there" {
		t.Fatalf("unexpected downstream frame: %+v", f)
	}
}

func TestToWebSocketURL(t *testing.T) {
	cases := map[string]string{
		"http://example.com":  "ws://example.com/ws",
		"https://example.com": "wss://example.com/ws",
		"ws://example.com/":   "ws://example.com/ws",
	}
	for in, want := range cases {
		got, err := toWebSocketURL(in)
		if err != nil {
			t.Fatalf("toWebSocketURL(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("toWebSocketURL(%q) = %q, want %q", in, got, want)
		}
	}

	if _, err := toWebSocketURL("ftp://example.com"); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}
