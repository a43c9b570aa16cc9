package channel

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inercia/chatemu/internal/netutil"
	"github.com/inercia/chatemu/internal/protocol"
)

func startAcceptor(t *testing.T) *Acceptor {
	t.Helper()
	a := NewAcceptor(Config{Port: RandomPort})
	if err := a.Ensure(); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func dialStream(t *testing.T, a *Acceptor, conversationID string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(a.StreamURL(conversationID), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func readSet(t *testing.T, ws *websocket.Conn) protocol.ActivitySet {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	var set protocol.ActivitySet
	if err := json.Unmarshal(data, &set); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return set
}

func TestAcceptor_EnsureIdempotent(t *testing.T) {
	a := startAcceptor(t)
	port := a.Port()
	if port == 0 {
		t.Fatal("expected a bound port")
	}
	if err := a.Ensure(); err != nil {
		t.Fatalf("second Ensure failed: %v", err)
	}
	if a.Port() != port {
		t.Errorf("port changed from %d to %d", port, a.Port())
	}
	if !strings.HasPrefix(a.URL(), "ws://127.0.0.1:") {
		t.Errorf("URL = %q", a.URL())
	}
}

func TestAcceptor_PortInUse(t *testing.T) {
	holder, port, err := netutil.Listen("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer holder.Close()

	a := NewAcceptor(Config{Port: port})
	err = a.Ensure()
	if !errors.Is(err, ErrPortInUse) {
		t.Fatalf("err = %v, want ErrPortInUse", err)
	}
	if a.Running() {
		t.Error("acceptor should stay unbound after a failed bind")
	}
	if a.URL() != "" {
		t.Errorf("URL = %q, want empty", a.URL())
	}
}

func TestAcceptor_DeliverInOrder(t *testing.T) {
	a := startAcceptor(t)
	ws := dialStream(t, a, "c1")
	waitFor(t, func() bool { return a.Hub().Get("c1") != nil })

	for _, text := range []string{"A1", "A2", "A3"} {
		if err := a.Deliver("c1", &protocol.Activity{Type: protocol.ActivityTypeMessage, Text: text}); err != nil {
			t.Fatalf("Deliver failed: %v", err)
		}
	}
	for _, want := range []string{"A1", "A2", "A3"} {
		set := readSet(t, ws)
		if len(set.Activities) != 1 || set.Activities[0].Text != want {
			t.Fatalf("frame = %+v, want %s", set, want)
		}
	}
}

func TestAcceptor_DeliverUnbound(t *testing.T) {
	a := startAcceptor(t)
	if err := a.Deliver("nobody", &protocol.Activity{Type: protocol.ActivityTypeMessage}); err != nil {
		t.Errorf("Deliver to unbound conversation = %v, want nil", err)
	}
}

func TestAcceptor_KeepAliveIgnored(t *testing.T) {
	a := startAcceptor(t)
	ws := dialStream(t, a, "c1")
	waitFor(t, func() bool { return a.Hub().Get("c1") != nil })

	if err := ws.WriteMessage(websocket.TextMessage, []byte("")); err != nil {
		t.Fatalf("write keep-alive: %v", err)
	}
	if err := a.Deliver("c1", &protocol.Activity{Type: protocol.ActivityTypeMessage, Text: "after ping"}); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if set := readSet(t, ws); set.Activities[0].Text != "after ping" {
		t.Errorf("frame = %+v", set)
	}
}

func TestAcceptor_NewConnectionReplacesOld(t *testing.T) {
	a := startAcceptor(t)
	first := dialStream(t, a, "c1")
	waitFor(t, func() bool { return a.Hub().Get("c1") != nil })
	firstConn := a.Hub().Get("c1")

	second := dialStream(t, a, "c1")
	waitFor(t, func() bool { c := a.Hub().Get("c1"); return c != nil && c != firstConn })

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Error("replaced connection should be closed")
	}

	if err := a.Deliver("c1", &protocol.Activity{Type: protocol.ActivityTypeMessage, Text: "to second"}); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if set := readSet(t, second); set.Activities[0].Text != "to second" {
		t.Errorf("frame = %+v", set)
	}
}

func TestAcceptor_UnbindOnDisconnect(t *testing.T) {
	a := startAcceptor(t)
	ws := dialStream(t, a, "c1")
	waitFor(t, func() bool { return a.Hub().Get("c1") != nil })

	ws.Close()
	waitFor(t, func() bool { return a.Hub().Get("c1") == nil })
}

func TestAcceptor_CloseIdempotent(t *testing.T) {
	a := NewAcceptor(Config{Port: RandomPort})
	if err := a.Close(); err != nil {
		t.Fatalf("Close on unbound acceptor = %v", err)
	}
	if err := a.Ensure(); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if a.Running() {
		t.Error("acceptor should be unbound after Close")
	}
}

func TestAcceptor_Handle(t *testing.T) {
	a := NewAcceptor(Config{Port: RandomPort})
	a.Handle("/ping", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	}))
	if err := a.Ensure(); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	defer a.Close()

	resp, err := http.Get("http" + strings.TrimPrefix(a.URL(), "ws") + "/ping")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestConnectionTracker(t *testing.T) {
	ct := NewConnectionTracker(2)
	if !ct.TryAdd("1.1.1.1") || !ct.TryAdd("1.1.1.1") {
		t.Fatal("first two connections should be allowed")
	}
	if ct.TryAdd("1.1.1.1") {
		t.Error("third connection should be rejected")
	}
	ct.Remove("1.1.1.1")
	if ct.Count("1.1.1.1") != 1 {
		t.Errorf("Count = %d, want 1", ct.Count("1.1.1.1"))
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://localhost:3000"})
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"http://evil.example.com", false},
	}
	for _, tt := range tests {
		r, _ := http.NewRequest(http.MethodGet, "/", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := check(r); got != tt.want {
			t.Errorf("origin %q allowed = %v, want %v", tt.origin, got, tt.want)
		}
	}
}
