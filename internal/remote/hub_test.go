package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func startHub(t *testing.T) (*Hub, *websocket.Conn) {
	t.Helper()
	hub := NewHub(Config{})
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return hub, ws
}

func readFrame(t *testing.T, ws *websocket.Conn) Frame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	if err := ws.ReadJSON(&f); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	return f
}

func TestHub_CallRoundTrip(t *testing.T) {
	hub, ws := startHub(t)

	go func() {
		var f Frame
		if err := ws.ReadJSON(&f); err != nil || f.Command != CommandNewLiveChat {
			return
		}
		ws.WriteJSON(Frame{ID: f.ID, Result: json.RawMessage(`"opened"`)})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := hub.Call(ctx, CommandNewLiveChat, "http://bot", false, "c1", "normal")
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if string(result) != `"opened"` {
		t.Errorf("result = %s", result)
	}
}

func TestHub_CallRemoteError(t *testing.T) {
	hub, ws := startHub(t)

	go func() {
		var f Frame
		if err := ws.ReadJSON(&f); err != nil {
			return
		}
		ws.WriteJSON(Frame{ID: f.ID, Error: "no window"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := hub.Call(ctx, CommandOpenExternal, "http://example.com")
	var re *RemoteError
	if !errors.As(err, &re) || re.Message != "no window" {
		t.Fatalf("err = %v, want RemoteError", err)
	}
}

func TestHub_CallTimeout(t *testing.T) {
	hub, _ := startHub(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := hub.Call(ctx, CommandChatLog)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestHub_CallWithoutClient(t *testing.T) {
	hub := NewHub(Config{})
	defer hub.Close()

	if _, err := hub.Call(context.Background(), CommandChatLog); !errors.Is(err, ErrNoClient) {
		t.Errorf("err = %v, want ErrNoClient", err)
	}
	if err := hub.Notify(CommandChatLog, "x"); err != nil {
		t.Errorf("Notify without clients = %v, want nil", err)
	}
}

func TestHub_Notify(t *testing.T) {
	hub, ws := startHub(t)

	if err := hub.Notify(CommandAddNotification, map[string]string{"message": "port busy"}); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	f := readFrame(t, ws)
	if f.ID != "" {
		t.Errorf("notification carried id %q", f.ID)
	}
	if f.Command != CommandAddNotification || len(f.Args) != 1 {
		t.Errorf("frame = %+v", f)
	}
}

func TestHub_ClosedRejects(t *testing.T) {
	hub := NewHub(Config{})
	hub.Close()
	hub.Close()

	if _, err := hub.Call(context.Background(), CommandChatLog); !errors.Is(err, ErrClosed) {
		t.Errorf("Call err = %v, want ErrClosed", err)
	}
	if err := hub.Notify(CommandChatLog); !errors.Is(err, ErrClosed) {
		t.Errorf("Notify err = %v, want ErrClosed", err)
	}
}
