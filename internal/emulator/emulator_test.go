package emulator

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inercia/chatemu/internal/channel"
	"github.com/inercia/chatemu/internal/config"
	"github.com/inercia/chatemu/internal/oauth"
	"github.com/inercia/chatemu/internal/protocol"
	"github.com/inercia/chatemu/internal/remote"
	"github.com/inercia/chatemu/internal/server"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Channel.Port = channel.RandomPort
	cfg.Bots = []config.BotConfig{{ID: "bot-1", Endpoint: "http://localhost:3978/api/messages"}}
	return cfg
}

func startEmulator(t *testing.T, opts Options) *Emulator {
	t.Helper()
	if opts.Config == nil {
		opts.Config = testConfig()
	}
	e, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := e.Startup(context.Background(), 0); err != nil {
		t.Fatalf("Startup failed: %v", err)
	}
	t.Cleanup(func() { e.Shutdown(context.Background()) })
	return e
}

func TestEmulator_StartupShutdown(t *testing.T) {
	e := startEmulator(t, Options{})

	if !e.Running() || e.URL() == "" || !e.Acceptor().Running() {
		t.Fatalf("running=%v url=%q acceptor=%v", e.Running(), e.URL(), e.Acceptor().Running())
	}
	resp, err := http.Get(e.URL() + "/health")
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
	if e.Running() || e.URL() != "" || e.Acceptor().Running() {
		t.Error("emulator still bound after Shutdown")
	}
	if err := e.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown failed: %v", err)
	}
}

func TestEmulator_StartupPortInUse(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	e, err := New(Options{Config: testConfig()})
	if err != nil {
		t.Fatal(err)
	}
	defer e.Shutdown(context.Background())

	err = e.Startup(context.Background(), port)
	if !errors.Is(err, server.ErrPortInUse) {
		t.Fatalf("Startup err = %v, want ErrPortInUse", err)
	}
	if e.Running() || e.Acceptor().Running() {
		t.Error("failed startup must leave nothing bound")
	}
}

func TestEmulator_NewConversationNotifiesRemote(t *testing.T) {
	e := startEmulator(t, Options{})

	ws, _, err := websocket.DefaultDialer.Dial(e.Acceptor().URL()+CommandsPath, nil)
	if err != nil {
		t.Fatalf("Dial commands: %v", err)
	}
	defer ws.Close()
	deadline := time.Now().Add(2 * time.Second)
	for e.Remote().ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("command client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Post(e.URL()+"/v3/directline/conversations", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	var dl protocol.DirectLineConversation
	json.NewDecoder(resp.Body).Decode(&dl)
	resp.Body.Close()

	var liveChat, listening bool
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for !liveChat || !listening {
		var f remote.Frame
		if err := ws.ReadJSON(&f); err != nil {
			t.Fatalf("ReadJSON: %v (livechat=%v listening=%v)", err, liveChat, listening)
		}
		switch f.Command {
		case remote.CommandNewLiveChat:
			if len(f.Args) != 4 {
				t.Fatalf("livechat args = %v", f.Args)
			}
			ep, _ := f.Args[0].(map[string]any)
			if ep["id"] != "bot-1" || f.Args[1] != true || f.Args[2] != dl.ConversationID || f.Args[3] != "normal" {
				t.Errorf("livechat args = %v", f.Args)
			}
			liveChat = true
		case remote.CommandChatLog:
			rec, _ := f.Args[1].(map[string]any)
			if rec["message"] == "Emulator listening on "+e.URL() {
				listening = true
			}
		}
	}
}

func TestEmulator_ConfigReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatemu.yaml")
	write := func(endpoint string) {
		t.Helper()
		data := "channel:\n  port: -1\nbots:\n  - id: bot-1\n    endpoint: " + endpoint + "\n"
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("http://localhost:3978/api/messages")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	e := startEmulator(t, Options{Config: cfg, ConfigPath: path})

	write("http://localhost:4000/api/messages")
	deadline := time.Now().Add(3 * time.Second)
	for {
		ep, _ := e.State().DefaultEndpoint()
		if ep.BotURL == "http://localhost:4000/api/messages" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("endpoint not reloaded, still %q", ep.BotURL)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestEmulator_ConfiguredSecret(t *testing.T) {
	cfg := testConfig()
	cfg.OAuth.Secret = "shared"
	a, err := New(Options{Config: cfg})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Shutdown(context.Background())
	b, err := New(Options{Config: cfg})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Shutdown(context.Background())

	state, _, err := a.signer.SignState(oauth.StateClaims{ConversationID: "c1", ConnectionName: "gh"}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := b.signer.ParseState(state)
	if err != nil {
		t.Fatalf("state signed by one instance rejected by another: %v", err)
	}
	if claims.ConversationID != "c1" {
		t.Errorf("claims = %+v", claims)
	}
}
