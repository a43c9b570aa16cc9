package tunnel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/inercia/chatemu/internal/notify"
)

type recordingNotifier struct {
	mu      sync.Mutex
	records []notify.Record
}

func (n *recordingNotifier) Log(ctx context.Context, r notify.Record) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.records = append(n.records, r)
}

func (n *recordingNotifier) LogException(ctx context.Context, conversationID string, err error) {}

func (n *recordingNotifier) Notify(ctx context.Context, notification notify.Notification) {}

func (n *recordingNotifier) last(t *testing.T) notify.Record {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.records) == 0 {
		t.Fatal("no records")
	}
	return n.records[len(n.records)-1]
}

func agentAPI(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"ngrok http ${PORT}", []string{"ngrok", "http", "9000"}},
		{"sh -c 'ngrok http ${PORT} --log stdout'", []string{"sh", "-c", "ngrok http 9000 --log stdout"}},
	}
	for _, tt := range tests {
		got, err := ParseCommand(tt.in, 9000)
		if err != nil {
			t.Fatalf("ParseCommand(%q) failed: %v", tt.in, err)
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ParseCommand(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if _, err := ParseCommand("  ", 1); err == nil {
		t.Error("empty command should fail")
	}
	if _, err := ParseCommand("ngrok 'unterminated", 1); err == nil {
		t.Error("unclosed quote should fail")
	}
}

func TestPublicURL_PrefersHTTPS(t *testing.T) {
	api := agentAPI(t, `{"tunnels":[{"name":"a","public_url":"http://abc.ngrok.io","proto":"http"},{"name":"b","public_url":"https://abc.ngrok.io","proto":"https"}]}`)
	s := New(Config{Enabled: true, APIURL: api.URL})

	u, err := s.PublicURL(context.Background())
	if err != nil {
		t.Fatalf("PublicURL failed: %v", err)
	}
	if u != "https://abc.ngrok.io" {
		t.Errorf("PublicURL = %q", u)
	}
	if !s.Running() {
		t.Error("Running should be true once the URL is known")
	}
}

func TestPublicURL_PollsUntilReady(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.Write([]byte(`{"tunnels":[]}`))
			return
		}
		w.Write([]byte(`{"tunnels":[{"public_url":"https://late.ngrok.io","proto":"https"}]}`))
	}))
	defer srv.Close()

	s := New(Config{Enabled: true, APIURL: srv.URL, PollInterval: 5 * time.Millisecond})
	u, err := s.PublicURL(context.Background())
	if err != nil {
		t.Fatalf("PublicURL failed: %v", err)
	}
	if u != "https://late.ngrok.io" {
		t.Errorf("PublicURL = %q", u)
	}
}

func TestPublicURL_Timeout(t *testing.T) {
	api := agentAPI(t, `{"tunnels":[]}`)
	s := New(Config{Enabled: true, APIURL: api.URL, PollInterval: 5 * time.Millisecond, StartTimeout: 30 * time.Millisecond})

	_, err := s.PublicURL(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestPublicURL_NotConfigured(t *testing.T) {
	s := New(Config{})
	if _, err := s.PublicURL(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}

func TestPublicURL_StartFailure(t *testing.T) {
	s := New(Config{Command: "chatemu-no-such-binary http ${PORT}"})
	if _, err := s.PublicURL(context.Background()); err == nil {
		t.Error("expected start failure")
	}
}

func TestReport(t *testing.T) {
	api := agentAPI(t, `{"tunnels":[{"public_url":"https://abc.ngrok.io","proto":"https"}]}`)

	tests := []struct {
		name     string
		cfg      Config
		botURL   string
		severity notify.Severity
		contains string
	}{
		{"local bot", Config{Enabled: true, APIURL: api.URL}, "http://localhost:3978/api/messages", notify.SeverityDebug, "not needed"},
		{"remote bot, no tunnel", Config{}, "https://bot.example.com/api/messages", notify.SeverityWarn, "not configured"},
		{"remote bot, tunnel", Config{Enabled: true, APIURL: api.URL}, "https://bot.example.com/api/messages", notify.SeverityInfo, "https://abc.ngrok.io"},
		{"remote bot, broken agent", Config{Enabled: true, APIURL: "http://127.0.0.1:1/api", StartTimeout: 20 * time.Millisecond, PollInterval: 5 * time.Millisecond}, "https://bot.example.com", notify.SeverityError, "failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := &recordingNotifier{}
			tt.cfg.Notifier = n
			New(tt.cfg).Report(context.Background(), "c1", tt.botURL)

			rec := n.last(t)
			if rec.Severity != tt.severity {
				t.Errorf("severity = %s, want %s", rec.Severity, tt.severity)
			}
			if rec.Facility != notify.FacilityTunnel || rec.ConversationID != "c1" {
				t.Errorf("record = %+v", rec)
			}
			if !strings.Contains(rec.Message, tt.contains) {
				t.Errorf("message = %q, want substring %q", rec.Message, tt.contains)
			}
		})
	}
}

func TestServiceURL(t *testing.T) {
	api := agentAPI(t, `{"tunnels":[{"public_url":"https://abc.ngrok.io","proto":"https"}]}`)
	local := func() string { return "http://127.0.0.1:9000" }

	s := New(Config{Enabled: true, APIURL: api.URL, LocalURL: local})
	if got := s.ServiceURL(context.Background(), "http://127.0.0.1:3978/api/messages"); got != "http://127.0.0.1:9000" {
		t.Errorf("local bot ServiceURL = %q", got)
	}
	if got := s.ServiceURL(context.Background(), "https://bot.example.com"); got != "https://abc.ngrok.io" {
		t.Errorf("remote bot ServiceURL = %q", got)
	}

	unconfigured := New(Config{LocalURL: local})
	if got := unconfigured.ServiceURL(context.Background(), "https://bot.example.com"); got != "http://127.0.0.1:9000" {
		t.Errorf("unconfigured ServiceURL = %q", got)
	}
}

func TestIsLocalURL(t *testing.T) {
	tests := map[string]bool{
		"":                                   true,
		"http://localhost:3978/api/messages": true,
		"http://127.0.0.1:3978":              true,
		"http://[::1]:3978":                  true,
		"https://bot.azurewebsites.net":      false,
	}
	for in, want := range tests {
		if got := IsLocalURL(in); got != want {
			t.Errorf("IsLocalURL(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestClose_NoAgent(t *testing.T) {
	if err := New(Config{}).Close(); err != nil {
		t.Errorf("Close = %v", err)
	}
}
