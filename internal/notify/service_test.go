package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeRemote struct {
	mu    sync.Mutex
	calls []string
	args  [][]any
}

func (f *fakeRemote) Notify(command string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, command)
	f.args = append(f.args, args)
	return nil
}

type fakePublisher struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (f *fakePublisher) Publish(ctx context.Context, key string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("publish without deadline")
	}
	f.keys = append(f.keys, key)
	return f.err
}

func (f *fakePublisher) Close() error { return nil }

func newTestService(buf *bytes.Buffer) (*Service, *fakeRemote, *fakePublisher, *bytes.Buffer) {
	rem := &fakeRemote{}
	pub := &fakePublisher{}
	audit := &bytes.Buffer{}
	svc := NewService(Config{
		Logger:    slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})),
		Remote:    rem,
		Publisher: pub,
		AuditFile: audit,
	})
	return svc, rem, pub, audit
}

func TestService_Log(t *testing.T) {
	var buf bytes.Buffer
	svc, rem, pub, audit := newTestService(&buf)

	svc.Log(context.Background(), Record{
		Severity:       SeverityError,
		ConversationID: "c1",
		Facility:       FacilityNetwork,
		Route:          "replyToActivity",
		Method:         "POST",
		URL:            "/v3/conversations/c1/activities/a0",
		Status:         500,
	})
	if err := svc.Close(); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	if !strings.Contains(out, "level=ERROR") || !strings.Contains(out, "conversation_id=c1") {
		t.Errorf("log output = %s", out)
	}
	if len(rem.calls) != 1 || rem.calls[0] != "chat:log" || rem.args[0][0] != "c1" {
		t.Errorf("remote calls = %v %v", rem.calls, rem.args)
	}
	if len(pub.keys) != 1 || pub.keys[0] != RoutingKeyRecord {
		t.Errorf("published keys = %v", pub.keys)
	}

	var rec Record
	if err := json.Unmarshal(bytes.TrimSpace(audit.Bytes()), &rec); err != nil {
		t.Fatalf("audit line: %v", err)
	}
	if rec.Status != 500 || rec.Route != "replyToActivity" || rec.Time.IsZero() {
		t.Errorf("audit record = %+v", rec)
	}
}

func TestService_LogException(t *testing.T) {
	var buf bytes.Buffer
	svc, rem, _, _ := newTestService(&buf)

	svc.LogException(context.Background(), "c1", errors.New("boom"))
	svc.LogException(context.Background(), "c1", nil)

	if len(rem.calls) != 1 {
		t.Fatalf("remote calls = %d, want 1", len(rem.calls))
	}
	rec := rem.args[0][1].(Record)
	if rec.Severity != SeverityError || rec.Message != "boom" {
		t.Errorf("record = %+v", rec)
	}
}

func TestService_Notify(t *testing.T) {
	var buf bytes.Buffer
	svc, rem, pub, _ := newTestService(&buf)

	svc.Notify(context.Background(), Notification{Type: SeverityError, Message: "Port 9000 is in use"})
	svc.Close()

	if len(rem.calls) != 1 || rem.calls[0] != "notifications:add" {
		t.Errorf("remote calls = %v", rem.calls)
	}
	if len(pub.keys) != 1 || pub.keys[0] != RoutingKeyNotification {
		t.Errorf("published keys = %v", pub.keys)
	}
	if !strings.Contains(buf.String(), "Port 9000 is in use") {
		t.Errorf("log output = %s", buf.String())
	}
}

func TestService_PublisherFailureIsSwallowed(t *testing.T) {
	var buf bytes.Buffer
	svc, _, pub, _ := newTestService(&buf)
	pub.err = errors.New("broker down")

	svc.Log(context.Background(), Record{ConversationID: "c1"})
	svc.Close()
	if !strings.Contains(buf.String(), "broker down") {
		t.Errorf("expected publish failure to be logged, got %s", buf.String())
	}
}

// slowPublisher blocks every publish until released.
type slowPublisher struct {
	release chan struct{}
	mu      sync.Mutex
	keys    []string
	closed  int
}

func (p *slowPublisher) Publish(ctx context.Context, key string, payload any) error {
	select {
	case <-p.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	return nil
}

func (p *slowPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func TestService_SlowBrokerDoesNotBlock(t *testing.T) {
	pub := &slowPublisher{release: make(chan struct{})}
	svc := NewService(Config{
		Logger:         slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
		Publisher:      pub,
		PublishTimeout: time.Minute,
	})

	start := time.Now()
	for i := 0; i < 5; i++ {
		svc.Log(context.Background(), Record{ConversationID: "c1"})
	}
	svc.Notify(context.Background(), Notification{Message: "hello"})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("logging took %v with a stalled broker", elapsed)
	}

	close(pub.release)
	if err := svc.Close(); err != nil {
		t.Fatal(err)
	}
	if len(pub.keys) != 6 || pub.keys[5] != RoutingKeyNotification {
		t.Errorf("published keys = %v, want 6 in order", pub.keys)
	}

	svc.Log(context.Background(), Record{ConversationID: "c1"})
	if err := svc.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
	if pub.closed != 1 || len(pub.keys) != 6 {
		t.Errorf("closed = %d keys = %d after Close", pub.closed, len(pub.keys))
	}
}

func TestService_PublishQueueFullDrops(t *testing.T) {
	var buf bytes.Buffer
	pub := &slowPublisher{release: make(chan struct{})}
	svc := NewService(Config{
		Logger:         slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})),
		Publisher:      pub,
		PublishTimeout: time.Minute,
		PublishQueue:   1,
	})

	// One message in flight, one queued, the rest dropped.
	for i := 0; i < 10; i++ {
		svc.Log(context.Background(), Record{ConversationID: "c1"})
	}
	close(pub.release)
	svc.Close()

	if len(pub.keys) < 1 || len(pub.keys) > 2 {
		t.Errorf("published = %d, want 1 or 2", len(pub.keys))
	}
	if !strings.Contains(buf.String(), "publish queue full") {
		t.Errorf("expected dropped messages to be logged, got %s", buf.String())
	}
}

func TestService_NoSinks(t *testing.T) {
	svc := NewService(Config{Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))})
	svc.Log(context.Background(), Record{ConversationID: "c1"})
	svc.Notify(context.Background(), Notification{Message: "hello"})
	if err := svc.Close(); err != nil {
		t.Errorf("Close = %v", err)
	}
}

func TestSeverityForStatus(t *testing.T) {
	tests := map[int]Severity{
		200: SeverityInfo,
		204: SeverityInfo,
		199: SeverityError,
		301: SeverityError,
		404: SeverityError,
		500: SeverityError,
	}
	for status, want := range tests {
		if got := SeverityForStatus(status); got != want {
			t.Errorf("SeverityForStatus(%d) = %s, want %s", status, got, want)
		}
	}
}
