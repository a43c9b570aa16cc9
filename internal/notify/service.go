package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/inercia/chatemu/internal/remote"
)

// DefaultPublishTimeout bounds a single broker publish.
const DefaultPublishTimeout = 2 * time.Second

// DefaultPublishQueue is the number of broker messages buffered while the
// broker is slow. Messages beyond it are dropped.
const DefaultPublishQueue = 256

// Notifier is what the pipeline and the process container need from the
// collaborator.
type Notifier interface {
	Log(ctx context.Context, r Record)
	LogException(ctx context.Context, conversationID string, err error)
	Notify(ctx context.Context, n Notification)
}

// Config configures a Service. Every sink is optional.
type Config struct {
	Logger *slog.Logger
	Remote remote.Notifier
	// Publisher forwards records to a broker.
	Publisher Publisher
	// AuditFile receives one JSON line per record.
	AuditFile      io.Writer
	PublishTimeout time.Duration
	// PublishQueue bounds pending broker messages (default DefaultPublishQueue).
	PublishQueue int
}

// Service fans records and notifications out to the configured sinks. Sink
// failures are logged and never returned to callers.
type Service struct {
	logger         *slog.Logger
	remote         remote.Notifier
	publisher      Publisher
	publishTimeout time.Duration

	queueMu   sync.RWMutex
	queue     chan message
	closed    bool
	worker    sync.WaitGroup
	closeOnce sync.Once
	closeErr  error

	auditMu sync.Mutex
	audit   io.Writer
	now     func() time.Time
}

var _ Notifier = (*Service)(nil)

type message struct {
	key     string
	payload any
}

// NewService creates a Service.
func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	s := &Service{
		logger:         logger,
		remote:         cfg.Remote,
		publisher:      cfg.Publisher,
		publishTimeout: timeout,
		audit:          cfg.AuditFile,
		now:            time.Now,
	}
	if s.publisher != nil {
		size := cfg.PublishQueue
		if size <= 0 {
			size = DefaultPublishQueue
		}
		s.queue = make(chan message, size)
		s.worker.Add(1)
		go s.publishLoop()
	}
	return s
}

// Log emits a conversation record.
func (s *Service) Log(ctx context.Context, r Record) {
	if r.Time.IsZero() {
		r.Time = s.now().UTC()
	}
	if r.Severity == "" {
		r.Severity = SeverityInfo
	}

	attrs := []any{"conversation_id", r.ConversationID, "facility", r.Facility}
	if r.Route != "" {
		attrs = append(attrs, "route", r.Route)
	}
	if r.Method != "" {
		attrs = append(attrs, "method", r.Method, "url", r.URL, "status", r.Status)
	}
	msg := r.Message
	if msg == "" {
		msg = r.Method + " " + r.URL
	}
	s.logger.Log(ctx, r.Severity.Level(), msg, attrs...)

	s.writeAudit(r)
	if s.remote != nil {
		if err := s.remote.Notify(remote.CommandChatLog, r.ConversationID, r); err != nil && !errors.Is(err, remote.ErrClosed) {
			s.logger.Debug("chat log relay failed", "error", err)
		}
	}
	s.publish(RoutingKeyRecord, r)
}

// LogException records a non-fatal failure for a conversation.
func (s *Service) LogException(ctx context.Context, conversationID string, err error) {
	if err == nil {
		return
	}
	s.Log(ctx, Record{
		Severity:       SeverityError,
		ConversationID: conversationID,
		Facility:       FacilityServer,
		Message:        err.Error(),
	})
}

// Notify shows an operator-facing notification.
func (s *Service) Notify(ctx context.Context, n Notification) {
	if n.Time.IsZero() {
		n.Time = s.now().UTC()
	}
	if n.Type == "" {
		n.Type = SeverityInfo
	}
	s.logger.Log(ctx, n.Type.Level(), n.Message, "notification", true, "title", n.Title)

	if s.remote != nil {
		if err := s.remote.Notify(remote.CommandAddNotification, n); err != nil && !errors.Is(err, remote.ErrClosed) {
			s.logger.Debug("notification relay failed", "error", err)
		}
	}
	s.publish(RoutingKeyNotification, n)
}

// Close flushes queued broker messages and closes the publisher. It is safe
// to call more than once; records logged afterwards are not published.
func (s *Service) Close() error {
	if s.publisher == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.queueMu.Lock()
		s.closed = true
		close(s.queue)
		s.queueMu.Unlock()

		s.worker.Wait()
		s.closeErr = s.publisher.Close()
	})
	return s.closeErr
}

func (s *Service) writeAudit(r Record) {
	if s.audit == nil {
		return
	}
	line, err := json.Marshal(r)
	if err != nil {
		return
	}
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	if _, err := s.audit.Write(append(line, '\n')); err != nil {
		s.logger.Debug("audit file write failed", "error", err)
	}
}

// publish queues payload for the broker without blocking the caller.
func (s *Service) publish(key string, payload any) {
	if s.publisher == nil {
		return
	}
	s.queueMu.RLock()
	defer s.queueMu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- message{key: key, payload: payload}:
	default:
		s.logger.Debug("publish queue full, message dropped", "routing_key", key)
	}
}

func (s *Service) publishLoop() {
	defer s.worker.Done()
	for m := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.publishTimeout)
		if err := s.publisher.Publish(ctx, m.key, m.payload); err != nil {
			s.logger.Debug("publish failed", "routing_key", m.key, "error", err)
		}
		cancel()
	}
}
