package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/cel-go/cel"

	"github.com/inercia/chatemu/internal/conversation"
	"github.com/inercia/chatemu/internal/notify"
)

// SuppressRule decides whether a completed exchange is left out of the
// audit log. It is a CEL expression over method, route, status and
// conversation_id that must evaluate to a bool.
type SuppressRule struct {
	source string
	prg    cel.Program
}

// CompileSuppressRule compiles expr. An empty expression suppresses nothing.
func CompileSuppressRule(expr string) (*SuppressRule, error) {
	if expr == "" {
		return &SuppressRule{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("method", cel.StringType),
		cel.Variable("route", cel.StringType),
		cel.Variable("status", cel.IntType),
		cel.Variable("conversation_id", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("audit rule environment: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile audit rule %q: %w", expr, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("audit rule %q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("audit rule program: %w", err)
	}
	return &SuppressRule{source: expr, prg: prg}, nil
}

// String returns the rule source.
func (s *SuppressRule) String() string { return s.source }

// Match reports whether the exchange is suppressed. Evaluation errors do not
// suppress.
func (s *SuppressRule) Match(method, route string, status int, conversationID string) bool {
	if s == nil || s.prg == nil {
		return false
	}
	out, _, err := s.prg.Eval(map[string]any{
		"method":          method,
		"route":           route,
		"status":          int64(status),
		"conversation_id": conversationID,
	})
	if err != nil {
		return false
	}
	v, ok := out.Value().(bool)
	return ok && v
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Unwrap returns the underlying ResponseWriter for interface detection.
func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// auditMiddleware installs the request info and, after the handler
// completed, forwards an audit record for the exchange unless suppressed.
func (p *Pipeline) auditMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, info := withRequestInfo(r.Context())
		r = r.WithContext(ctx)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		p.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"route", route,
			"status", rec.status,
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))

		p.audit(r.Context(), r, route, rec.status, info.boundConversation())
	})
}

func (p *Pipeline) audit(ctx context.Context, r *http.Request, route string, status int, conv *conversation.Conversation) {
	conversationID := ""
	if conv != nil {
		conversationID = conv.ID()
	} else {
		conversationID = pathParam(r, "conversationId")
		if conversationID != "" {
			conv = p.state.Conversations().ConversationByID(conversationID)
		}
	}
	if conversationID == "" || conversation.IsTranscript(conversationID) || conv == nil || conv.Mode() == conversation.ModeDebug {
		return
	}
	if p.suppress.Match(r.Method, route, status, conversationID) {
		return
	}

	p.notifier.Log(context.WithoutCancel(ctx), notify.Record{
		Severity:       notify.SeverityForStatus(status),
		ConversationID: conversationID,
		Facility:       notify.FacilityNetwork,
		Route:          route,
		Method:         r.Method,
		URL:            r.URL.String(),
		Status:         status,
		Message:        fmt.Sprintf("%s %s %d", r.Method, r.URL.Path, status),
	})
}
