// Package server implements the emulated channel's HTTP surface: the
// connector API bots post to, the Direct Line API clients use, and the
// emulated token service behind sign-in cards.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/inercia/chatemu/internal/botclient"
	"github.com/inercia/chatemu/internal/conversation"
	"github.com/inercia/chatemu/internal/netutil"
	"github.com/inercia/chatemu/internal/notify"
	"github.com/inercia/chatemu/internal/oauth"
	"github.com/inercia/chatemu/internal/protocol"
	"github.com/inercia/chatemu/internal/tunnel"
)

// DefaultPort is the port the pipeline listens on unless configured.
const DefaultPort = 9000

// DefaultResolveTimeout bounds sign-in link rewriting per activity.
const DefaultResolveTimeout = 10 * time.Second

// ErrPortInUse is matched by errors.Is when Start cannot bind its port.
var ErrPortInUse = netutil.ErrPortInUse

// PortInUseError reports the occupied port.
type PortInUseError = netutil.PortInUseError

// FallbackNotice is logged after a sign-in rewrite failure, before the
// original activity is delivered.
const FallbackNotice = "Falling back to emulated OAuth token."

// allowedHeaders are the request headers accepted cross-origin.
var allowedHeaders = []string{
	"Authorization",
	"X-Requested-With",
	HeaderBotAgent,
	HeaderAppID,
	HeaderAppPassword,
	HeaderBotEndpoint,
	HeaderChannelService,
	"Content-Type",
}

// DeliveryChannel is the push transport the handlers deliver through.
type DeliveryChannel interface {
	conversation.Deliverer
	// Ensure binds the channel if it is not bound yet.
	Ensure() error
	// StreamURL returns the URL a client connects to for conversationID.
	StreamURL(conversationID string) string
}

// CardResolver rewrites sign-in prompts of an outgoing activity.
type CardResolver interface {
	ResolveOAuthCards(ctx context.Context, req oauth.Request) (*protocol.Activity, error)
}

// Config configures a Pipeline.
type Config struct {
	// Host is the listen address. Default: 127.0.0.1
	Host string
	// PublicURL overrides the advertised base URL.
	PublicURL string

	State    *State
	Channel  DeliveryChannel
	Notifier notify.Notifier

	// Rewriter serves sign-in links and the consent flow.
	Rewriter *oauth.Rewriter
	// Resolver rewrites outgoing cards. Defaults to Rewriter.
	Resolver CardResolver
	Signer   *oauth.Signer
	Tokens   *oauth.TokenStore
	TokenTTL time.Duration

	Bot    botclient.Sender
	Tunnel tunnel.Reporter

	ResolveTimeout time.Duration
	// AuditSuppress is a CEL expression selecting exchanges left out of the
	// audit log.
	AuditSuppress string
	RateLimit     RateLimitConfig
	Logger        *slog.Logger
}

// Pipeline is the HTTP listener, CORS policy, route table and audit hook.
type Pipeline struct {
	cfg      Config
	state    *State
	channel  DeliveryChannel
	notifier notify.Notifier
	resolver CardResolver
	tokens   *oauth.TokenStore
	suppress *SuppressRule
	limiter  *RateLimiter
	logger   *slog.Logger
	router   chi.Router

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	port     int
	baseURL  string
	wg       sync.WaitGroup
}

// New creates an unbound pipeline. The route table is built here so the
// handler can be exercised without a listener.
func New(cfg Config) (*Pipeline, error) {
	if cfg.State == nil {
		return nil, errors.New("server: state is required")
	}
	if cfg.Notifier == nil {
		return nil, errors.New("server: notifier is required")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = DefaultResolveTimeout
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	suppress, err := CompileSuppressRule(cfg.AuditSuppress)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	resolver := cfg.Resolver
	if resolver == nil && cfg.Rewriter != nil {
		resolver = cfg.Rewriter
	}
	tokens := cfg.Tokens
	if tokens == nil {
		tokens = oauth.NewTokenStore()
	}

	p := &Pipeline{
		cfg:      cfg,
		state:    cfg.State,
		channel:  cfg.Channel,
		notifier: cfg.Notifier,
		resolver: resolver,
		tokens:   tokens,
		suppress: suppress,
		limiter:  NewRateLimiter(cfg.RateLimit),
		logger:   logger,
	}
	p.router = p.buildRouter()
	return p, nil
}

// Handler returns the route table.
func (p *Pipeline) Handler() http.Handler { return p.router }

// State returns the server state.
func (p *Pipeline) State() *State { return p.state }

// Tokens returns the emulated user token store.
func (p *Pipeline) Tokens() *oauth.TokenStore { return p.tokens }

func (p *Pipeline) buildRouter() chi.Router {
	r := chi.NewRouter()

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: allowedHeaders,
	})
	r.Use(c.Handler)
	r.Use(middleware.RequestID)
	r.Use(p.auditMiddleware)
	r.Use(p.recoverer)

	r.Get("/health", p.handleHealth)

	r.Route("/v3/conversations", func(r chi.Router) {
		r.Post("/", p.handleCreateConversation)
		r.Post("/{conversationId}/activities", p.handleSendToConversation)
		r.Post("/{conversationId}/activities/{activityId}", p.handleReplyToActivity)
	})

	r.Route("/v3/directline/conversations", func(r chi.Router) {
		r.Post("/", p.handleStartConversation)
		r.Get("/{conversationId}/activities", p.handleGetActivities)
		r.Post("/{conversationId}/activities", p.handlePostActivity)
	})

	r.Group(func(r chi.Router) {
		r.Use(p.limiter.Middleware)
		r.Get("/api/botsignin/GetSignInUrl", p.handleGetSignInURL)
		r.Get("/api/usertoken/GetToken", p.handleGetToken)
		r.Delete("/api/usertoken/SignOut", p.handleSignOut)
		r.Get("/emulator/{conversationId}/oauth/signin", p.handleConsentPage)
		r.Post("/emulator/{conversationId}/oauth/signin", p.handleConsentGrant)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		notFound(w, "no route for %s %s", r.Method, r.URL.Path)
	})
	return r
}

// recoverer converts a handler panic into a ServiceError response.
func (p *Pipeline) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				p.logger.Error("Handler panic",
					"method", r.Method,
					"path", r.URL.Path,
					"panic", rec,
					"request_id", middleware.GetReqID(r.Context()))
				writeErrorJSON(w, http.StatusInternalServerError, protocol.ErrorCodeServiceError, fmt.Sprintf("internal error: %v", rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Start closes any running listener, then binds a fresh one on port. When
// the port is occupied the operator is notified, the error matches
// ErrPortInUse and the pipeline stays unbound.
func (p *Pipeline) Start(port int) error {
	if err := p.Close(); err != nil {
		p.logger.Warn("Closing previous listener failed", "error", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	listener, actual, err := netutil.Listen(p.cfg.Host, port)
	if err != nil {
		if errors.Is(err, ErrPortInUse) {
			p.notifier.Notify(context.Background(), notify.Notification{
				Type:    notify.SeverityError,
				Title:   "Port in use",
				Message: fmt.Sprintf("Port %d is in use and the Emulator cannot start. Please free this port so the emulator can use it.", port),
			})
		}
		return err
	}
	if netutil.IsLoopbackHost(p.cfg.Host) {
		listener = netutil.NewLocalhostListener(listener, p.logger)
	}

	p.listener = listener
	p.port = actual
	p.baseURL = p.cfg.PublicURL
	if p.baseURL == "" {
		p.baseURL = "http://" + net.JoinHostPort(advertisedHost(p.cfg.Host), strconv.Itoa(actual))
	}
	p.server = &http.Server{
		Handler:           p.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	srv := p.server
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("HTTP server stopped", "error", err)
		}
	}()

	p.logger.Info("Emulator listening", "url", p.baseURL, "port", actual)
	return nil
}

// Close stops the listener. It is idempotent and returns at once when
// nothing is listening.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	srv := p.server
	p.server = nil
	p.listener = nil
	p.port = 0
	p.baseURL = ""
	p.mu.Unlock()

	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(ctx)
	p.wg.Wait()
	return err
}

// Shutdown closes the listener and stops background work.
func (p *Pipeline) Shutdown() error {
	err := p.Close()
	p.limiter.Close()
	return err
}

// Running reports whether the pipeline is bound.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.server != nil
}

// Port returns the bound port, or 0 when unbound.
func (p *Pipeline) Port() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port
}

// URL returns the base URL, or "" when unbound.
func (p *Pipeline) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.baseURL
}

func advertisedHost(host string) string {
	switch host {
	case "", "0.0.0.0", "::":
		return "127.0.0.1"
	}
	return host
}

func (p *Pipeline) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSONOK(w, map[string]any{
		"status":        "ok",
		"conversations": p.state.Conversations().Len(),
	})
}
