// Package channel implements the push transport from the server to connected
// chat clients: one process-wide websocket acceptor on a fixed local port to
// which each conversation binds by identifier.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/inercia/chatemu/internal/netutil"
	"github.com/inercia/chatemu/internal/protocol"
)

// DefaultPort is the fixed port the acceptor binds.
const DefaultPort = 5005

// ErrPortInUse is matched by errors.Is when the acceptor port is occupied.
var ErrPortInUse = netutil.ErrPortInUse

// Config configures an Acceptor.
type Config struct {
	// Host is the bind address. Default: 127.0.0.1
	Host string
	// Port is the bind port. Zero in Config means DefaultPort; use RandomPort
	// to let the OS pick one.
	Port      int
	WebSocket WebSocketConfig
	Logger    *slog.Logger
}

// RandomPort asks the acceptor to bind an OS-assigned port.
const RandomPort = -1

// Acceptor accepts push channel connections. It is created once at startup
// and shared by every conversation.
type Acceptor struct {
	host     string
	port     int
	wsConfig WebSocketConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader
	tracker  *ConnectionTracker
	router   chi.Router
	hub      *Hub

	mu        sync.Mutex
	server    *http.Server
	listener  net.Listener
	boundPort int
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewAcceptor creates an unbound acceptor. Call Ensure to bind it.
func NewAcceptor(cfg Config) *Acceptor {
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Port
	switch {
	case port == 0:
		port = DefaultPort
	case port < 0:
		port = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	wsCfg := cfg.WebSocket.withDefaults()

	a := &Acceptor{
		host:     host,
		port:     port,
		wsConfig: wsCfg,
		logger:   logger,
		upgrader: NewUpgrader(wsCfg),
		tracker:  NewConnectionTracker(wsCfg.MaxConnectionsPerIP),
		router:   chi.NewRouter(),
		hub:      NewHub(),
	}
	a.router.Get("/v3/directline/conversations/{conversationId}/stream", a.handleStream)
	a.router.Get("/ws/{conversationId}", a.handleStream)
	a.router.Get("/", a.handleStream)
	return a
}

// Handle mounts an extra handler on the acceptor. It must be called before
// Ensure.
func (a *Acceptor) Handle(pattern string, h http.Handler) {
	a.router.Handle(pattern, h)
}

// Hub returns the conversation-to-connection table.
func (a *Acceptor) Hub() *Hub { return a.hub }

// Running reports whether the acceptor is bound.
func (a *Acceptor) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listener != nil
}

// Port returns the bound port, or zero when not running.
func (a *Acceptor) Port() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.boundPort
}

// URL returns the websocket base URL, or "" when not running.
func (a *Acceptor) URL() string {
	port := a.Port()
	if port == 0 {
		return ""
	}
	return "ws://" + net.JoinHostPort(a.host, strconv.Itoa(port))
}

// StreamURL returns the URL a client opens to receive conversationID's
// activities.
func (a *Acceptor) StreamURL(conversationID string) string {
	base := a.URL()
	if base == "" {
		return ""
	}
	return base + "/v3/directline/conversations/" + url.PathEscape(conversationID) + "/stream"
}

// Ensure binds the acceptor if it is not bound yet. It is idempotent. A bind
// failure leaves the acceptor unbound so a later call can retry; an occupied
// port is reported as *netutil.PortInUseError.
func (a *Acceptor) Ensure() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return nil
	}

	raw, port, err := netutil.Listen(a.host, a.port)
	if err != nil {
		return err
	}
	listener := raw
	if netutil.IsLoopbackHost(a.host) {
		listener = netutil.NewLocalhostListener(raw, a.logger)
	}

	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.listener = listener
	a.boundPort = port
	a.server = &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	srv := a.server
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Channel acceptor stopped", "error", err)
		}
	}()

	a.logger.Info("Socket running", "url", "ws://"+net.JoinHostPort(a.host, strconv.Itoa(port)))
	return nil
}

// Close unbinds the acceptor and closes every client connection. It is
// idempotent.
func (a *Acceptor) Close() error {
	a.mu.Lock()
	if a.listener == nil {
		a.mu.Unlock()
		return nil
	}
	srv := a.server
	cancel := a.cancel
	a.server = nil
	a.listener = nil
	a.boundPort = 0
	a.mu.Unlock()

	cancel()
	a.hub.CloseAll()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	err := srv.Shutdown(ctx)
	a.wg.Wait()
	return err
}

// Deliver pushes an activity to the client bound to conversationID. A
// conversation without a bound client is not an error: the activity stays in
// history for polling clients.
func (a *Acceptor) Deliver(conversationID string, activity *protocol.Activity) error {
	conn := a.hub.Get(conversationID)
	if conn == nil {
		return nil
	}
	frame, err := json.Marshal(protocol.ActivitySet{Activities: []protocol.Activity{*activity}})
	if err != nil {
		return fmt.Errorf("encode activity %s: %w", activity.ID, err)
	}
	if err := conn.Send(frame); err != nil {
		return fmt.Errorf("push to %s: %w", conversationID, err)
	}
	return nil
}

func (a *Acceptor) handleStream(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationId")
	if conversationID == "" {
		conversationID = r.URL.Query().Get("conversationId")
	}

	clientIP := ClientIP(r)
	if !a.tracker.TryAdd(clientIP) {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.tracker.Remove(clientIP)
		a.logger.Debug("WebSocket upgrade failed", "error", err)
		return
	}

	conn := NewConn(ConnConfig{
		Conn:     ws,
		Config:   a.wsConfig,
		Logger:   a.logger.With("conversation_id", conversationID),
		ClientIP: clientIP,
		Tracker:  a.tracker,
	})
	a.logger.Debug("got connection", "conversation_id", conversationID, "client_ip", clientIP)

	if conversationID != "" {
		if old := a.hub.Bind(conversationID, conn); old != nil {
			old.Close()
		}
	}

	a.mu.Lock()
	ctx := a.ctx
	a.mu.Unlock()
	if ctx == nil {
		conn.Close()
		return
	}

	go conn.WritePump(ctx)
	conn.ReadPump(nil)
	if conversationID != "" {
		a.hub.Unbind(conversationID, conn)
	}
}

// Hub maps conversation identifiers to their bound connection. A new binding
// for the same conversation replaces the previous one.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]*Conn)}
}

// Bind binds conn to conversationID and returns the connection it replaced.
func (h *Hub) Bind(conversationID string, conn *Conn) *Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.conns[conversationID]
	h.conns[conversationID] = conn
	return old
}

// Unbind removes conn if it is still the binding for conversationID.
func (h *Hub) Unbind(conversationID string, conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[conversationID] == conn {
		delete(h.conns, conversationID)
	}
}

// Get returns the connection bound to conversationID, or nil.
func (h *Hub) Get(conversationID string) *Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[conversationID]
}

// Len returns the number of bound conversations.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll closes and unbinds every connection.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]*Conn)
	h.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}
