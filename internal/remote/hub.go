// Package remote carries commands from the server to a connected UI host over
// a websocket, with request/response correlation.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/inercia/chatemu/internal/channel"
)

// Commands sent to the UI host.
const (
	CommandNewLiveChat     = "livechat:new"
	CommandAddNotification = "notifications:add"
	CommandChatLog         = "chat:log"
	CommandOpenExternal    = "shell:open-external"
)

var (
	// ErrNoClient is returned by Call when no UI host is connected.
	ErrNoClient = errors.New("no remote client connected")
	// ErrClosed is returned once the hub is closed.
	ErrClosed = errors.New("remote hub closed")
)

// Frame is the wire format in both directions. Requests carry Command and
// Args; replies carry the request ID with Result or Error.
type Frame struct {
	ID      string          `json:"id,omitempty"`
	Command string          `json:"command,omitempty"`
	Args    []any           `json:"args,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// RemoteError is a failure reported by the UI host.
type RemoteError struct {
	Command string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote command %s failed: %s", e.Command, e.Message)
}

// Notifier sends fire-and-forget commands.
type Notifier interface {
	Notify(command string, args ...any) error
}

// Caller is the contract the server needs from the remote command channel.
type Caller interface {
	Notifier
	Call(ctx context.Context, command string, args ...any) (json.RawMessage, error)
}

// Config configures a Hub.
type Config struct {
	WebSocket channel.WebSocketConfig
	Logger    *slog.Logger
}

// Hub accepts UI host connections and routes commands to them. Calls go to
// the most recently connected host; notifications go to every host.
type Hub struct {
	wsConfig channel.WebSocketConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	clients []*channel.Conn
	pending map[string]chan Frame
	closed  bool
}

var _ Caller = (*Hub)(nil)

// NewHub creates a hub. Mount it as an http.Handler.
func NewHub(cfg Config) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		wsConfig: cfg.WebSocket,
		upgrader: channel.NewUpgrader(cfg.WebSocket),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[string]chan Frame),
	}
}

// ServeHTTP upgrades a UI host connection and serves it until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Remote upgrade failed", "error", err)
		return
	}
	conn := channel.NewConn(channel.ConnConfig{
		Conn:     ws,
		Config:   h.wsConfig,
		Logger:   h.logger,
		ClientIP: channel.ClientIP(r),
	})

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients = append(h.clients, conn)
	h.mu.Unlock()
	h.logger.Info("Remote client connected", "client_ip", channel.ClientIP(r))

	go conn.WritePump(h.ctx)
	conn.ReadPump(h.handleReply)

	h.removeClient(conn)
	h.logger.Info("Remote client disconnected", "client_ip", channel.ClientIP(r))
}

func (h *Hub) removeClient(conn *channel.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, c := range h.clients {
		if c == conn {
			h.clients = append(h.clients[:i], h.clients[i+1:]...)
			return
		}
	}
}

func (h *Hub) handleReply(data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		h.logger.Warn("Ignoring malformed remote frame", "error", err)
		return
	}
	if f.ID == "" {
		return
	}
	h.mu.Lock()
	ch, ok := h.pending[f.ID]
	if ok {
		delete(h.pending, f.ID)
	}
	h.mu.Unlock()
	if ok {
		ch <- f
	}
}

// Call sends a command to the UI host and waits for its reply or ctx.
func (h *Hub) Call(ctx context.Context, command string, args ...any) (json.RawMessage, error) {
	id := uuid.NewString()
	data, err := json.Marshal(Frame{ID: id, Command: command, Args: args})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", command, err)
	}

	reply := make(chan Frame, 1)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	if len(h.clients) == 0 {
		h.mu.Unlock()
		return nil, ErrNoClient
	}
	target := h.clients[len(h.clients)-1]
	h.pending[id] = reply
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
	}()

	if err := target.Send(data); err != nil {
		return nil, fmt.Errorf("send %s: %w", command, err)
	}

	select {
	case f := <-reply:
		if f.Error != "" {
			return nil, &RemoteError{Command: command, Message: f.Error}
		}
		return f.Result, nil
	case <-target.Done():
		return nil, fmt.Errorf("call %s: %w", command, channel.ErrConnClosed)
	case <-ctx.Done():
		return nil, fmt.Errorf("call %s: %w", command, ctx.Err())
	}
}

// Notify sends a command to every connected UI host without waiting for a
// reply. It is not an error when nobody is connected.
func (h *Hub) Notify(command string, args ...any) error {
	data, err := json.Marshal(Frame{Command: command, Args: args})
	if err != nil {
		return fmt.Errorf("encode %s: %w", command, err)
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	clients := make([]*channel.Conn, len(h.clients))
	copy(clients, h.clients)
	h.mu.Unlock()

	var errs []error
	for _, c := range clients {
		if err := c.Send(data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ClientCount returns the number of connected UI hosts.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every UI host. Pending calls fail.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := h.clients
	h.clients = nil
	h.mu.Unlock()

	h.cancel()
	for _, c := range clients {
		c.Close()
	}
}
