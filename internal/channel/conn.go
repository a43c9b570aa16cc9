package channel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrSendBufferFull is returned when a frame cannot be queued for a slow client.
var ErrSendBufferFull = errors.New("send buffer full")

// ErrConnClosed is returned when sending on a closed connection.
var ErrConnClosed = errors.New("connection closed")

// Conn wraps a websocket connection with a buffered write pump, ping/pong
// keepalive and connection lifecycle management.
type Conn struct {
	conn     *websocket.Conn
	send     chan []byte
	config   WebSocketConfig
	logger   *slog.Logger
	clientIP string
	tracker  *ConnectionTracker

	closeOnce sync.Once
	closed    chan struct{}
}

// ConnConfig contains configuration for creating a new Conn.
type ConnConfig struct {
	Conn     *websocket.Conn
	Config   WebSocketConfig
	Logger   *slog.Logger
	ClientIP string
	Tracker  *ConnectionTracker
	SendSize int // Size of send channel buffer (default: 256)
}

// NewConn creates a new connection wrapper.
func NewConn(cfg ConnConfig) *Conn {
	sendSize := cfg.SendSize
	if sendSize <= 0 {
		sendSize = 256
	}
	wsCfg := cfg.Config.withDefaults()
	ConfigureConn(cfg.Conn, wsCfg)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Conn{
		conn:     cfg.Conn,
		send:     make(chan []byte, sendSize),
		config:   wsCfg,
		logger:   logger,
		clientIP: cfg.ClientIP,
		tracker:  cfg.Tracker,
		closed:   make(chan struct{}),
	}
}

// Send queues a text frame. It never blocks: if the buffer is full the frame
// is dropped and ErrSendBufferFull is returned.
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return ErrConnClosed
	default:
		c.logger.Warn("WebSocket send buffer full, dropping frame", "client_ip", c.clientIP)
		return ErrSendBufferFull
	}
}

// Close closes the connection and releases its tracker slot. Safe to call
// more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
		if c.tracker != nil && c.clientIP != "" {
			c.tracker.Remove(c.clientIP)
		}
	})
	return err
}

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// WritePump pumps frames from the send queue to the socket and sends pings.
// It returns when ctx is cancelled or the connection fails.
func (c *Conn) WritePump(ctx context.Context) {
	ticker := time.NewTicker(c.config.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("WebSocket write failed", "client_ip", c.clientIP, "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		case <-ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}

// ReadPump reads frames until the connection fails. Empty frames are
// keep-alive pings from the client and are not passed to onMessage.
func (c *Conn) ReadPump(onMessage func([]byte)) {
	defer c.Close()
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("WebSocket read error", "client_ip", c.clientIP, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		if len(message) == 0 {
			c.logger.Debug("Got keep-alive ping", "client_ip", c.clientIP)
			continue
		}
		if onMessage != nil {
			onMessage(message)
		}
	}
}
