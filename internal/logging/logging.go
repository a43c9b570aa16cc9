// Package logging provides centralized logging configuration for the emulator.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	globalLogger *slog.Logger
	globalMu     sync.RWMutex

	// logWriter is the rotating file sink, if any.
	logWriter   io.WriteCloser
	logWriterMu sync.Mutex

	// allowedComponents is the component filter; nil means all.
	allowedComponents map[string]bool
	componentsMu      sync.RWMutex
)

// Component names.
const (
	ComponentServer       = "server"
	ComponentConversation = "conversation"
	ComponentChannel      = "channel"
	ComponentOAuth        = "oauth"
	ComponentTunnel       = "tunnel"
	ComponentRemote       = "remote"
	ComponentAudit        = "audit"
	ComponentConfig       = "config"
)

// Config holds logging configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// File is an optional log file path. Logs are written to both stderr and the file.
	File string
	// MaxSizeMB is the file size before rotation. Default: 10MB
	MaxSizeMB int
	// MaxBackups is the number of rotated files to keep. Default: 3
	MaxBackups int
	// JSON enables JSON output format
	JSON bool
	// Components restricts output to the named components (empty means all)
	Components []string
}

// Initialize sets up the global logger with the given configuration.
func Initialize(cfg Config) error {
	level := ParseLevel(cfg.Level)

	componentsMu.Lock()
	if len(cfg.Components) > 0 {
		allowedComponents = make(map[string]bool, len(cfg.Components))
		for _, c := range cfg.Components {
			allowedComponents[c] = true
		}
	} else {
		allowedComponents = nil
	}
	componentsMu.Unlock()

	logWriterMu.Lock()
	defer logWriterMu.Unlock()

	var w io.Writer = os.Stderr
	if cfg.File != "" {
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		maxBackups := cfg.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 3
		}
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
		}
		logWriter = lj
		w = io.MultiWriter(os.Stderr, lj)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
	slog.SetDefault(logger)
	return nil
}

// Get returns the global logger, or slog.Default() before Initialize.
func Get() *slog.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger == nil {
		return slog.Default()
	}
	return globalLogger
}

// Close closes the log file, if one is open.
func Close() error {
	logWriterMu.Lock()
	defer logWriterMu.Unlock()
	if logWriter == nil {
		return nil
	}
	err := logWriter.Close()
	logWriter = nil
	return err
}

// ParseLevel converts a level name to slog.Level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ValidateLevel returns an error for level names ParseLevel does not know.
func ValidateLevel(level string) error {
	switch level {
	case "", "debug", "info", "warn", "warning", "error":
		return nil
	}
	return fmt.Errorf("unknown log level %q", level)
}

func isComponentAllowed(component string) bool {
	componentsMu.RLock()
	defer componentsMu.RUnlock()
	if allowedComponents == nil {
		return true
	}
	return allowedComponents[component]
}

// componentFilterHandler drops records of components outside the filter.
type componentFilterHandler struct {
	inner     slog.Handler
	component string
}

func (h *componentFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return isComponentAllowed(h.component) && h.inner.Enabled(ctx, level)
}

func (h *componentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	if !isComponentAllowed(h.component) {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *componentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &componentFilterHandler{inner: h.inner.WithAttrs(attrs), component: h.component}
}

func (h *componentFilterHandler) WithGroup(name string) slog.Handler {
	return &componentFilterHandler{inner: h.inner.WithGroup(name), component: h.component}
}

// WithComponent returns a logger tagged with a component attribute. Records
// are dropped when the component is filtered out.
func WithComponent(component string) *slog.Logger {
	base := Get()
	return slog.New(&componentFilterHandler{
		inner:     base.Handler().WithAttrs([]slog.Attr{slog.String("component", component)}),
		component: component,
	})
}

// Server returns the logger for the request pipeline.
func Server() *slog.Logger { return WithComponent(ComponentServer) }

// Conversation returns the logger for conversation state.
func Conversation() *slog.Logger { return WithComponent(ComponentConversation) }

// Channel returns the logger for the push channel.
func Channel() *slog.Logger { return WithComponent(ComponentChannel) }

// OAuth returns the logger for sign-in link rewriting and the emulated token service.
func OAuth() *slog.Logger { return WithComponent(ComponentOAuth) }

// Tunnel returns the logger for the tunnel service.
func Tunnel() *slog.Logger { return WithComponent(ComponentTunnel) }

// Remote returns the logger for the remote command channel.
func Remote() *slog.Logger { return WithComponent(ComponentRemote) }

// Audit returns the logger for request audit records.
func Audit() *slog.Logger { return WithComponent(ComponentAudit) }

// ConfigLogger returns the logger for configuration loading and watching.
func ConfigLogger() *slog.Logger { return WithComponent(ComponentConfig) }

// WithConversation returns a child logger that includes conversation_id.
func WithConversation(base *slog.Logger, conversationID string) *slog.Logger {
	if base == nil {
		return nil
	}
	return base.With("conversation_id", conversationID)
}

// WithEndpoint returns a child logger that includes the bot endpoint identity.
func WithEndpoint(base *slog.Logger, endpointID, botURL string) *slog.Logger {
	if base == nil {
		return nil
	}
	return base.With("endpoint_id", endpointID, "bot_url", botURL)
}
