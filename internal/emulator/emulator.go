// Package emulator is the process container. It builds every collaborator
// from configuration, owns their lifetimes and reacts to new conversations.
package emulator

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/inercia/chatemu/internal/botclient"
	"github.com/inercia/chatemu/internal/channel"
	"github.com/inercia/chatemu/internal/config"
	"github.com/inercia/chatemu/internal/conversation"
	"github.com/inercia/chatemu/internal/logging"
	"github.com/inercia/chatemu/internal/notify"
	"github.com/inercia/chatemu/internal/oauth"
	"github.com/inercia/chatemu/internal/remote"
	"github.com/inercia/chatemu/internal/server"
	"github.com/inercia/chatemu/internal/tunnel"
)

// CommandsPath is where the remote command channel is mounted on the
// channel acceptor.
const CommandsPath = "/commands"

// Options configures an Emulator.
type Options struct {
	// Config is the loaded configuration. Nil means defaults.
	Config *config.Config
	// ConfigPath is watched for changes when set.
	ConfigPath string
	// Publisher overrides the broker configured in Config.
	Publisher notify.Publisher
	Logger    *slog.Logger
}

// Emulator owns the server state, pipeline, push channel acceptor, remote
// command hub, notification service, tunnel and config watcher.
type Emulator struct {
	cfg    *config.Config
	logger *slog.Logger

	state    *server.State
	acceptor *channel.Acceptor
	hub      *remote.Hub
	notifier *notify.Service
	tunnel   *tunnel.Service
	signer   *oauth.Signer
	tokens   *oauth.TokenStore
	pipeline *server.Pipeline
	watcher  *config.Watcher
	audit    io.WriteCloser

	reports sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// New builds an Emulator. Nothing is bound until Startup.
func New(opts Options) (*Emulator, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Server()
	}
	e := &Emulator{cfg: cfg, logger: logger}

	wsConfig := channel.WebSocketConfig{AllowedOrigins: cfg.Channel.AllowedOrigins}
	e.acceptor = channel.NewAcceptor(channel.Config{
		Host:      cfg.Server.Host,
		Port:      cfg.Channel.Port,
		WebSocket: wsConfig,
		Logger:    logging.Channel(),
	})
	e.hub = remote.NewHub(remote.Config{WebSocket: wsConfig, Logger: logging.Remote()})
	e.acceptor.Handle(CommandsPath, e.hub)

	publisher := opts.Publisher
	if publisher == nil && cfg.Notifications.AMQPURL != "" {
		p, err := notify.NewAMQPPublisher(cfg.Notifications.AMQPURL, cfg.Notifications.Exchange, logging.Audit())
		if err != nil {
			// The broker is optional; run without it.
			logger.Warn("Notification broker unavailable", "error", err)
		} else {
			publisher = p
		}
	}
	if cfg.Audit.File != "" {
		e.audit = &lumberjack.Logger{Filename: cfg.Audit.File, MaxSize: 10, MaxBackups: 3}
	}
	notifyCfg := notify.Config{
		Logger:    logging.Audit(),
		Remote:    e.hub,
		Publisher: publisher,
	}
	if e.audit != nil {
		notifyCfg.AuditFile = e.audit
	}
	e.notifier = notify.NewService(notifyCfg)

	secret, err := signingSecret(cfg.OAuth.Secret)
	if err != nil {
		return nil, err
	}
	e.signer, err = oauth.NewSigner(secret)
	if err != nil {
		return nil, fmt.Errorf("create signer: %w", err)
	}
	e.tokens = oauth.NewTokenStore()

	set := conversation.NewSet()
	e.state = server.NewState(set, cfg.Endpoints())

	// The pipeline is created below; the tunnel and rewriter read its
	// address lazily.
	var pipeline *server.Pipeline
	localURL := func() string {
		if pipeline == nil {
			return ""
		}
		return pipeline.URL()
	}
	e.tunnel = tunnel.New(tunnel.Config{
		Command:      cfg.Tunnel.Command,
		APIURL:       cfg.Tunnel.APIURL,
		Enabled:      cfg.Tunnel.Enabled,
		PollInterval: cfg.Tunnel.PollInterval,
		LocalURL:     localURL,
		LocalPort: func() int {
			if pipeline == nil {
				return 0
			}
			return pipeline.Port()
		},
		Notifier: e.notifier,
		Logger:   logging.Tunnel(),
	})
	rewriter := oauth.NewRewriter(oauth.RewriterConfig{
		Signer:    e.signer,
		ServerURL: localURL,
		StateTTL:  cfg.OAuth.StateTTL,
		Logger:    logging.OAuth(),
	})

	pipeline, err = server.New(server.Config{
		Host:           cfg.Server.Host,
		PublicURL:      cfg.Server.URL,
		State:          e.state,
		Channel:        e.acceptor,
		Notifier:       e.notifier,
		Rewriter:       rewriter,
		Signer:         e.signer,
		Tokens:         e.tokens,
		TokenTTL:       cfg.OAuth.TokenTTL,
		Bot:            botclient.New(botclient.Config{Logger: logging.Conversation()}),
		Tunnel:         e.tunnel,
		ResolveTimeout: cfg.OAuth.ResolveTimeout,
		AuditSuppress:  cfg.Audit.Suppress,
		RateLimit: server.RateLimitConfig{
			RequestsPerSecond: cfg.OAuth.Rate.RPS,
			BurstSize:         cfg.OAuth.Rate.Burst,
		},
		Logger: logger,
	})
	if err != nil {
		e.closeSinks()
		return nil, err
	}
	e.pipeline = pipeline

	set.Subscribe(conversation.ObserverFunc(e.onNewConversation))

	if opts.ConfigPath != "" {
		w, err := config.NewWatcher(opts.ConfigPath, logging.ConfigLogger())
		if err != nil {
			logger.Warn("Config file will not be watched", "path", opts.ConfigPath, "error", err)
		} else {
			w.Subscribe(e.applyConfig)
			e.watcher = w
		}
	}
	return e, nil
}

func signingSecret(configured string) ([]byte, error) {
	if configured != "" {
		return []byte(configured), nil
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate signing secret: %w", err)
	}
	return secret, nil
}

// Startup binds the push channel acceptor, then the pipeline on port.
func (e *Emulator) Startup(ctx context.Context, port int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.acceptor.Ensure(); err != nil {
		if errors.Is(err, channel.ErrPortInUse) {
			e.notifier.Notify(ctx, notify.Notification{
				Type:    notify.SeverityError,
				Title:   "Port in use",
				Message: fmt.Sprintf("Push channel port is in use: %v", err),
			})
		}
		return fmt.Errorf("start push channel: %w", err)
	}
	if err := e.pipeline.Start(port); err != nil {
		e.acceptor.Close()
		return fmt.Errorf("start server: %w", err)
	}
	if e.watcher != nil {
		e.watcher.Start()
	}

	e.mu.Lock()
	e.started = true
	e.mu.Unlock()

	e.logger.Info("Emulator started",
		"url", e.pipeline.URL(),
		"channel_url", e.acceptor.URL(),
		"bots", len(e.state.Endpoints()))
	return nil
}

// Shutdown stops everything Startup started, in reverse order. It is safe to
// call more than once.
func (e *Emulator) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.started = false
	e.mu.Unlock()

	var errs []error
	if e.watcher != nil {
		if err := e.watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("config watcher: %w", err))
		}
	}
	if err := e.pipeline.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("server: %w", err))
	}
	e.hub.Close()
	if err := e.acceptor.Close(); err != nil {
		errs = append(errs, fmt.Errorf("push channel: %w", err))
	}

	done := make(chan struct{})
	go func() {
		e.reports.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	if err := e.tunnel.Close(); err != nil {
		errs = append(errs, fmt.Errorf("tunnel: %w", err))
	}
	errs = append(errs, e.closeSinks())
	return errors.Join(errs...)
}

func (e *Emulator) closeSinks() error {
	var errs []error
	if err := e.notifier.Close(); err != nil {
		errs = append(errs, fmt.Errorf("notifier: %w", err))
	}
	if e.audit != nil {
		if err := e.audit.Close(); err != nil {
			errs = append(errs, fmt.Errorf("audit file: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Running reports whether Startup succeeded and Shutdown was not called.
func (e *Emulator) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// Config returns the configuration the emulator was built with.
func (e *Emulator) Config() *config.Config { return e.cfg }

// URL returns the pipeline base URL, or "" before Startup.
func (e *Emulator) URL() string { return e.pipeline.URL() }

// State returns the server state.
func (e *Emulator) State() *server.State { return e.state }

// Pipeline returns the HTTP pipeline.
func (e *Emulator) Pipeline() *server.Pipeline { return e.pipeline }

// Acceptor returns the push channel acceptor.
func (e *Emulator) Acceptor() *channel.Acceptor { return e.acceptor }

// Remote returns the remote command hub.
func (e *Emulator) Remote() *remote.Hub { return e.hub }

// Notifier returns the notification service.
func (e *Emulator) Notifier() *notify.Service { return e.notifier }
