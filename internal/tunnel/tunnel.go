// Package tunnel publishes the local server on a public URL through an
// ngrok-style agent so remotely hosted bots can call back into it.
package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/inercia/chatemu/internal/netutil"
	"github.com/inercia/chatemu/internal/notify"
)

// Defaults.
const (
	DefaultAPIURL       = "http://127.0.0.1:4040/api/tunnels"
	DefaultPollInterval = 250 * time.Millisecond
	DefaultStartTimeout = 10 * time.Second
)

var (
	// ErrNotConfigured is returned when no tunnel command or agent is configured.
	ErrNotConfigured = errors.New("tunnel not configured")
	// ErrNoTunnel is returned when the agent is up but exposes no tunnel.
	ErrNoTunnel = errors.New("agent reports no tunnel")
)

// Reporter is the contract the server needs from the tunnel collaborator.
type Reporter interface {
	Report(ctx context.Context, conversationID, botURL string)
	ServiceURL(ctx context.Context, botURL string) string
}

// Config configures a Service.
type Config struct {
	// Command starts the agent, e.g. "ngrok http ${PORT}". Empty means the
	// agent is managed externally and only APIURL is polled.
	Command string
	// APIURL is the agent's local API listing tunnels.
	APIURL string
	// Enabled turns the service on even without Command.
	Enabled      bool
	PollInterval time.Duration
	StartTimeout time.Duration
	// LocalURL returns the server's local base URL.
	LocalURL func() string
	// LocalPort returns the server's bound port.
	LocalPort  func() int
	Notifier   notify.Notifier
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Service manages the tunnel agent. The agent is started on first use.
type Service struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger

	// startMu serializes agent start and polling.
	startMu sync.Mutex

	mu        sync.Mutex
	cmd       *exec.Cmd
	publicURL string
}

var _ Reporter = (*Service)(nil)

// New creates a Service.
func New(cfg Config) *Service {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cfg: cfg, client: client, logger: logger}
}

// Configured reports whether a tunnel can be used at all.
func (s *Service) Configured() bool {
	return s.cfg.Command != "" || s.cfg.Enabled
}

// Running reports whether a public URL is known.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publicURL != ""
}

// PublicURL returns the tunnel's public URL, starting the agent if needed.
func (s *Service) PublicURL(ctx context.Context) (string, error) {
	if !s.Configured() {
		return "", ErrNotConfigured
	}
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	known, running := s.publicURL, s.cmd != nil
	s.mu.Unlock()
	if known != "" {
		return known, nil
	}
	if s.cfg.Command != "" && !running {
		if err := s.start(); err != nil {
			return "", err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StartTimeout)
	defer cancel()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	var lastErr error
	for {
		u, err := s.fetchPublicURL(ctx)
		if err == nil {
			s.mu.Lock()
			s.publicURL = u
			s.mu.Unlock()
			s.logger.Info("Tunnel established", "public_url", u)
			return u, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for tunnel: %w (last error: %v)", ctx.Err(), lastErr)
		case <-ticker.C:
		}
	}
}

func (s *Service) start() error {
	port := 0
	if s.cfg.LocalPort != nil {
		port = s.cfg.LocalPort()
	}
	args, err := ParseCommand(s.cfg.Command, port)
	if err != nil {
		return err
	}
	cmd := exec.Command(args[0], args[1:]...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start tunnel agent %s: %w", args[0], err)
	}
	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()
	s.logger.Info("Started tunnel agent", "command", args[0], "pid", cmd.Process.Pid, "port", port)
	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		if s.cmd == cmd {
			s.cmd = nil
			s.publicURL = ""
		}
		s.mu.Unlock()
		s.logger.Info("Tunnel agent exited", "error", err)
	}()
	return nil
}

type agentTunnels struct {
	Tunnels []struct {
		Name      string `json:"name"`
		PublicURL string `json:"public_url"`
		Proto     string `json:"proto"`
	} `json:"tunnels"`
}

func (s *Service) fetchPublicURL(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.APIURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("agent API returned %d", resp.StatusCode)
	}
	var body agentTunnels
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode agent API: %w", err)
	}
	fallback := ""
	for _, t := range body.Tunnels {
		if t.Proto == "https" || strings.HasPrefix(t.PublicURL, "https://") {
			return t.PublicURL, nil
		}
		if fallback == "" {
			fallback = t.PublicURL
		}
	}
	if fallback == "" {
		return "", ErrNoTunnel
	}
	return fallback, nil
}

// Report logs where the bot in conversationID can reach the server.
// Failures are reported, never returned.
func (s *Service) Report(ctx context.Context, conversationID, botURL string) {
	rec := notify.Record{ConversationID: conversationID, Facility: notify.FacilityTunnel}
	switch {
	case IsLocalURL(botURL):
		rec.Severity = notify.SeverityDebug
		rec.Message = "tunnel not needed for a local bot"
	case !s.Configured():
		rec.Severity = notify.SeverityWarn
		rec.Message = "tunnel not configured (only needed when connecting to remotely hosted bots)"
	default:
		u, err := s.PublicURL(ctx)
		if err != nil {
			rec.Severity = notify.SeverityError
			rec.Message = "failed to start tunnel: " + err.Error()
		} else {
			rec.Severity = notify.SeverityInfo
			rec.Message = "tunnel listening on " + u
		}
	}
	if s.cfg.Notifier != nil {
		s.cfg.Notifier.Log(ctx, rec)
	} else {
		s.logger.Log(ctx, rec.Severity.Level(), rec.Message, "conversation_id", conversationID)
	}
}

// ServiceURL returns the base URL botURL should call back to: the public
// tunnel URL for remote bots when available, else the local base URL.
func (s *Service) ServiceURL(ctx context.Context, botURL string) string {
	local := ""
	if s.cfg.LocalURL != nil {
		local = s.cfg.LocalURL()
	}
	if IsLocalURL(botURL) || !s.Configured() {
		return local
	}
	u, err := s.PublicURL(ctx)
	if err != nil {
		s.logger.Warn("Falling back to local service URL", "bot_url", botURL, "error", err)
		return local
	}
	return u
}

// Close stops an agent started by the service.
func (s *Service) Close() error {
	s.mu.Lock()
	cmd := s.cmd
	s.cmd = nil
	s.publicURL = ""
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// IsLocalURL reports whether rawURL points at the local machine. An
// unparseable or empty URL counts as local.
func IsLocalURL(rawURL string) bool {
	if rawURL == "" {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return true
	}
	return netutil.IsLoopbackHost(u.Hostname())
}
