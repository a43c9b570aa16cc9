// Package config handles configuration loading and management for the emulator.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/inercia/chatemu/internal/conversation"
	"github.com/inercia/chatemu/internal/logging"
)

// Defaults.
const (
	DefaultHost           = "127.0.0.1"
	DefaultServerPort     = 9000
	DefaultChannelPort    = 5005
	DefaultTokenTTL       = time.Hour
	DefaultStateTTL       = 15 * time.Minute
	DefaultResolveTimeout = 10 * time.Second
	DefaultRateRPS        = 5.0
	DefaultRateBurst      = 10
	DefaultExchange       = "chatemu"

	// DefaultAuditSuppress skips polling traffic from the audit log.
	DefaultAuditSuppress = `method == "GET" && route == "/v3/directline/conversations/{conversationId}/activities"`
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Host is the listen address (default: 127.0.0.1)
	Host string `yaml:"host"`
	// Port is the listen port (default: 9000)
	Port int `yaml:"port"`
	// URL overrides the advertised base URL, e.g. behind a proxy.
	URL string `yaml:"url,omitempty"`
}

// ChannelConfig configures the websocket push channel.
type ChannelConfig struct {
	// Port for the websocket acceptor. -1 picks a random free port.
	Port int `yaml:"port"`
	// AllowedOrigins restricts websocket origins (default: all).
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// BotConfig is a bot endpoint reachable from the emulator.
type BotConfig struct {
	ID             string `yaml:"id"`
	Name           string `yaml:"name,omitempty"`
	Endpoint       string `yaml:"endpoint"`
	AppID          string `yaml:"app_id,omitempty"`
	AppPassword    string `yaml:"app_password,omitempty"`
	ChannelService string `yaml:"channel_service,omitempty"`
}

// ToEndpoint converts to the conversation endpoint type.
func (b BotConfig) ToEndpoint() conversation.Endpoint {
	return conversation.Endpoint{
		ID:             b.ID,
		Name:           b.Name,
		BotURL:         b.Endpoint,
		AppID:          b.AppID,
		AppPassword:    b.AppPassword,
		ChannelService: b.ChannelService,
	}
}

// RateConfig is a token bucket.
type RateConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// OAuthConfig configures emulated sign-in.
type OAuthConfig struct {
	// Secret signs state and user tokens. Empty means a random per-process secret.
	Secret         string        `yaml:"secret,omitempty"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
	StateTTL       time.Duration `yaml:"state_ttl"`
	ResolveTimeout time.Duration `yaml:"resolve_timeout"`
	Rate           RateConfig    `yaml:"rate"`
}

// AuditConfig configures the request audit log.
type AuditConfig struct {
	// Suppress is a CEL expression over method, route, status and
	// conversation_id. Matching requests are not logged.
	Suppress string `yaml:"suppress"`
	// File receives JSON audit records, rotated by size.
	File string `yaml:"file,omitempty"`
}

// TunnelConfig configures the public tunnel agent.
type TunnelConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Command      string        `yaml:"command,omitempty"`
	APIURL       string        `yaml:"api_url,omitempty"`
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
}

// NotificationsConfig configures the optional broker fan-out.
type NotificationsConfig struct {
	AMQPURL  string `yaml:"amqp_url,omitempty"`
	Exchange string `yaml:"exchange,omitempty"`
}

// LogConfig mirrors logging.Config for the file.
type LogConfig struct {
	Level      string   `yaml:"level,omitempty"`
	File       string   `yaml:"file,omitempty"`
	JSON       bool     `yaml:"json,omitempty"`
	Components []string `yaml:"components,omitempty"`
}

// Logging converts to a logging.Config.
func (l LogConfig) Logging() logging.Config {
	return logging.Config{Level: l.Level, File: l.File, JSON: l.JSON, Components: l.Components}
}

// Config represents the complete emulator configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Channel       ChannelConfig       `yaml:"channel"`
	Bots          []BotConfig         `yaml:"bots,omitempty"`
	OAuth         OAuthConfig         `yaml:"oauth"`
	Audit         AuditConfig         `yaml:"audit"`
	Tunnel        TunnelConfig        `yaml:"tunnel"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Log           LogConfig           `yaml:"log"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultServerPort
	}
	if c.Channel.Port == 0 {
		c.Channel.Port = DefaultChannelPort
	}
	if c.OAuth.TokenTTL == 0 {
		c.OAuth.TokenTTL = DefaultTokenTTL
	}
	if c.OAuth.StateTTL == 0 {
		c.OAuth.StateTTL = DefaultStateTTL
	}
	if c.OAuth.ResolveTimeout == 0 {
		c.OAuth.ResolveTimeout = DefaultResolveTimeout
	}
	if c.OAuth.Rate.RPS == 0 {
		c.OAuth.Rate.RPS = DefaultRateRPS
	}
	if c.OAuth.Rate.Burst == 0 {
		c.OAuth.Rate.Burst = DefaultRateBurst
	}
	if c.Audit.Suppress == "" {
		c.Audit.Suppress = DefaultAuditSuppress
	}
	if c.Notifications.Exchange == "" {
		c.Notifications.Exchange = DefaultExchange
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// DefaultConfigPath returns the default configuration file path for the current platform.
func DefaultConfigPath() string {
	if envPath := os.Getenv("CHATEMURC"); envPath != "" {
		return envPath
	}

	var configDir string
	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, _ := os.UserHomeDir()
		configDir = home
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			configDir = xdgConfig
		} else {
			home, _ := os.UserHomeDir()
			configDir = home
		}
	}

	return filepath.Join(configDir, ".chatemurc")
}

// Load reads and parses the configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// LoadOrDefault loads path, falling back to defaults when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Parse parses YAML configuration data into a Config struct.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the emulator cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Channel.Port < -1 || c.Channel.Port > 65535 {
		errs = append(errs, fmt.Errorf("channel.port %d out of range", c.Channel.Port))
	}
	seen := make(map[string]bool, len(c.Bots))
	for i, b := range c.Bots {
		switch {
		case b.ID == "":
			errs = append(errs, fmt.Errorf("bots[%d]: id is required", i))
		case seen[b.ID]:
			errs = append(errs, fmt.Errorf("bots[%d]: duplicate id %q", i, b.ID))
		}
		seen[b.ID] = true
		if b.Endpoint == "" {
			errs = append(errs, fmt.Errorf("bots[%d]: endpoint is required", i))
		}
		if b.AppPassword != "" && b.AppID == "" {
			errs = append(errs, fmt.Errorf("bots[%d]: app_password set without app_id", i))
		}
	}
	if c.OAuth.Rate.RPS < 0 || c.OAuth.Rate.Burst < 0 {
		errs = append(errs, errors.New("oauth.rate must not be negative"))
	}
	if err := logging.ValidateLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Notifications.AMQPURL != "" && !strings.HasPrefix(c.Notifications.AMQPURL, "amqp") {
		errs = append(errs, fmt.Errorf("notifications.amqp_url %q is not an amqp URL", c.Notifications.AMQPURL))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Endpoints returns the configured bots as conversation endpoints.
func (c *Config) Endpoints() []conversation.Endpoint {
	out := make([]conversation.Endpoint, 0, len(c.Bots))
	for _, b := range c.Bots {
		out = append(out, b.ToEndpoint())
	}
	return out
}

// DefaultEndpoint returns the first configured bot, if any.
func (c *Config) DefaultEndpoint() (conversation.Endpoint, bool) {
	if len(c.Bots) == 0 {
		return conversation.Endpoint{}, false
	}
	return c.Bots[0].ToEndpoint(), true
}
