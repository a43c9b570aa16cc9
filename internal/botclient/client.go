// Package botclient delivers activities from the emulated channel to the bot
// under test.
package botclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/inercia/chatemu/internal/conversation"
	"github.com/inercia/chatemu/internal/protocol"
)

// Issuer is the issuer of emulated channel tokens.
const Issuer = "https://chatemu.local/channel"

// DefaultTokenTTL is how long an emulated channel token is valid.
const DefaultTokenTTL = 5 * time.Minute

var (
	// ErrNoBotURL is returned when the endpoint has no URL to post to.
	ErrNoBotURL = errors.New("endpoint has no bot URL")
	// ErrBotStatus is returned for non-2xx responses from the bot.
	ErrBotStatus = errors.New("bot returned an error status")
)

// Sender is what the server needs to forward activities to a bot.
type Sender interface {
	Send(ctx context.Context, ep conversation.Endpoint, activity *protocol.Activity) (*Response, error)
}

// Response is the bot's answer to a posted activity.
type Response struct {
	StatusCode int
	// Replies holds activities returned inline for expectReplies delivery.
	Replies []protocol.Activity
}

// Config configures a Client.
type Config struct {
	HTTPClient *http.Client
	TokenTTL   time.Duration
	Logger     *slog.Logger
}

// Client posts activities to bot endpoints.
type Client struct {
	http   *http.Client
	ttl    time.Duration
	logger *slog.Logger
}

var _ Sender = (*Client)(nil)

// New creates a Client.
func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{http: hc, ttl: ttl, logger: logger}
}

// Send posts activity to the endpoint. When the endpoint has an app ID the
// request carries an emulated channel token signed with the app password.
func (c *Client) Send(ctx context.Context, ep conversation.Endpoint, activity *protocol.Activity) (*Response, error) {
	if ep.BotURL == "" {
		return nil, ErrNoBotURL
	}
	body, err := json.Marshal(activity)
	if err != nil {
		return nil, fmt.Errorf("encode activity: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.BotURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if ep.AppID != "" {
		token, err := ChannelToken(ep, activity.ServiceURL, c.ttl)
		if err != nil {
			return nil, fmt.Errorf("sign channel token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post to %s: %w", ep.BotURL, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("Posted activity to bot",
		"bot_url", ep.BotURL,
		"activity_id", activity.ID,
		"status", resp.StatusCode,
		"duration", time.Since(start))

	out := &Response{StatusCode: resp.StatusCode}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return out, fmt.Errorf("%w: %d %s", ErrBotStatus, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	if activity.DeliveryMode == protocol.DeliveryModeExpectReplies {
		var replies struct {
			Activities []protocol.Activity `json:"activities"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&replies); err != nil && !errors.Is(err, io.EOF) {
			return out, fmt.Errorf("decode expected replies: %w", err)
		}
		out.Replies = replies.Activities
	}
	return out, nil
}

// ChannelClaims are the claims of an emulated channel token.
type ChannelClaims struct {
	ServiceURL string `json:"serviceurl,omitempty"`
	jwt.RegisteredClaims
}

// ChannelToken signs an emulated channel token for ep with HS256 using the
// app password, audience set to the app ID.
func ChannelToken(ep conversation.Endpoint, serviceURL string, ttl time.Duration) (string, error) {
	if ep.AppID == "" {
		return "", errors.New("endpoint has no app id")
	}
	now := time.Now()
	claims := ChannelClaims{
		ServiceURL: serviceURL,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    Issuer,
			Audience:  jwt.ClaimStrings{ep.AppID},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(ep.AppPassword))
}

// VerifyChannelToken validates a token produced by ChannelToken.
func VerifyChannelToken(tokenString string, ep conversation.Endpoint) (*ChannelClaims, error) {
	claims := &ChannelClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(ep.AppPassword), nil
	}, jwt.WithAudience(ep.AppID), jwt.WithIssuer(Issuer))
	if err != nil {
		return nil, err
	}
	return claims, nil
}
