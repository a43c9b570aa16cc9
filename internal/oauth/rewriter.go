package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/inercia/chatemu/internal/conversation"
	"github.com/inercia/chatemu/internal/protocol"
)

// ErrSignInRewrite wraps every failure to build a local sign-in link.
var ErrSignInRewrite = errors.New("sign-in link rewrite failed")

// ErrChallengeMismatch is returned when a redeemed grant does not match the
// code challenge carried in its state.
var ErrChallengeMismatch = errors.New("code challenge mismatch")

// DefaultStateTTL bounds how long a rewritten link stays redeemable.
const DefaultStateTTL = 15 * time.Minute

// Request is one activity resolution. It is scoped to a single call.
type Request struct {
	Activity       *protocol.Activity
	ConversationID string
	Endpoint       conversation.Endpoint
	// Authorization is the raw authorization header the bot sent.
	Authorization string
}

// RewriterConfig configures a Rewriter.
type RewriterConfig struct {
	Signer *Signer
	Vault  *Vault
	// ServerURL returns the base URL the client can reach the server on.
	// It is read on each call because the port is only known after start.
	ServerURL func() string
	StateTTL  time.Duration
	Logger    *slog.Logger
}

// Rewriter replaces remote sign-in links inside outgoing activities with links
// served by the emulator itself.
type Rewriter struct {
	signer    *Signer
	vault     *Vault
	serverURL func() string
	ttl       time.Duration
	logger    *slog.Logger
}

// NewRewriter creates a Rewriter.
func NewRewriter(cfg RewriterConfig) *Rewriter {
	ttl := cfg.StateTTL
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	vault := cfg.Vault
	if vault == nil {
		vault = NewVault()
	}
	return &Rewriter{
		signer:    cfg.Signer,
		vault:     vault,
		serverURL: cfg.ServerURL,
		ttl:       ttl,
		logger:    logger,
	}
}

// Vault returns the grant vault the rewriter writes to.
func (r *Rewriter) Vault() *Vault { return r.vault }

// ResolveOAuthCards returns the activity with every sign-in prompt pointing at
// the local consent page. An activity without prompts is returned as is. On
// error the caller's activity is left untouched.
func (r *Rewriter) ResolveOAuthCards(ctx context.Context, req Request) (*protocol.Activity, error) {
	if req.Activity == nil || !req.Activity.HasSignInPrompt() {
		return req.Activity, nil
	}

	out := req.Activity.Clone()
	for i := range out.Attachments {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSignInRewrite, err)
		}
		att := &out.Attachments[i]
		if !att.IsSignInPrompt() {
			continue
		}
		content, err := r.rewriteCard(req, att)
		if err != nil {
			return nil, err
		}
		att.Content = content
	}
	r.logger.Debug("rewrote sign-in prompts",
		"conversation_id", req.ConversationID,
		"activity_id", out.ID,
		"attachments", len(out.Attachments))
	return out, nil
}

func (r *Rewriter) rewriteCard(req Request, att *protocol.Attachment) (json.RawMessage, error) {
	card := map[string]any{}
	if len(att.Content) > 0 {
		if err := json.Unmarshal(att.Content, &card); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", ErrSignInRewrite, att.ContentType, err)
		}
	}
	connectionName, _ := card["connectionName"].(string)
	text, _ := card["text"].(string)

	link, err := r.SignInURL(req.ConversationID, req.Endpoint, connectionName, req.Authorization, text)
	if err != nil {
		return nil, err
	}

	buttons, _ := card["buttons"].([]any)
	if len(buttons) == 0 {
		buttons = []any{map[string]any{"title": "Sign in"}}
	}
	for _, b := range buttons {
		button, ok := b.(map[string]any)
		if !ok {
			continue
		}
		kind, _ := button["type"].(string)
		if kind != "" && kind != protocol.ActionTypeSignin && kind != protocol.ActionTypeOpenURL {
			continue
		}
		button["type"] = protocol.ActionTypeOpenURL
		button["value"] = link
	}
	card["buttons"] = buttons

	raw, err := json.Marshal(card)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s: %v", ErrSignInRewrite, att.ContentType, err)
	}
	return raw, nil
}

// SignInURL builds a local consent link for the conversation and remembers
// the bearer token server side.
func (r *Rewriter) SignInURL(conversationID string, ep conversation.Endpoint, connectionName, authorization, cardText string) (string, error) {
	if ep.ID == "" {
		return "", fmt.Errorf("%w: conversation %s has no bound endpoint identity", ErrSignInRewrite, conversationID)
	}
	if r.signer == nil {
		return "", fmt.Errorf("%w: no signer configured", ErrSignInRewrite)
	}
	base := ""
	if r.serverURL != nil {
		base = strings.TrimRight(r.serverURL(), "/")
	}
	if base == "" {
		return "", fmt.Errorf("%w: server URL is not known yet", ErrSignInRewrite)
	}

	verifier, challenge, err := newCodeChallenge()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignInRewrite, err)
	}
	state, claims, err := r.signer.SignState(StateClaims{
		ConversationID: conversationID,
		BotID:          ep.ID,
		ConnectionName: connectionName,
		AppID:          ep.AppID,
		CodeChallenge:  challenge,
	}, r.ttl)
	if err != nil {
		return "", fmt.Errorf("%w: sign state: %v", ErrSignInRewrite, err)
	}

	r.vault.Put(Grant{
		StateID:        claims.ID,
		ConversationID: conversationID,
		ConnectionName: connectionName,
		Bearer:         bearerToken(authorization),
		CodeVerifier:   verifier,
		CardText:       cardText,
		ExpiresAt:      claims.ExpiresAt.Time,
	})

	return fmt.Sprintf("%s/emulator/%s/oauth/signin?state=%s",
		base, url.PathEscape(conversationID), url.QueryEscape(state)), nil
}

// Lookup validates state and returns its pending grant without consuming it.
func (r *Rewriter) Lookup(state string) (*StateClaims, Grant, error) {
	claims, err := r.signer.ParseState(state)
	if err != nil {
		return nil, Grant{}, err
	}
	grant, ok := r.vault.Get(claims.ID)
	if !ok {
		return nil, Grant{}, fmt.Errorf("%w: unknown or redeemed", ErrInvalidState)
	}
	return claims, grant, nil
}

// Redeem validates state, consumes its grant and checks the code challenge.
func (r *Rewriter) Redeem(state string) (*StateClaims, Grant, error) {
	claims, err := r.signer.ParseState(state)
	if err != nil {
		return nil, Grant{}, err
	}
	grant, ok := r.vault.Take(claims.ID)
	if !ok {
		return nil, Grant{}, fmt.Errorf("%w: unknown or redeemed", ErrInvalidState)
	}
	if grant.ConversationID != claims.ConversationID {
		return nil, Grant{}, fmt.Errorf("%w: conversation mismatch", ErrInvalidState)
	}
	if subtle.ConstantTimeCompare([]byte(codeChallenge(grant.CodeVerifier)), []byte(claims.CodeChallenge)) != 1 {
		return nil, Grant{}, ErrChallengeMismatch
	}
	return claims, grant, nil
}

func bearerToken(authorization string) string {
	if len(authorization) > 7 && strings.EqualFold(authorization[:7], "bearer ") {
		return strings.TrimSpace(authorization[7:])
	}
	return strings.TrimSpace(authorization)
}

func newCodeChallenge() (verifier, challenge string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	verifier = base64.RawURLEncoding.EncodeToString(buf)
	return verifier, codeChallenge(verifier), nil
}

func codeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
