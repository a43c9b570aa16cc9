package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/inercia/chatemu/internal/conversation"
	"github.com/inercia/chatemu/internal/protocol"
)

func newTestRewriter(t *testing.T, serverURL string) *Rewriter {
	t.Helper()
	signer, err := NewSigner([]byte("test-secret"))
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}
	return NewRewriter(RewriterConfig{
		Signer:    signer,
		ServerURL: func() string { return serverURL },
	})
}

func oauthCardActivity(t *testing.T) *protocol.Activity {
	t.Helper()
	content, err := json.Marshal(map[string]any{
		"text":           "Please **sign in**",
		"connectionName": "github",
		"buttons": []any{
			map[string]any{"type": "signin", "title": "Sign in", "value": "https://login.example.com/authorize"},
		},
		"extra": "kept",
	})
	if err != nil {
		t.Fatalf("marshal card: %v", err)
	}
	return &protocol.Activity{
		Type: protocol.ActivityTypeMessage,
		ID:   "a1",
		Attachments: []protocol.Attachment{
			{ContentType: "application/vnd.microsoft.card.hero", Content: json.RawMessage(`{"title":"hero"}`)},
			{ContentType: protocol.ContentTypeOAuthCard, Content: content},
		},
	}
}

func decodeCard(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	card := map[string]any{}
	if err := json.Unmarshal(raw, &card); err != nil {
		t.Fatalf("decode card: %v", err)
	}
	return card
}

func TestResolveOAuthCards_NoPrompts(t *testing.T) {
	r := newTestRewriter(t, "http://127.0.0.1:9000")
	in := &protocol.Activity{Type: protocol.ActivityTypeMessage, Text: "plain"}

	out, err := r.ResolveOAuthCards(context.Background(), Request{Activity: in, ConversationID: "c1"})
	if err != nil {
		t.Fatalf("ResolveOAuthCards failed: %v", err)
	}
	if out != in {
		t.Error("activity without prompts should be returned unchanged")
	}
	if r.Vault().Len() != 0 {
		t.Errorf("vault has %d grants, want 0", r.Vault().Len())
	}
}

func TestResolveOAuthCards_RewritesSignInButton(t *testing.T) {
	r := newTestRewriter(t, "http://127.0.0.1:9000/")
	in := oauthCardActivity(t)
	original := string(in.Attachments[1].Content)

	out, err := r.ResolveOAuthCards(context.Background(), Request{
		Activity:       in,
		ConversationID: "c1|livechat",
		Endpoint:       conversation.Endpoint{ID: "bot-1", AppID: "app"},
		Authorization:  "Bearer secret-bearer",
	})
	if err != nil {
		t.Fatalf("ResolveOAuthCards failed: %v", err)
	}
	if string(in.Attachments[1].Content) != original {
		t.Error("input activity was mutated")
	}
	if string(out.Attachments[0].Content) != `{"title":"hero"}` {
		t.Errorf("non sign-in attachment changed: %s", out.Attachments[0].Content)
	}

	card := decodeCard(t, out.Attachments[1].Content)
	if card["extra"] != "kept" {
		t.Error("unknown card fields should be preserved")
	}
	button := card["buttons"].([]any)[0].(map[string]any)
	if button["type"] != protocol.ActionTypeOpenURL {
		t.Errorf("button type = %v, want openUrl", button["type"])
	}
	link := button["value"].(string)
	if !strings.HasPrefix(link, "http://127.0.0.1:9000/emulator/c1%7Clivechat/oauth/signin?state=") {
		t.Errorf("unexpected link %q", link)
	}
	if strings.Contains(link, "secret-bearer") {
		t.Error("bearer token leaked into the link")
	}

	u, err := url.Parse(link)
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	claims, grant, err := r.Lookup(u.Query().Get("state"))
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if claims.ConversationID != "c1|livechat" || claims.BotID != "bot-1" || claims.ConnectionName != "github" {
		t.Errorf("claims = %+v", claims)
	}
	if grant.Bearer != "secret-bearer" {
		t.Errorf("grant bearer = %q", grant.Bearer)
	}
	if grant.CardText != "Please **sign in**" {
		t.Errorf("grant card text = %q", grant.CardText)
	}
}

func TestResolveOAuthCards_MissingEndpointIdentity(t *testing.T) {
	r := newTestRewriter(t, "http://127.0.0.1:9000")
	in := oauthCardActivity(t)

	out, err := r.ResolveOAuthCards(context.Background(), Request{Activity: in, ConversationID: "c1"})
	if !errors.Is(err, ErrSignInRewrite) {
		t.Fatalf("err = %v, want ErrSignInRewrite", err)
	}
	if out != nil {
		t.Error("failed rewrite must not return an activity")
	}
}

func TestResolveOAuthCards_MissingServerURL(t *testing.T) {
	r := newTestRewriter(t, "")
	_, err := r.ResolveOAuthCards(context.Background(), Request{
		Activity:       oauthCardActivity(t),
		ConversationID: "c1",
		Endpoint:       conversation.Endpoint{ID: "bot-1"},
	})
	if !errors.Is(err, ErrSignInRewrite) {
		t.Fatalf("err = %v, want ErrSignInRewrite", err)
	}
}

func TestResolveOAuthCards_CancelledContext(t *testing.T) {
	r := newTestRewriter(t, "http://127.0.0.1:9000")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.ResolveOAuthCards(ctx, Request{
		Activity:       oauthCardActivity(t),
		ConversationID: "c1",
		Endpoint:       conversation.Endpoint{ID: "bot-1"},
	})
	if !errors.Is(err, ErrSignInRewrite) {
		t.Fatalf("err = %v, want ErrSignInRewrite", err)
	}
}

func TestResolveOAuthCards_SigninCardWithoutButtons(t *testing.T) {
	r := newTestRewriter(t, "http://127.0.0.1:9000")
	in := &protocol.Activity{
		Type:        protocol.ActivityTypeMessage,
		Attachments: []protocol.Attachment{{ContentType: protocol.ContentTypeSigninCard}},
	}

	out, err := r.ResolveOAuthCards(context.Background(), Request{
		Activity:       in,
		ConversationID: "c1",
		Endpoint:       conversation.Endpoint{ID: "bot-1"},
	})
	if err != nil {
		t.Fatalf("ResolveOAuthCards failed: %v", err)
	}
	buttons := decodeCard(t, out.Attachments[0].Content)["buttons"].([]any)
	if len(buttons) != 1 {
		t.Fatalf("buttons = %d, want 1", len(buttons))
	}
}

func TestRedeem_OnceOnly(t *testing.T) {
	r := newTestRewriter(t, "http://127.0.0.1:9000")
	link, err := r.SignInURL("c1", conversation.Endpoint{ID: "bot-1"}, "github", "Bearer tok", "")
	if err != nil {
		t.Fatalf("SignInURL failed: %v", err)
	}
	u, _ := url.Parse(link)
	state := u.Query().Get("state")

	_, grant, err := r.Redeem(state)
	if err != nil {
		t.Fatalf("Redeem failed: %v", err)
	}
	if grant.ConnectionName != "github" {
		t.Errorf("grant = %+v", grant)
	}
	if _, _, err := r.Redeem(state); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Redeem err = %v, want ErrInvalidState", err)
	}
}

func TestRedeem_ForeignState(t *testing.T) {
	r := newTestRewriter(t, "http://127.0.0.1:9000")
	other := newTestRewriter(t, "http://127.0.0.1:9000")
	other.signer, _ = NewSigner([]byte("other-secret"))

	link, err := other.SignInURL("c1", conversation.Endpoint{ID: "bot-1"}, "", "", "")
	if err != nil {
		t.Fatalf("SignInURL failed: %v", err)
	}
	u, _ := url.Parse(link)
	if _, _, err := r.Redeem(u.Query().Get("state")); !errors.Is(err, ErrInvalidState) {
		t.Errorf("err = %v, want ErrInvalidState", err)
	}
}

func TestSigner_ExpiredState(t *testing.T) {
	signer, _ := NewSigner([]byte("s"))
	state, _, err := signer.SignState(StateClaims{ConversationID: "c1"}, -time.Minute)
	if err != nil {
		t.Fatalf("SignState failed: %v", err)
	}
	if _, err := signer.ParseState(state); !errors.Is(err, ErrExpiredState) {
		t.Errorf("err = %v, want ErrExpiredState", err)
	}
}

func TestSigner_RandomSecret(t *testing.T) {
	a, _ := NewSigner(nil)
	b, _ := NewSigner(nil)
	state, _, _ := a.SignState(StateClaims{ConversationID: "c1"}, time.Minute)
	if _, err := b.ParseState(state); err == nil {
		t.Error("independently generated secrets should not verify each other")
	}
}

func TestBearerToken(t *testing.T) {
	tests := map[string]string{
		"Bearer abc": "abc",
		"bearer abc": "abc",
		"abc":        "abc",
		"":           "",
	}
	for in, want := range tests {
		if got := bearerToken(in); got != want {
			t.Errorf("bearerToken(%q) = %q, want %q", in, got, want)
		}
	}
}
