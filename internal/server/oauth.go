package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/inercia/chatemu/internal/conversation"
	"github.com/inercia/chatemu/internal/notify"
	"github.com/inercia/chatemu/internal/oauth"
	"github.com/inercia/chatemu/internal/protocol"
)

// handleGetSignInURL returns an emulated sign-in link for a bot that builds
// its own sign-in card.
func (p *Pipeline) handleGetSignInURL(w http.ResponseWriter, r *http.Request) {
	if p.cfg.Rewriter == nil {
		notFound(w, "emulated sign-in is not enabled")
		return
	}
	state, err := oauth.DecodeBotState(r.URL.Query().Get("state"))
	if err != nil {
		badArgument(w, "%s", err)
		return
	}

	conversationID := state.ConversationID()
	conv := p.state.Conversations().Resolve(conversationID)
	var ep conversation.Endpoint
	switch {
	case conv != nil:
		bindConversation(r.Context(), conv)
		conversationID = conv.ID()
		ep = conv.Endpoint()
	default:
		var ok bool
		if ep, ok = p.state.EndpointByAppID(state.MsAppID); !ok {
			notFound(w, "conversation %s not found", conversationID)
			return
		}
	}

	link, err := p.cfg.Rewriter.SignInURL(conversationID, ep, state.ConnectionName, r.Header.Get("Authorization"), "")
	if err != nil {
		p.notifier.LogException(r.Context(), conversationID, err)
		serviceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(link))
}

// handleGetToken returns the stored emulated token, or 404.
func (p *Pipeline) handleGetToken(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID, connectionName := q.Get("userId"), q.Get("connectionName")
	if userID == "" || connectionName == "" {
		badArgument(w, "userId and connectionName are required")
		return
	}
	tok, ok := p.tokens.Get(userID, connectionName)
	if !ok {
		notFound(w, "no token for %s on %s", userID, connectionName)
		return
	}
	writeJSONOK(w, tok)
}

// handleSignOut removes stored tokens. An empty connection name signs the
// user out of every connection.
func (p *Pipeline) handleSignOut(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("userId")
	if userID == "" {
		badArgument(w, "userId is required")
		return
	}
	removed := p.tokens.SignOut(userID, q.Get("connectionName"))
	writeJSONOK(w, map[string]int{"removed": removed})
}

// handleConsentPage renders the emulated consent screen behind a rewritten
// sign-in link.
func (p *Pipeline) handleConsentPage(w http.ResponseWriter, r *http.Request) {
	if p.cfg.Rewriter == nil {
		notFound(w, "emulated sign-in is not enabled")
		return
	}
	state := r.URL.Query().Get("state")
	claims, grant, err := p.cfg.Rewriter.Lookup(state)
	if err != nil {
		p.consentError(w, r, err)
		return
	}
	if claims.ConversationID != pathParam(r, "conversationId") {
		badArgument(w, "state does not belong to this conversation")
		return
	}
	if conv := p.state.Conversations().ConversationByID(claims.ConversationID); conv != nil {
		bindConversation(r.Context(), conv)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	page := oauth.ConsentPage{
		ConversationID: claims.ConversationID,
		ConnectionName: claims.ConnectionName,
		CardText:       grant.CardText,
		Action:         r.URL.Path + "?state=" + url.QueryEscape(state),
		State:          state,
	}
	if err := oauth.RenderConsent(w, page); err != nil {
		p.logger.Warn("Render consent page failed", "error", err)
	}
}

// handleConsentGrant redeems the state, mints an emulated user token and
// sends it to the bot as a tokens/response event.
func (p *Pipeline) handleConsentGrant(w http.ResponseWriter, r *http.Request) {
	if p.cfg.Rewriter == nil || p.cfg.Signer == nil {
		notFound(w, "emulated sign-in is not enabled")
		return
	}
	state := r.URL.Query().Get("state")
	if state == "" {
		state = r.PostFormValue("state")
	}
	claims, _, err := p.cfg.Rewriter.Redeem(state)
	if err != nil {
		p.consentError(w, r, err)
		return
	}
	if claims.ConversationID != pathParam(r, "conversationId") {
		badArgument(w, "state does not belong to this conversation")
		return
	}
	conv := p.state.Conversations().ConversationByID(claims.ConversationID)
	if conv == nil {
		notFound(w, "conversation %s not found", claims.ConversationID)
		return
	}
	bindConversation(r.Context(), conv)

	user := conv.User()
	token, expires, err := p.cfg.Signer.MintUserToken(user.ID, claims.ConnectionName, p.cfg.TokenTTL)
	if err != nil {
		serviceError(w, err)
		return
	}
	tok := protocol.TokenResponse{
		ChannelID:      conversation.ChannelID,
		ConnectionName: claims.ConnectionName,
		Token:          token,
		Expiration:     expires.UTC().Format(time.RFC3339),
	}
	p.tokens.Put(user.ID, tok)

	if err := p.sendTokenResponse(r, conv, tok); err != nil {
		p.notifier.LogException(r.Context(), conv.ID(), err)
	}
	p.notifier.Log(r.Context(), notify.Record{
		Severity:       notify.SeverityInfo,
		ConversationID: conv.ID(),
		Facility:       notify.FacilityOAuth,
		Message:        fmt.Sprintf("emulated token issued for connection %q", claims.ConnectionName),
	})

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := oauth.RenderConsentDone(w, oauth.ConsentDone{
		ConversationID: conv.ID(),
		ConnectionName: claims.ConnectionName,
	}); err != nil {
		p.logger.Warn("Render consent result failed", "error", err)
	}
}

// sendTokenResponse records a tokens/response event from the user, pushes it
// to the client and forwards it to the bot.
func (p *Pipeline) sendTokenResponse(r *http.Request, conv *conversation.Conversation, tok protocol.TokenResponse) error {
	value, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	event := &protocol.Activity{
		Type:       protocol.ActivityTypeEvent,
		Name:       protocol.EventNameTokenResponse,
		Value:      value,
		ServiceURL: p.serviceURL(r, conv.Endpoint().BotURL),
	}
	if _, err := conv.PostActivityFromUser(event, p.deliverer()); err != nil {
		// Recorded in history; only the push failed.
		p.notifier.LogException(r.Context(), conv.ID(), err)
	}
	if p.cfg.Bot != nil {
		// Failures are logged by forwardToBot.
		p.forwardToBot(context.WithoutCancel(r.Context()), conv, event)
	}
	return nil
}

func (p *Pipeline) consentError(w http.ResponseWriter, r *http.Request, err error) {
	p.notifier.Log(r.Context(), notify.Record{
		Severity:       notify.SeverityWarn,
		ConversationID: pathParam(r, "conversationId"),
		Facility:       notify.FacilityOAuth,
		Message:        "sign-in state rejected: " + err.Error(),
	})
	switch {
	case errors.Is(err, oauth.ErrExpiredState):
		writeErrorJSON(w, http.StatusGone, protocol.ErrorCodeBadArgument, err.Error())
	case errors.Is(err, oauth.ErrInvalidState), errors.Is(err, oauth.ErrChallengeMismatch):
		badArgument(w, "%s", err)
	default:
		serviceError(w, err)
	}
}
