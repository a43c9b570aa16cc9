package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/inercia/chatemu/internal/conversation"
	"github.com/inercia/chatemu/internal/oauth"
	"github.com/inercia/chatemu/internal/protocol"
)

// handleReplyToActivity accepts an activity the bot sends in reply to a
// previously delivered one.
func (p *Pipeline) handleReplyToActivity(w http.ResponseWriter, r *http.Request) {
	activityID := pathParam(r, "activityId")
	if activityID == "" {
		badArgument(w, "activityId is required")
		return
	}
	p.postToUser(w, r, activityID)
}

// handleSendToConversation accepts an activity the bot sends outside of a
// reply.
func (p *Pipeline) handleSendToConversation(w http.ResponseWriter, r *http.Request) {
	p.postToUser(w, r, "")
}

func (p *Pipeline) postToUser(w http.ResponseWriter, r *http.Request, replyToID string) {
	conversationID := pathParam(r, "conversationId")
	if conversationID == "" {
		badArgument(w, "conversationId is required")
		return
	}
	var activity protocol.Activity
	if !parseJSONBody(w, r, &activity) {
		return
	}

	if p.channel != nil {
		if err := p.channel.Ensure(); err != nil {
			p.notifier.LogException(r.Context(), conversationID, fmt.Errorf("start push channel: %w", err))
			serviceError(w, err)
			return
		}
	}

	conv := p.state.ConversationFor(conversationID)
	bindConversation(r.Context(), conv)

	if activity.ID == "" {
		activity.ID = protocol.NewActivityID()
	}
	if replyToID != "" {
		activity.ReplyToID = replyToID
	}

	resolved := p.resolveOAuthCards(r.Context(), oauth.Request{
		Activity:       &activity,
		ConversationID: conv.ID(),
		Endpoint:       conv.Endpoint(),
		Authorization:  r.Header.Get("Authorization"),
	})

	resp, err := conv.PostActivityToUser(resolved, false, p.deliverer())
	switch {
	case errors.Is(err, conversation.ErrDuplicateActivity):
		writeErrorJSON(w, http.StatusConflict, protocol.ErrorCodeConflict, err.Error())
		return
	case err != nil:
		// Recorded in history; only the push failed.
		p.notifier.LogException(r.Context(), conv.ID(), err)
	}
	writeJSONOK(w, resp)
}

// resolveOAuthCards runs the sign-in rewrite bounded by the resolve timeout.
// On failure the failure and a fallback notice are logged and the activity
// is returned unmodified.
func (p *Pipeline) resolveOAuthCards(ctx context.Context, req oauth.Request) *protocol.Activity {
	if p.resolver == nil {
		return req.Activity
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ResolveTimeout)
	defer cancel()

	type result struct {
		activity *protocol.Activity
		err      error
	}
	// The resolver may outlive the timeout, so it works on its own copy.
	resolveReq := req
	resolveReq.Activity = req.Activity.Clone()
	done := make(chan result, 1)
	go func() {
		a, err := p.resolver.ResolveOAuthCards(ctx, resolveReq)
		done <- result{a, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = fmt.Errorf("%w: %w", oauth.ErrSignInRewrite, ctx.Err())
	}
	if res.err == nil && res.activity == nil {
		res.err = fmt.Errorf("%w: resolver returned no activity", oauth.ErrSignInRewrite)
	}
	if res.err != nil {
		logCtx := context.WithoutCancel(ctx)
		p.notifier.LogException(logCtx, req.ConversationID, res.err)
		p.notifier.LogException(logCtx, req.ConversationID, errors.New(FallbackNotice))
		return req.Activity
	}
	return res.activity
}

// handleCreateConversation starts a conversation on behalf of the bot.
func (p *Pipeline) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var params protocol.ConversationParameters
	if !parseJSONBody(w, r, &params) {
		return
	}

	ep, ok := p.state.DefaultEndpoint()
	if params.Bot != nil {
		if byID, found := p.state.EndpointByAppID(params.Bot.ID); found {
			ep, ok = byID, true
		}
	}
	if !ok {
		badArgument(w, "%s", ErrNoEndpoint)
		return
	}

	conv, _ := p.state.Conversations().GetOrCreate(uuid.NewString(), ep)
	bindConversation(r.Context(), conv)

	out := protocol.ConversationResourceResponse{ID: conv.ID(), ServiceURL: p.serviceURL(r, ep.BotURL)}
	if params.Activity != nil {
		if p.channel != nil {
			if err := p.channel.Ensure(); err != nil {
				serviceError(w, err)
				return
			}
		}
		resp, err := conv.PostActivityToUser(params.Activity, false, p.deliverer())
		if err != nil && resp.ID == "" {
			serviceError(w, err)
			return
		}
		out.ActivityID = resp.ID
	}
	writeJSONOK(w, out)
}

// deliverer returns the channel as a Deliverer, or nil when there is none.
func (p *Pipeline) deliverer() conversation.Deliverer {
	if p.channel == nil {
		return nil
	}
	return p.channel
}

// serviceURL is the base URL botURL should call back to.
func (p *Pipeline) serviceURL(r *http.Request, botURL string) string {
	if p.cfg.Tunnel != nil {
		if u := p.cfg.Tunnel.ServiceURL(r.Context(), botURL); u != "" {
			return u
		}
	}
	if u := p.URL(); u != "" {
		return u
	}
	return "http://" + r.Host
}
