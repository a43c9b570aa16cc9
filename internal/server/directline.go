package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/inercia/chatemu/internal/botclient"
	"github.com/inercia/chatemu/internal/conversation"
	"github.com/inercia/chatemu/internal/protocol"
)

// directLineTokenTTL is advertised to clients. Tokens are not checked.
const directLineTokenTTL = 30 * time.Minute

// handleStartConversation starts a client conversation, or reconnects to
// an existing one when the client names it.
func (p *Pipeline) handleStartConversation(w http.ResponseWriter, r *http.Request) {
	set := p.state.Conversations()

	requested := r.URL.Query().Get("conversationId")
	conv := set.Resolve(requested)
	created := false
	if conv == nil {
		ep, err := p.state.EndpointForRequest(r)
		if err != nil {
			badArgument(w, "%s", err)
			return
		}
		id := requested
		if id == "" {
			id = uuid.NewString() + conversation.LiveChatSuffix
		}
		conv, created = set.GetOrCreate(id, ep)
	}
	bindConversation(r.Context(), conv)

	out := protocol.DirectLineConversation{
		ConversationID: conv.ID(),
		Token:          uuid.NewString(),
		ExpiresIn:      int(directLineTokenTTL.Seconds()),
	}
	if p.channel != nil {
		if err := p.channel.Ensure(); err != nil {
			// Clients can still poll.
			p.notifier.LogException(r.Context(), conv.ID(), err)
		} else {
			out.StreamURL = p.channel.StreamURL(conv.ID())
		}
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		p.sendConversationUpdate(r, conv)
	}
	writeJSON(w, status, out)
}

// sendConversationUpdate tells the bot the user joined. It runs in the
// background; failures are logged against the conversation.
func (p *Pipeline) sendConversationUpdate(r *http.Request, conv *conversation.Conversation) {
	if p.cfg.Bot == nil || conv.Endpoint().BotURL == "" {
		return
	}
	user, bot := conv.User(), conv.Bot()
	activity := &protocol.Activity{
		Type:         protocol.ActivityTypeConversationUpdate,
		ID:           protocol.NewActivityID(),
		ChannelID:    conversation.ChannelID,
		ServiceURL:   p.serviceURL(r, conv.Endpoint().BotURL),
		From:         &user,
		Recipient:    &bot,
		Conversation: &protocol.ConversationAccount{ID: conv.ID()},
		MembersAdded: []protocol.ChannelAccount{bot, user},
	}
	ctx := context.WithoutCancel(r.Context())
	go func() {
		if _, err := p.cfg.Bot.Send(ctx, conv.Endpoint(), activity); err != nil {
			p.notifier.LogException(ctx, conv.ID(), err)
		}
	}()
}

// handleGetActivities returns the activities after the watermark.
func (p *Pipeline) handleGetActivities(w http.ResponseWriter, r *http.Request) {
	conversationID := pathParam(r, "conversationId")
	conv := p.state.Conversations().Resolve(conversationID)
	if conv == nil {
		notFound(w, "conversation %s not found", conversationID)
		return
	}
	bindConversation(r.Context(), conv)

	watermark := 0
	if raw := r.URL.Query().Get("watermark"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badArgument(w, "invalid watermark %q", raw)
			return
		}
		watermark = n
	}
	writeJSONOK(w, conv.ActivitiesSince(watermark))
}

// handlePostActivity records a user activity and forwards it to the bot.
func (p *Pipeline) handlePostActivity(w http.ResponseWriter, r *http.Request) {
	conversationID := pathParam(r, "conversationId")
	conv := p.state.Conversations().Resolve(conversationID)
	if conv == nil {
		notFound(w, "conversation %s not found", conversationID)
		return
	}
	bindConversation(r.Context(), conv)

	var activity protocol.Activity
	if !parseJSONBody(w, r, &activity) {
		return
	}
	if activity.Type == "" {
		badArgument(w, "activity type is required")
		return
	}
	activity.ServiceURL = p.serviceURL(r, conv.Endpoint().BotURL)

	resp, err := conv.PostActivityFromUser(&activity, p.deliverer())
	switch {
	case errors.Is(err, conversation.ErrDuplicateActivity):
		writeErrorJSON(w, http.StatusConflict, protocol.ErrorCodeConflict, err.Error())
		return
	case err != nil:
		p.notifier.LogException(r.Context(), conv.ID(), err)
	}

	if p.cfg.Bot != nil {
		if status, err := p.forwardToBot(r.Context(), conv, &activity); err != nil {
			writeErrorJSON(w, status, protocol.ErrorCodeServiceError, err.Error())
			return
		}
	}
	writeJSONOK(w, resp)
}

// forwardToBot sends the recorded copy of activity to the bot. Inline
// replies of expectReplies delivery are posted to the user in order.
func (p *Pipeline) forwardToBot(ctx context.Context, conv *conversation.Conversation, activity *protocol.Activity) (int, error) {
	stored, ok := conv.ActivityByID(activity.ID)
	if !ok {
		stored = activity
	}
	out, err := p.cfg.Bot.Send(ctx, conv.Endpoint(), stored)
	if err != nil {
		p.notifier.LogException(ctx, conv.ID(), err)
		if errors.Is(err, botclient.ErrBotStatus) && out != nil {
			return out.StatusCode, err
		}
		return http.StatusBadGateway, err
	}
	for i := range out.Replies {
		reply := out.Replies[i]
		reply.ReplyToID = stored.ID
		if _, err := conv.PostActivityToUser(&reply, true, p.deliverer()); err != nil {
			p.notifier.LogException(ctx, conv.ID(), err)
		}
	}
	return out.StatusCode, nil
}
