package emulator

import (
	"context"
	"errors"

	"github.com/inercia/chatemu/internal/config"
	"github.com/inercia/chatemu/internal/conversation"
	"github.com/inercia/chatemu/internal/logging"
	"github.com/inercia/chatemu/internal/notify"
	"github.com/inercia/chatemu/internal/remote"
)

// liveChatEndpoint is the endpoint argument of the livechat:new command.
type liveChatEndpoint struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint"`
}

// onNewConversation asks the UI host to open a live chat view, logs the
// listening address to the conversation and reports the tunnel state.
func (e *Emulator) onNewConversation(ev conversation.NewConversationEvent) {
	if ev.ConversationID == "" {
		return
	}
	log := logging.WithEndpoint(logging.WithConversation(e.logger, ev.ConversationID), ev.Endpoint.ID, ev.Endpoint.BotURL)

	err := e.hub.Notify(remote.CommandNewLiveChat,
		liveChatEndpoint{ID: ev.Endpoint.ID, Endpoint: ev.Endpoint.BotURL},
		ev.HasLiveChat,
		ev.ConversationID,
		ev.Mode,
	)
	if err != nil && !errors.Is(err, remote.ErrClosed) {
		log.Debug("Live chat command not delivered", "error", err)
	}

	ctx := context.Background()
	e.notifier.Log(ctx, notify.Record{
		Severity:       notify.SeverityDebug,
		ConversationID: ev.ConversationID,
		Facility:       notify.FacilityServer,
		Message:        "Emulator listening on " + e.pipeline.URL(),
	})

	e.reports.Add(1)
	go func() {
		defer e.reports.Done()
		e.tunnel.Report(ctx, ev.ConversationID, ev.Endpoint.BotURL)
	}()
}

// applyConfig takes a reloaded configuration. Only the bot list is applied
// live; other sections take effect on restart.
func (e *Emulator) applyConfig(cfg *config.Config) {
	e.state.SetEndpoints(cfg.Endpoints())
	e.logger.Info("Bot endpoints reloaded", "bots", len(cfg.Bots))
}
