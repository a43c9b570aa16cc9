package server

import (
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/inercia/chatemu/internal/conversation"
)

// Headers carrying emulated identity and endpoint metadata.
const (
	HeaderBotEndpoint    = "X-Emulator-Botendpoint"
	HeaderAppID          = "X-Emulator-Appid"
	HeaderAppPassword    = "X-Emulator-Apppassword"
	HeaderChannelService = "X-Emulator-Channelservice"
	HeaderBotAgent       = "X-Ms-Bot-Agent"
)

// ErrNoEndpoint is returned when a request names no bot and none is configured.
var ErrNoEndpoint = errors.New("no bot endpoint configured")

// State binds bot endpoint configuration to the live conversation set. It
// lives for the lifetime of the process container.
type State struct {
	set *conversation.Set

	mu        sync.RWMutex
	endpoints []conversation.Endpoint
}

// NewState creates a State over set. A nil set creates a fresh one.
func NewState(set *conversation.Set, endpoints []conversation.Endpoint) *State {
	if set == nil {
		set = conversation.NewSet()
	}
	s := &State{set: set}
	s.SetEndpoints(endpoints)
	return s
}

// Conversations returns the conversation set.
func (s *State) Conversations() *conversation.Set { return s.set }

// SetEndpoints replaces the configured endpoints. Existing conversations keep
// the endpoint they were created with.
func (s *State) SetEndpoints(endpoints []conversation.Endpoint) {
	cp := make([]conversation.Endpoint, len(endpoints))
	copy(cp, endpoints)
	s.mu.Lock()
	s.endpoints = cp
	s.mu.Unlock()
}

// Endpoints returns a copy of the configured endpoints.
func (s *State) Endpoints() []conversation.Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]conversation.Endpoint, len(s.endpoints))
	copy(out, s.endpoints)
	return out
}

// DefaultEndpoint returns the first configured endpoint.
func (s *State) DefaultEndpoint() (conversation.Endpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.endpoints) == 0 {
		return conversation.Endpoint{}, false
	}
	return s.endpoints[0], true
}

// EndpointByURL returns the configured endpoint posting to botURL.
func (s *State) EndpointByURL(botURL string) (conversation.Endpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ep := range s.endpoints {
		if strings.EqualFold(ep.BotURL, botURL) {
			return ep, true
		}
	}
	return conversation.Endpoint{}, false
}

// EndpointByAppID returns the configured endpoint with the given app id.
func (s *State) EndpointByAppID(appID string) (conversation.Endpoint, bool) {
	if appID == "" {
		return conversation.Endpoint{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ep := range s.endpoints {
		if ep.AppID == appID {
			return ep, true
		}
	}
	return conversation.Endpoint{}, false
}

// EndpointForRequest resolves the endpoint named by the emulator headers,
// falling back to the default endpoint. Header values override the
// credentials of a matching configured endpoint.
func (s *State) EndpointForRequest(r *http.Request) (conversation.Endpoint, error) {
	botURL := r.Header.Get(HeaderBotEndpoint)
	if botURL == "" {
		ep, ok := s.DefaultEndpoint()
		if !ok {
			return conversation.Endpoint{}, ErrNoEndpoint
		}
		return ep, nil
	}
	ep, ok := s.EndpointByURL(botURL)
	if !ok {
		ep = conversation.Endpoint{ID: uuid.NewString(), BotURL: botURL}
	}
	if v := r.Header.Get(HeaderAppID); v != "" {
		ep.AppID = v
	}
	if v := r.Header.Get(HeaderAppPassword); v != "" {
		ep.AppPassword = v
	}
	if v := r.Header.Get(HeaderChannelService); v != "" {
		ep.ChannelService = v
	}
	return ep, nil
}

// ConversationFor returns the conversation for id, creating it bound to the
// default endpoint when it does not exist.
func (s *State) ConversationFor(id string) *conversation.Conversation {
	if conv := s.set.Resolve(id); conv != nil {
		return conv
	}
	ep, _ := s.DefaultEndpoint()
	conv, _ := s.set.GetOrCreate(id, ep)
	return conv
}
