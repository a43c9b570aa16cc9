package conversation

import (
	"sort"
	"strings"
	"sync"
)

// NewConversationEvent describes a conversation that was just created.
type NewConversationEvent struct {
	ConversationID string
	Endpoint       Endpoint
	// HasLiveChat is true when a live chat view exists for the conversation:
	// the new conversation has the live-chat suffix itself, or its live-chat
	// variant was created earlier.
	HasLiveChat bool
	Mode        Mode
}

// Observer is notified when a live conversation starts.
// Implementations must be safe for concurrent use.
type Observer interface {
	OnNewConversation(event NewConversationEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(event NewConversationEvent)

// OnNewConversation calls f(event).
func (f ObserverFunc) OnNewConversation(event NewConversationEvent) { f(event) }

// Set maps conversation identifiers to conversations. It is the single
// source of truth for conversation liveness and is safe for concurrent use.
type Set struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation

	observersMu sync.RWMutex
	observers   []Observer
}

// NewSet creates an empty conversation set.
func NewSet() *Set {
	return &Set{conversations: make(map[string]*Conversation)}
}

// Subscribe registers an observer for new live conversations.
func (s *Set) Subscribe(o Observer) {
	s.observersMu.Lock()
	defer s.observersMu.Unlock()
	s.observers = append(s.observers, o)
}

// ConversationByID returns the conversation with the exact identifier, or nil.
func (s *Set) ConversationByID(id string) *Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversations[id]
}

// GetOrCreate returns the conversation for id, creating it bound to endpoint
// if none exists. The second result reports whether it was created. Calls with
// the same id always return the same instance.
func (s *Set) GetOrCreate(id string, endpoint Endpoint) (*Conversation, bool) {
	return s.getOrCreate(id, endpoint, ModeFromID(id))
}

// GetOrCreateWithMode is GetOrCreate with an explicit mode for new conversations.
func (s *Set) GetOrCreateWithMode(id string, endpoint Endpoint, mode Mode) (*Conversation, bool) {
	return s.getOrCreate(id, endpoint, mode)
}

func (s *Set) getOrCreate(id string, endpoint Endpoint, mode Mode) (*Conversation, bool) {
	s.mu.Lock()
	if conv, ok := s.conversations[id]; ok {
		s.mu.Unlock()
		return conv, false
	}
	conv := New(id, endpoint, mode)
	s.conversations[id] = conv
	liveChat := s.liveChatOpenLocked(id)
	s.mu.Unlock()

	if !IsTranscript(id) {
		s.notify(NewConversationEvent{
			ConversationID: id,
			Endpoint:       endpoint,
			HasLiveChat:    liveChat,
			Mode:           mode,
		})
	}
	return conv, true
}

func (s *Set) notify(event NewConversationEvent) {
	s.observersMu.RLock()
	observers := make([]Observer, len(s.observers))
	copy(observers, s.observers)
	s.observersMu.RUnlock()

	for _, o := range observers {
		o.OnNewConversation(event)
	}
}

// Resolve finds the conversation for id, treating an identifier that differs
// only by the live-chat suffix as the same conversation.
func (s *Set) Resolve(id string) *Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if conv, ok := s.conversations[id]; ok {
		return conv
	}
	if strings.HasSuffix(id, LiveChatSuffix) {
		return s.conversations[strings.TrimSuffix(id, LiveChatSuffix)]
	}
	return s.conversations[id+LiveChatSuffix]
}

// HasLiveChat reports whether a conversation exists under id or under id with
// the live-chat suffix appended.
func (s *Set) HasLiveChat(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasLiveChatLocked(id)
}

func (s *Set) hasLiveChatLocked(id string) bool {
	if _, ok := s.conversations[id]; ok {
		return true
	}
	_, ok := s.conversations[id+LiveChatSuffix]
	return ok
}

// liveChatOpenLocked reports whether a live chat view exists for id: a
// live-chat id counts itself, a plain id needs its live-chat variant.
func (s *Set) liveChatOpenLocked(id string) bool {
	if strings.HasSuffix(id, LiveChatSuffix) {
		_, ok := s.conversations[id]
		return ok
	}
	_, ok := s.conversations[id+LiveChatSuffix]
	return ok
}

// Len returns the number of conversations.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

// IDs returns the sorted conversation identifiers.
func (s *Set) IDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.conversations))
	for id := range s.conversations {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
