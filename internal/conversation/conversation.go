// Package conversation holds per-conversation session state: the ordered
// activity history, the bound bot endpoint, and the registry that maps
// conversation identifiers to live conversations.
package conversation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/inercia/chatemu/internal/protocol"
)

// Identifier markers.
const (
	// LiveChatSuffix marks an interactive session opened from a client.
	LiveChatSuffix = "|livechat"
	// DebugSuffix marks a debug session whose activities are not pushed.
	DebugSuffix = "|debug"
	// TranscriptMarker marks a transcript replay session.
	TranscriptMarker = "transcript"
)

// ChannelID is the channel identifier stamped on activities.
const ChannelID = "emulator"

// ErrDuplicateActivity is returned when an activity identifier is posted twice
// to the same conversation.
var ErrDuplicateActivity = errors.New("duplicate activity id")

// Mode distinguishes interactive conversations from debug sessions.
type Mode string

const (
	ModeNormal Mode = "normal"
	ModeDebug  Mode = "debug"
)

// State is the lifecycle state of a conversation.
type State int

const (
	// StateCreated is a conversation that has not carried an activity yet.
	StateCreated State = iota
	// StateActive is a conversation that has carried at least one activity.
	StateActive
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// IsTranscript reports whether id refers to a transcript replay session.
func IsTranscript(id string) bool {
	return strings.Contains(id, TranscriptMarker)
}

// ModeFromID derives the conversation mode encoded in an identifier.
func ModeFromID(id string) Mode {
	if strings.HasSuffix(id, DebugSuffix) {
		return ModeDebug
	}
	return ModeNormal
}

// Endpoint is the bot endpoint a conversation is bound to.
type Endpoint struct {
	ID             string `json:"id"`
	Name           string `json:"name,omitempty"`
	BotURL         string `json:"endpoint"`
	AppID          string `json:"appId,omitempty"`
	AppPassword    string `json:"-"`
	ChannelService string `json:"channelService,omitempty"`
}

// Deliverer pushes activities to the client bound to a conversation.
type Deliverer interface {
	Deliver(conversationID string, activity *protocol.Activity) error
}

// Conversation is the session state for one logical chat. History is
// append-only and insertion order is delivery order. All methods are safe for
// concurrent use; posts to one conversation are serialized.
type Conversation struct {
	id       string
	mode     Mode
	endpoint Endpoint
	user     protocol.ChannelAccount
	bot      protocol.ChannelAccount

	mu         sync.Mutex
	state      State
	activities []*protocol.Activity
	byID       map[string]int
	createdAt  time.Time
}

// New creates a conversation bound to the given endpoint.
func New(id string, endpoint Endpoint, mode Mode) *Conversation {
	botID := endpoint.ID
	if botID == "" {
		botID = "bot"
	}
	return &Conversation{
		id:        id,
		mode:      mode,
		endpoint:  endpoint,
		user:      protocol.ChannelAccount{ID: "default-user", Name: "User", Role: "user"},
		bot:       protocol.ChannelAccount{ID: botID, Name: "Bot", Role: "bot"},
		byID:      make(map[string]int),
		createdAt: time.Now(),
	}
}

// ID returns the conversation identifier.
func (c *Conversation) ID() string { return c.id }

// Mode returns the conversation mode.
func (c *Conversation) Mode() Mode { return c.mode }

// Endpoint returns the bot endpoint the conversation is bound to.
func (c *Conversation) Endpoint() Endpoint { return c.endpoint }

// User returns the emulated user account.
func (c *Conversation) User() protocol.ChannelAccount { return c.user }

// Bot returns the bot account.
func (c *Conversation) Bot() protocol.ChannelAccount { return c.bot }

// CreatedAt returns when the conversation was created.
func (c *Conversation) CreatedAt() time.Time { return c.createdAt }

// State returns the current lifecycle state.
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Len returns the number of activities in the history.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.activities)
}

// PostActivityToUser records an activity sent by the bot and pushes it to the
// client through ch. An identifier is assigned if missing. Activities are not
// pushed for debug conversations or when ch is nil.
func (c *Conversation) PostActivityToUser(activity *protocol.Activity, expectReplies bool, ch Deliverer) (protocol.ResourceResponse, error) {
	if activity.From == nil {
		from := c.bot
		activity.From = &from
	}
	if activity.Recipient == nil {
		rcpt := c.user
		activity.Recipient = &rcpt
	}
	if expectReplies {
		activity.DeliveryMode = protocol.DeliveryModeExpectReplies
	}
	return c.post(activity, ch)
}

// PostActivityFromUser records an activity sent by the client. It is echoed
// back through ch so every observer of the stream sees the full transcript.
func (c *Conversation) PostActivityFromUser(activity *protocol.Activity, ch Deliverer) (protocol.ResourceResponse, error) {
	if activity.From == nil {
		from := c.user
		activity.From = &from
	}
	if activity.Recipient == nil {
		rcpt := c.bot
		activity.Recipient = &rcpt
	}
	return c.post(activity, ch)
}

func (c *Conversation) post(activity *protocol.Activity, ch Deliverer) (protocol.ResourceResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if activity.ID == "" {
		activity.ID = protocol.NewActivityID()
	} else if _, exists := c.byID[activity.ID]; exists {
		return protocol.ResourceResponse{}, fmt.Errorf("%w: %s in conversation %s", ErrDuplicateActivity, activity.ID, c.id)
	}
	if activity.Timestamp == nil {
		now := time.Now().UTC()
		activity.Timestamp = &now
	}
	if activity.Conversation == nil {
		activity.Conversation = &protocol.ConversationAccount{ID: c.id}
	}
	if activity.ChannelID == "" {
		activity.ChannelID = ChannelID
	}

	stored := activity.Clone()
	c.byID[stored.ID] = len(c.activities)
	c.activities = append(c.activities, stored)
	c.state = StateActive

	// Delivery happens under the lock so the push order matches history order.
	if ch != nil && c.mode != ModeDebug {
		if err := ch.Deliver(c.id, stored.Clone()); err != nil {
			return protocol.ResourceResponse{ID: stored.ID}, err
		}
	}
	return protocol.ResourceResponse{ID: stored.ID}, nil
}

// ActivityByID returns a copy of the activity with the given identifier.
func (c *Conversation) ActivityByID(id string) (*protocol.Activity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.byID[id]
	if !ok {
		return nil, false
	}
	return c.activities[idx].Clone(), true
}

// Activities returns a copy of the full history in delivery order.
func (c *Conversation) Activities() []protocol.Activity {
	set := c.ActivitiesSince(0)
	return set.Activities
}

// ActivitiesSince returns the activities after the given watermark together
// with the new watermark. The watermark is the history length.
func (c *Conversation) ActivitiesSince(watermark int) protocol.ActivitySet {
	c.mu.Lock()
	defer c.mu.Unlock()

	if watermark < 0 || watermark > len(c.activities) {
		watermark = 0
	}
	out := make([]protocol.Activity, 0, len(c.activities)-watermark)
	for _, a := range c.activities[watermark:] {
		out = append(out, *a.Clone())
	}
	return protocol.ActivitySet{Activities: out, Watermark: strconv.Itoa(len(c.activities))}
}
