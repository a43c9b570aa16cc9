// Package protocol defines the wire types of the bot channel protocol spoken
// between a bot under test, the emulator, and the connected client.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Activity types.
const (
	ActivityTypeMessage            = "message"
	ActivityTypeEvent              = "event"
	ActivityTypeInvoke             = "invoke"
	ActivityTypeTyping             = "typing"
	ActivityTypeConversationUpdate = "conversationUpdate"
	ActivityTypeEndOfConversation  = "endOfConversation"
)

// Delivery modes.
const (
	DeliveryModeNormal        = "normal"
	DeliveryModeExpectReplies = "expectReplies"
)

// Event names used by the emulated token service.
const (
	EventNameTokenResponse = "tokens/response"
)

// Attachment content types that carry sign-in prompts.
const (
	ContentTypeOAuthCard  = "application/vnd.microsoft.card.oauth"
	ContentTypeSigninCard = "application/vnd.microsoft.card.signin"
)

// Card action types.
const (
	ActionTypeSignin  = "signin"
	ActionTypeOpenURL = "openUrl"
)

// ChannelAccount references a participant of a conversation.
type ChannelAccount struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}

// ConversationAccount references the conversation an activity belongs to.
type ConversationAccount struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	IsGroup bool   `json:"isGroup,omitempty"`
}

// Attachment is a piece of rich content carried by an activity.
// Content is kept raw so that cards the emulator does not understand pass
// through untouched.
type Attachment struct {
	ContentType  string          `json:"contentType"`
	ContentURL   string          `json:"contentUrl,omitempty"`
	Content      json.RawMessage `json:"content,omitempty"`
	Name         string          `json:"name,omitempty"`
	ThumbnailURL string          `json:"thumbnailUrl,omitempty"`
}

// IsSignInPrompt reports whether the attachment asks the user to authenticate.
func (a Attachment) IsSignInPrompt() bool {
	return a.ContentType == ContentTypeOAuthCard || a.ContentType == ContentTypeSigninCard
}

// Activity is one message or event unit exchanged between bot and client.
// Members without a Go field (suggestedActions, speak, attachmentLayout, ...)
// are kept in Extra and written back unchanged.
type Activity struct {
	Type         string               `json:"type"`
	ID           string               `json:"id,omitempty"`
	Timestamp    *time.Time           `json:"timestamp,omitempty"`
	ServiceURL   string               `json:"serviceUrl,omitempty"`
	ChannelID    string               `json:"channelId,omitempty"`
	From         *ChannelAccount      `json:"from,omitempty"`
	Recipient    *ChannelAccount      `json:"recipient,omitempty"`
	Conversation *ConversationAccount `json:"conversation,omitempty"`
	ReplyToID    string               `json:"replyToId,omitempty"`
	MembersAdded []ChannelAccount     `json:"membersAdded,omitempty"`
	Text         string               `json:"text,omitempty"`
	TextFormat   string               `json:"textFormat,omitempty"`
	Locale       string               `json:"locale,omitempty"`
	InputHint    string               `json:"inputHint,omitempty"`
	Name         string               `json:"name,omitempty"`
	Value        json.RawMessage      `json:"value,omitempty"`
	DeliveryMode string               `json:"deliveryMode,omitempty"`
	Attachments  []Attachment         `json:"attachments,omitempty"`
	Entities     []json.RawMessage    `json:"entities,omitempty"`
	ChannelData  json.RawMessage      `json:"channelData,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// activityFields has the fields of Activity without its JSON methods.
type activityFields Activity

// activityKeys holds the lower-cased JSON names of the declared fields.
// encoding/json matches names case-insensitively, so Extra must too.
var activityKeys = func() map[string]bool {
	keys := make(map[string]bool)
	t := reflect.TypeOf(activityFields{})
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name != "" && name != "-" {
			keys[strings.ToLower(name)] = true
		}
	}
	return keys
}()

// UnmarshalJSON decodes the declared fields and keeps every other member in
// Extra.
func (a *Activity) UnmarshalJSON(data []byte) error {
	var f activityFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return err
	}
	for k, v := range members {
		if activityKeys[strings.ToLower(k)] {
			continue
		}
		if f.Extra == nil {
			f.Extra = make(map[string]json.RawMessage)
		}
		f.Extra[k] = v
	}
	*a = Activity(f)
	return nil
}

// MarshalJSON encodes the declared fields followed by Extra, in key order.
// Extra members that shadow a declared field are skipped.
func (a Activity) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(activityFields(a))
	if err != nil || len(a.Extra) == 0 {
		return data, err
	}
	keys := make([]string, 0, len(a.Extra))
	for k := range a.Extra {
		if !activityKeys[strings.ToLower(k)] {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return data, nil
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.Write(data[:len(data)-1])
	for _, k := range keys {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		if err := json.Compact(&buf, a.Extra[k]); err != nil {
			return nil, fmt.Errorf("activity member %q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// NewActivityID returns a fresh activity identifier.
func NewActivityID() string {
	return uuid.NewString()
}

// Clone returns a deep copy of the activity, so a copy stored in one hop's
// history is not affected by later mutation in another.
func (a *Activity) Clone() *Activity {
	if a == nil {
		return nil
	}
	c := *a
	if a.Timestamp != nil {
		ts := *a.Timestamp
		c.Timestamp = &ts
	}
	if a.From != nil {
		from := *a.From
		c.From = &from
	}
	if a.Recipient != nil {
		rcpt := *a.Recipient
		c.Recipient = &rcpt
	}
	if a.Conversation != nil {
		conv := *a.Conversation
		c.Conversation = &conv
	}
	if a.MembersAdded != nil {
		c.MembersAdded = append([]ChannelAccount(nil), a.MembersAdded...)
	}
	c.Value = cloneRaw(a.Value)
	c.ChannelData = cloneRaw(a.ChannelData)
	if a.Attachments != nil {
		c.Attachments = make([]Attachment, len(a.Attachments))
		for i, att := range a.Attachments {
			att.Content = cloneRaw(att.Content)
			c.Attachments[i] = att
		}
	}
	if a.Entities != nil {
		c.Entities = make([]json.RawMessage, len(a.Entities))
		for i, e := range a.Entities {
			c.Entities[i] = cloneRaw(e)
		}
	}
	if a.Extra != nil {
		c.Extra = make(map[string]json.RawMessage, len(a.Extra))
		for k, v := range a.Extra {
			c.Extra[k] = cloneRaw(v)
		}
	}
	return &c
}

// HasSignInPrompt reports whether any attachment is a sign-in prompt.
func (a *Activity) HasSignInPrompt() bool {
	for _, att := range a.Attachments {
		if att.IsSignInPrompt() {
			return true
		}
	}
	return false
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

// ResourceResponse acknowledges a posted activity.
type ResourceResponse struct {
	ID string `json:"id"`
}

// ConversationResourceResponse is returned when a bot creates a conversation.
type ConversationResourceResponse struct {
	ID         string `json:"id"`
	ActivityID string `json:"activityId,omitempty"`
	ServiceURL string `json:"serviceUrl,omitempty"`
}

// ConversationParameters is the body of a bot-initiated conversation request.
type ConversationParameters struct {
	IsGroup     bool             `json:"isGroup,omitempty"`
	Bot         *ChannelAccount  `json:"bot,omitempty"`
	Members     []ChannelAccount `json:"members,omitempty"`
	TopicName   string           `json:"topicName,omitempty"`
	Activity    *Activity        `json:"activity,omitempty"`
	ChannelData json.RawMessage  `json:"channelData,omitempty"`
}

// ActivitySet is a batch of activities with a resume watermark. It is the
// frame format of the push channel and the body of the polling route.
type ActivitySet struct {
	Activities []Activity `json:"activities"`
	Watermark  string     `json:"watermark,omitempty"`
}

// DirectLineConversation is returned when a client starts a conversation.
type DirectLineConversation struct {
	ConversationID string `json:"conversationId"`
	Token          string `json:"token,omitempty"`
	ExpiresIn      int    `json:"expires_in,omitempty"`
	StreamURL      string `json:"streamUrl,omitempty"`
}

// TokenResponse carries an emulated user token to a bot.
type TokenResponse struct {
	ChannelID      string `json:"channelId,omitempty"`
	ConnectionName string `json:"connectionName"`
	Token          string `json:"token"`
	Expiration     string `json:"expiration,omitempty"`
}
