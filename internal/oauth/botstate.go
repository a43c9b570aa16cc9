package oauth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidBotState is returned when the state a bot passes to GetSignInUrl
// cannot be decoded.
var ErrInvalidBotState = errors.New("invalid bot sign-in state")

// BotState is the base64 JSON state bot SDKs send when asking the token
// service for a sign-in link.
type BotState struct {
	ConnectionName string `json:"ConnectionName"`
	MsAppID        string `json:"MsAppId"`
	Conversation   struct {
		ActivityID   string `json:"activityId"`
		ChannelID    string `json:"channelId"`
		ServiceURL   string `json:"serviceUrl"`
		Conversation struct {
			ID string `json:"id"`
		} `json:"conversation"`
		Bot struct {
			ID string `json:"id"`
		} `json:"bot"`
		User struct {
			ID string `json:"id"`
		} `json:"user"`
	} `json:"Conversation"`
}

// ConversationID returns the conversation the state refers to.
func (s BotState) ConversationID() string { return s.Conversation.Conversation.ID }

// DecodeBotState decodes the state parameter of a GetSignInUrl call. Both
// padded and unpadded encodings are accepted.
func DecodeBotState(state string) (BotState, error) {
	var out BotState
	state = strings.TrimSpace(state)
	if state == "" {
		return out, fmt.Errorf("%w: empty", ErrInvalidBotState)
	}

	var raw []byte
	var err error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		raw, err = enc.DecodeString(state)
		if err == nil {
			break
		}
	}
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidBotState, err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidBotState, err)
	}
	if out.ConversationID() == "" {
		return out, fmt.Errorf("%w: missing conversation id", ErrInvalidBotState)
	}
	return out, nil
}
