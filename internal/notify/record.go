// Package notify is the logging and notification collaborator: it turns
// audit records and operator notifications into log lines, remote UI
// commands, and optional broker messages.
package notify

import (
	"log/slog"
	"time"
)

// Severity classifies a record.
type Severity string

const (
	SeverityDebug Severity = "debug"
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Level maps a severity to a slog level.
func (s Severity) Level() slog.Level {
	switch s {
	case SeverityDebug:
		return slog.LevelDebug
	case SeverityWarn:
		return slog.LevelWarn
	case SeverityError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SeverityForStatus returns error for non-2xx statuses and info otherwise.
func SeverityForStatus(status int) Severity {
	if status < 200 || status > 299 {
		return SeverityError
	}
	return SeverityInfo
}

// Facilities tag where a record came from.
const (
	FacilityNetwork = "network"
	FacilityOAuth   = "oauth"
	FacilityTunnel  = "tunnel"
	FacilityServer  = "server"
)

// Record is one structured log entry about a conversation.
type Record struct {
	Severity       Severity  `json:"severity"`
	ConversationID string    `json:"conversationId,omitempty"`
	Facility       string    `json:"facility,omitempty"`
	Route          string    `json:"route,omitempty"`
	Method         string    `json:"method,omitempty"`
	URL            string    `json:"url,omitempty"`
	Status         int       `json:"status,omitempty"`
	Message        string    `json:"message,omitempty"`
	Time           time.Time `json:"time"`
}

// Notification is an operator-facing message shown by the UI host.
type Notification struct {
	Type    Severity  `json:"type"`
	Title   string    `json:"title,omitempty"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}
