// Package protocol defines the JSON frames exchanged with support-chat clients.
package protocol

import (
	"time"

	"github.com/supportchat/internal/model"
)

type EventType string

// Inbound events.
const (
	EventVisitorMessage  EventType = "visitor_message"
	EventRequestHuman    EventType = "request_human"
	EventOperatorMessage EventType = "operator_message"
	EventOperatorAccept  EventType = "operator_accept"
	EventOperatorClose   EventType = "operator_close"
	EventTyping          EventType = "typing"
	EventViewSession     EventType = "view_session"
	EventMarkRead        EventType = "mark_read"
)

// Outbound events.
const (
	EventSessionCreated     EventType = "session-created"
	EventNewMessage         EventType = "new-message"
	EventWaitingListUpdated EventType = "waiting-list-updated"
	EventOperatorJoined     EventType = "operator-joined"
	EventSessionClosed      EventType = "session-closed"
	EventTypingIndicator    EventType = "typing-indicator"
	EventHumanRequested     EventType = "human-requested"
	EventAck                EventType = "ack"
	EventError              EventType = "error"

	// Sent once after connect: a visitor gets its session, staff the waiting list.
	EventSessionState EventType = "session-state"
)

// Error codes carried in ErrorPayload.Code.
const (
	CodeBadRequest        = "bad_request"
	CodeForbidden         = "forbidden"
	CodeNotFound          = "not_found"
	CodeInvalidTransition = "invalid_transition"
	CodeUnavailable       = "unavailable"
	CodeInternal          = "internal"
)

// Incoming is what a client sends to the server.
type Incoming struct {
	Type           EventType `json:"type"`
	SessionID      string    `json:"session_id,omitempty"`
	OrganizationID string    `json:"organization_id,omitempty"`
	Text           string    `json:"text,omitempty"`

	// For request_human
	DisplayName string `json:"display_name,omitempty"`
	Contact     string `json:"contact,omitempty"`

	// For view_session
	Leave bool `json:"leave,omitempty"`

	// For mark_read; empty means every message
	MessageIDs []string `json:"message_ids,omitempty"`
}

// Outgoing is what the server sends to the client.
type Outgoing struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

type SessionPayload struct {
	SessionID      string       `json:"session_id"`
	OrganizationID string       `json:"organization_id"`
	DisplayName    string       `json:"display_name,omitempty"`
	Mode           model.Mode   `json:"mode"`
	Status         model.Status `json:"status"`
	LastActivity   time.Time    `json:"last_activity"`
}

type NewMessagePayload struct {
	SessionID      string        `json:"session_id"`
	OrganizationID string        `json:"organization_id"`
	Status         model.Status  `json:"status"`
	Message        model.Message `json:"message"`
}

type WaitingListPayload struct {
	OrganizationID string              `json:"organization_id"`
	OnlineStaff    int                 `json:"online_staff"`
	Sessions       []model.WaitingItem `json:"sessions"`
}

type OperatorJoinedPayload struct {
	SessionID  string        `json:"session_id"`
	OperatorID string        `json:"operator_id"`
	Notice     model.Message `json:"notice"`
}

type SessionClosedPayload struct {
	SessionID string         `json:"session_id"`
	ClosedBy  string         `json:"closed_by,omitempty"`
	Notice    *model.Message `json:"notice,omitempty"`
}

type TypingPayload struct {
	SessionID string     `json:"session_id"`
	From      model.Role `json:"from"`
}

// AckPayload confirms a request/response style event to its sender only.
type AckPayload struct {
	Event     EventType    `json:"event"`
	SessionID string       `json:"session_id,omitempty"`
	Status    model.Status `json:"status,omitempty"`
	Mode      model.Mode   `json:"mode,omitempty"`
	Note      string       `json:"note,omitempty"`

	// Full history, for view_session only.
	Session *model.Session `json:"session,omitempty"`
}

type ErrorPayload struct {
	Event     EventType `json:"event,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
}
