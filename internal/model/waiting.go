package model

import "time"

// WaitingItem is one row of an organization's waiting list.
type WaitingItem struct {
	SessionID        string    `json:"session_id"`
	DisplayName      string    `json:"display_name"`
	Status           Status    `json:"status"`
	AssignedOperator string    `json:"assigned_operator,omitempty"`
	LastActivity     time.Time `json:"last_activity"`
	UnreadCount      int       `json:"unread_count"`
	LastMessage      *Message  `json:"last_message,omitempty"`
}
