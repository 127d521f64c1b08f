package model

import "time"

type Mode string

const (
	ModeAssistant Mode = "assistant"
	ModeHuman     Mode = "human"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusWaiting Status = "waiting"
	StatusClosed  Status = "closed"
)

// Session is one support conversation between a visitor and an organization.
// Values handed out by the session store are snapshots; mutate only clones.
type Session struct {
	ID               string    `json:"session_id"`
	OrganizationID   string    `json:"organization_id"`
	DBID             int64     `json:"id,omitempty"`
	DisplayName      string    `json:"display_name"`
	Contact          string    `json:"contact,omitempty"`
	Mode             Mode      `json:"mode"`
	Status           Status    `json:"status"`
	AssignedOperator *string   `json:"assigned_operator,omitempty"`
	LastActivity     time.Time `json:"last_activity"`
	CreatedAt        time.Time `json:"created_at"`
	Messages         []Message `json:"messages"`
}

func (s *Session) IsClosed() bool { return s.Status == StatusClosed }

// Clone returns a deep copy; the message slice is never shared.
func (s *Session) Clone() *Session {
	c := *s
	if s.AssignedOperator != nil {
		op := *s.AssignedOperator
		c.AssignedOperator = &op
	}
	c.Messages = make([]Message, len(s.Messages))
	copy(c.Messages, s.Messages)
	return &c
}

// Operator returns the assigned operator id or "".
func (s *Session) Operator() string {
	if s.AssignedOperator == nil {
		return ""
	}
	return *s.AssignedOperator
}

// LastMessage returns nil for an empty session.
func (s *Session) LastMessage() *Message {
	if len(s.Messages) == 0 {
		return nil
	}
	m := s.Messages[len(s.Messages)-1]
	return &m
}

// UnreadByOperator counts visitor messages no operator has seen yet.
func (s *Session) UnreadByOperator() int {
	n := 0
	for _, m := range s.Messages {
		if m.Role == RoleVisitor && !m.ReadByOperator {
			n++
		}
	}
	return n
}
