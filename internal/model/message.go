package model

import "time"

type Role string

const (
	RoleVisitor   Role = "visitor"
	RoleAssistant Role = "assistant"
	RoleOperator  Role = "operator"
	// RoleSystem authors handoff notices ("waiting for agent", "agent joined", ...).
	RoleSystem Role = "system"
)

type Message struct {
	ID             string    `json:"id"`
	Role           Role      `json:"role"`
	AuthorID       string    `json:"author_id,omitempty"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
	ReadByOperator bool      `json:"read_by_operator"`
	ReadByVisitor  bool      `json:"read_by_visitor"`
}

// NewMessage sets read flags so the author's side has already seen the message
// and the other party has not.
func NewMessage(id string, role Role, authorID, text string, at time.Time) Message {
	return Message{
		ID:             id,
		Role:           role,
		AuthorID:       authorID,
		Text:           text,
		CreatedAt:      at,
		ReadByOperator: role != RoleVisitor,
		ReadByVisitor:  role == RoleVisitor,
	}
}
