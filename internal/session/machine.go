package session

import (
	"fmt"
	"time"

	"github.com/supportchat/internal/model"
)

// Handoff notices appended as system messages.
const (
	NoticeWaiting = "waiting for agent"
	NoticeJoined  = "agent joined"
	NoticeClosed  = "chat closed"
)

type EventKind string

const (
	EventRequestHuman EventKind = "request_human"
	EventAccept       EventKind = "accept"
	EventClose        EventKind = "close"
)

// Event is a status-changing input to Transition.
type Event struct {
	Kind       EventKind
	OperatorID string
	// Visitor profile, only read for EventRequestHuman.
	DisplayName string
	Contact     string
}

// apply validates ev against the state machine and mutates s (a private clone).
// It returns the notice to append, or nil when the event is an accepted no-op.
func apply(s *model.Session, ev Event) (notice string, err error) {
	if s.IsClosed() {
		return "", fmt.Errorf("%w: session %s is closed", ErrInvalidTransition, s.ID)
	}
	switch ev.Kind {
	case EventRequestHuman:
		if ev.DisplayName != "" {
			s.DisplayName = ev.DisplayName
		}
		if ev.Contact != "" {
			s.Contact = ev.Contact
		}
		if s.Mode == model.ModeHuman {
			// Already waiting or already served: re-announcement, no second notice.
			return "", nil
		}
		s.Mode = model.ModeHuman
		s.Status = model.StatusWaiting
		s.AssignedOperator = nil
		return NoticeWaiting, nil

	case EventAccept:
		if ev.OperatorID == "" {
			return "", fmt.Errorf("%w: accept without operator", ErrInvalidTransition)
		}
		if s.Status != model.StatusWaiting {
			if s.Status == model.StatusActive && s.Mode == model.ModeHuman {
				return "", fmt.Errorf("%w: session %s already active with operator %s", ErrInvalidTransition, s.ID, s.Operator())
			}
			return "", fmt.Errorf("%w: session %s is not waiting for an agent", ErrInvalidTransition, s.ID)
		}
		op := ev.OperatorID
		s.Status = model.StatusActive
		s.AssignedOperator = &op
		return NoticeJoined, nil

	case EventClose:
		if s.Mode != model.ModeHuman {
			return "", fmt.Errorf("%w: session %s was never handed to an agent", ErrInvalidTransition, s.ID)
		}
		s.Status = model.StatusClosed
		return NoticeClosed, nil
	}
	return "", fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, ev.Kind)
}

// canAppend checks whether a message by role may be added to s.
func canAppend(s *model.Session, role model.Role) error {
	if s.IsClosed() {
		return fmt.Errorf("%w: session %s is closed", ErrInvalidTransition, s.ID)
	}
	if role == model.RoleOperator && s.Mode != model.ModeHuman {
		return fmt.Errorf("%w: session %s is not in human mode", ErrInvalidTransition, s.ID)
	}
	return nil
}

func newSession(orgID, sessionID string, now time.Time) *model.Session {
	return &model.Session{
		ID:             sessionID,
		OrganizationID: orgID,
		Mode:           model.ModeAssistant,
		Status:         model.StatusActive,
		LastActivity:   now,
		CreatedAt:      now,
	}
}
