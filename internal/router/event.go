package router

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/supportchat/internal/model"
	"github.com/supportchat/internal/protocol"
	"github.com/supportchat/internal/session"
)

// ErrInvalidEvent is returned for payloads that fail validation.
var ErrInvalidEvent = errors.New("invalid event")

// MaxTextLen bounds a chat message, in characters.
const MaxTextLen = 4000

// Event is the inbound event sum type. Each variant has one handler in Router.
type Event interface {
	Name() protocol.EventType
	validate() error
}

type VisitorMessage struct {
	SessionID      string
	OrganizationID string
	Text           string
}

type RequestHuman struct {
	SessionID      string
	OrganizationID string
	DisplayName    string
	Contact        string
}

type OperatorMessage struct {
	SessionID      string
	OrganizationID string
	OperatorID     string
	Text           string
}

type OperatorAccept struct {
	SessionID      string
	OrganizationID string
	OperatorID     string
}

type OperatorClose struct {
	SessionID      string
	OrganizationID string
	OperatorID     string
}

// Typing is a presence-only signal; it is never persisted.
type Typing struct {
	SessionID      string
	OrganizationID string
	From           model.Role
}

// ViewSession moves a staff connection into or out of a session room.
type ViewSession struct {
	SessionID      string
	OrganizationID string
	Leave          bool
}

type MarkRead struct {
	SessionID      string
	OrganizationID string
	Reader         model.Role
	// MessageIDs limits the update; empty marks every message.
	MessageIDs []string
}

func (VisitorMessage) Name() protocol.EventType  { return protocol.EventVisitorMessage }
func (RequestHuman) Name() protocol.EventType    { return protocol.EventRequestHuman }
func (OperatorMessage) Name() protocol.EventType { return protocol.EventOperatorMessage }
func (OperatorAccept) Name() protocol.EventType  { return protocol.EventOperatorAccept }
func (OperatorClose) Name() protocol.EventType   { return protocol.EventOperatorClose }
func (Typing) Name() protocol.EventType          { return protocol.EventTyping }
func (ViewSession) Name() protocol.EventType     { return protocol.EventViewSession }
func (MarkRead) Name() protocol.EventType        { return protocol.EventMarkRead }

func (e VisitorMessage) validate() error {
	if err := requireScope(e.SessionID, e.OrganizationID); err != nil {
		return err
	}
	return validText(e.Text)
}

func (e RequestHuman) validate() error {
	return requireScope(e.SessionID, e.OrganizationID)
}

func (e OperatorMessage) validate() error {
	if err := requireScope(e.SessionID, e.OrganizationID); err != nil {
		return err
	}
	if e.OperatorID == "" {
		return fmt.Errorf("%w: operator id required", ErrInvalidEvent)
	}
	return validText(e.Text)
}

func (e OperatorAccept) validate() error {
	if err := requireScope(e.SessionID, e.OrganizationID); err != nil {
		return err
	}
	if e.OperatorID == "" {
		return fmt.Errorf("%w: operator id required", ErrInvalidEvent)
	}
	return nil
}

func (e OperatorClose) validate() error {
	return requireScope(e.SessionID, e.OrganizationID)
}

func (e Typing) validate() error {
	if err := requireScope(e.SessionID, e.OrganizationID); err != nil {
		return err
	}
	if e.From != model.RoleVisitor && e.From != model.RoleOperator {
		return fmt.Errorf("%w: typing from %q", ErrInvalidEvent, e.From)
	}
	return nil
}

func (e ViewSession) validate() error {
	return requireScope(e.SessionID, e.OrganizationID)
}

func (e MarkRead) validate() error {
	if err := requireScope(e.SessionID, e.OrganizationID); err != nil {
		return err
	}
	if e.Reader != model.RoleVisitor && e.Reader != model.RoleOperator {
		return fmt.Errorf("%w: reader %q", ErrInvalidEvent, e.Reader)
	}
	return nil
}

func requireScope(sessionID, orgID string) error {
	if sessionID == "" || orgID == "" {
		return fmt.Errorf("%w: session_id and organization_id required", ErrInvalidEvent)
	}
	return nil
}

func validText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: text required", ErrInvalidEvent)
	}
	if utf8.RuneCountInString(text) > MaxTextLen {
		return fmt.Errorf("%w: text longer than %d characters", ErrInvalidEvent, MaxTextLen)
	}
	return nil
}

// Code maps a handler error to the protocol error code shown to the initiator.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidEvent):
		return protocol.CodeBadRequest
	case errors.Is(err, ErrForbidden):
		return protocol.CodeForbidden
	case errors.Is(err, session.ErrNotFound):
		return protocol.CodeNotFound
	case errors.Is(err, session.ErrInvalidTransition):
		return protocol.CodeInvalidTransition
	case errors.Is(err, session.ErrIO):
		return protocol.CodeUnavailable
	}
	return protocol.CodeInternal
}
