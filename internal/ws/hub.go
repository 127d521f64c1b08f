package ws

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/supportchat/internal/logger"
	"github.com/supportchat/internal/model"
	"github.com/supportchat/internal/presence"
	"github.com/supportchat/internal/protocol"
	"github.com/supportchat/internal/router"
	"github.com/supportchat/internal/session"
)

const (
	handleTimeout   = 10 * time.Second
	snapshotTimeout = 5 * time.Second
)

// Hub owns connection lifecycle: it enrolls clients in presence, decodes their
// frames into router events and reports results back to the sender.
type Hub struct {
	presence   *presence.Registry
	router     *router.Router
	limits     Limits
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(reg *presence.Registry, rt *router.Router, limits Limits) *Hub {
	return &Hub{
		presence:   reg,
		router:     rt,
		limits:     limits.withDefaults(),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// done first: pumps exiting during shutdown must not block on unregister.
			close(h.done)
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Clear returns the enrolled connections; I/O happens outside the registry lock.
	all := h.presence.Clear()
	for _, c := range all {
		c.Close()
	}
	for _, c := range all {
		if cl, ok := c.(*Client); ok {
			cl.Wait()
		}
	}
}

func (h *Hub) addClient(c *Client) {
	if _, err := h.presence.Enroll(c, c.role, c.scope); err != nil {
		logger.Errorf("ws enroll rejected %s: %v", c.logTag(), err)
		code := protocol.CodeForbidden
		if errors.Is(err, presence.ErrLimit) {
			code = protocol.CodeUnavailable
		}
		_ = c.Send(protocol.Outgoing{Type: protocol.EventError, Payload: protocol.ErrorPayload{Code: code, Message: err.Error()}})
		// Let writePump flush the error frame before the socket goes away.
		time.AfterFunc(100*time.Millisecond, c.Close)
		return
	}
	logger.Debugf("ws enrolled %s org=%s", c.logTag(), c.scope.OrganizationID)
	// The snapshot hits the store; keep the Run loop free.
	go h.sendSnapshot(c)
}

func (h *Hub) removeClient(c *Client) {
	// Unenroll before close so no broadcast picks up a dying client.
	h.presence.Unenroll(c)
	c.Close()
	logger.Debugf("ws unenrolled %s", c.logTag())
}

func (h *Hub) sendSnapshot(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()

	switch {
	case c.role == presence.RoleVisitor:
		s, err := h.router.Session(ctx, c.scope.OrganizationID, c.scope.SessionID)
		if errors.Is(err, session.ErrNotFound) {
			return
		}
		if err != nil {
			logger.Errorf("ws visitor snapshot %s: %v", c.logTag(), err)
			return
		}
		_ = c.Send(protocol.Outgoing{Type: protocol.EventSessionState, Payload: s})
	case c.scope.OrganizationID != "":
		wl, err := h.router.WaitingList(ctx, c.scope.OrganizationID)
		if err != nil {
			logger.Errorf("ws staff snapshot %s: %v", c.logTag(), err)
			return
		}
		_ = c.Send(protocol.Outgoing{Type: protocol.EventSessionState, Payload: wl})
	}
}

// HandleMessage decodes one inbound frame, runs it through the router and
// answers the sender with an ack or an error frame. Typing is never answered.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg protocol.Incoming) {
	defer func() {
		if p := recover(); p != nil {
			logger.Errorf("ws panic recovered in %s %s: %v", msg.Type, c.logTag(), p)
			h.reply(c, msg, router.Result{}, fmt.Errorf("internal error"))
		}
	}()
	ev, err := h.decode(c, msg)
	if err != nil {
		h.reply(c, msg, router.Result{}, err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()
	res, err := h.router.Handle(ctx, c, ev)
	if ev.Name() == protocol.EventTyping {
		return
	}
	h.reply(c, msg, res, err)
}

func (h *Hub) reply(c *Client, msg protocol.Incoming, res router.Result, err error) {
	sessionID := msg.SessionID
	if c.role == presence.RoleVisitor {
		sessionID = c.scope.SessionID
	}
	if err != nil {
		code := router.Code(err)
		if code == protocol.CodeInternal || code == protocol.CodeUnavailable {
			logger.Errorf("ws handle %s %s: %v", msg.Type, c.logTag(), err)
		}
		_ = c.Send(protocol.Outgoing{Type: protocol.EventError, Payload: protocol.ErrorPayload{
			Event:     msg.Type,
			SessionID: sessionID,
			Code:      code,
			Message:   err.Error(),
		}})
		return
	}
	ack := protocol.AckPayload{Event: msg.Type, SessionID: sessionID, Note: res.Note}
	if s := res.Session; s != nil {
		ack.Status = s.Status
		ack.Mode = s.Mode
		if msg.Type == protocol.EventViewSession {
			ack.Session = s
		}
	}
	if err := c.Send(protocol.Outgoing{Type: protocol.EventAck, Payload: ack}); err != nil {
		logger.Errorf("ws ack %s %s: %v", msg.Type, c.logTag(), err)
	}
}

// decode maps a frame to a router event, taking identity from the connection:
// visitors are pinned to their own session, staff to their organization.
func (h *Hub) decode(c *Client, msg protocol.Incoming) (router.Event, error) {
	if c.role == presence.RoleVisitor {
		return decodeVisitor(c.scope, msg)
	}
	return decodeStaff(c.scope, msg)
}

func decodeVisitor(sc presence.Scope, msg protocol.Incoming) (router.Event, error) {
	if msg.SessionID != "" && msg.SessionID != sc.SessionID {
		return nil, fmt.Errorf("%w: visitors may only address their own session", router.ErrForbidden)
	}
	switch msg.Type {
	case protocol.EventVisitorMessage:
		return router.VisitorMessage{SessionID: sc.SessionID, OrganizationID: sc.OrganizationID, Text: msg.Text}, nil
	case protocol.EventRequestHuman:
		return router.RequestHuman{
			SessionID:      sc.SessionID,
			OrganizationID: sc.OrganizationID,
			DisplayName:    msg.DisplayName,
			Contact:        msg.Contact,
		}, nil
	case protocol.EventTyping:
		return router.Typing{SessionID: sc.SessionID, OrganizationID: sc.OrganizationID, From: model.RoleVisitor}, nil
	case protocol.EventMarkRead:
		return router.MarkRead{
			SessionID:      sc.SessionID,
			OrganizationID: sc.OrganizationID,
			Reader:         model.RoleVisitor,
			MessageIDs:     msg.MessageIDs,
		}, nil
	case protocol.EventOperatorMessage, protocol.EventOperatorAccept, protocol.EventOperatorClose, protocol.EventViewSession:
		return nil, fmt.Errorf("%w: %s is for staff", router.ErrForbidden, msg.Type)
	}
	return nil, fmt.Errorf("%w: unknown event type %q", router.ErrInvalidEvent, msg.Type)
}

func decodeStaff(sc presence.Scope, msg protocol.Incoming) (router.Event, error) {
	orgID := sc.OrganizationID
	switch {
	case orgID == "":
		// Supervisors without a home organization address any organization explicitly.
		orgID = msg.OrganizationID
	case msg.OrganizationID != "" && msg.OrganizationID != orgID:
		return nil, fmt.Errorf("%w: organization %s is not yours", router.ErrForbidden, msg.OrganizationID)
	}

	needOperator := func() error {
		if sc.OperatorID == "" {
			return fmt.Errorf("%w: %s needs an operator identity", router.ErrForbidden, msg.Type)
		}
		return nil
	}

	switch msg.Type {
	case protocol.EventOperatorMessage:
		if err := needOperator(); err != nil {
			return nil, err
		}
		return router.OperatorMessage{SessionID: msg.SessionID, OrganizationID: orgID, OperatorID: sc.OperatorID, Text: msg.Text}, nil
	case protocol.EventOperatorAccept:
		if err := needOperator(); err != nil {
			return nil, err
		}
		return router.OperatorAccept{SessionID: msg.SessionID, OrganizationID: orgID, OperatorID: sc.OperatorID}, nil
	case protocol.EventOperatorClose:
		return router.OperatorClose{SessionID: msg.SessionID, OrganizationID: orgID, OperatorID: sc.OperatorID}, nil
	case protocol.EventTyping:
		return router.Typing{SessionID: msg.SessionID, OrganizationID: orgID, From: model.RoleOperator}, nil
	case protocol.EventViewSession:
		return router.ViewSession{SessionID: msg.SessionID, OrganizationID: orgID, Leave: msg.Leave}, nil
	case protocol.EventMarkRead:
		return router.MarkRead{SessionID: msg.SessionID, OrganizationID: orgID, Reader: model.RoleOperator, MessageIDs: msg.MessageIDs}, nil
	case protocol.EventVisitorMessage, protocol.EventRequestHuman:
		return nil, fmt.Errorf("%w: %s is for visitors", router.ErrForbidden, msg.Type)
	}
	return nil, fmt.Errorf("%w: unknown event type %q", router.ErrInvalidEvent, msg.Type)
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
