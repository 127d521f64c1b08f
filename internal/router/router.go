// Package router turns inbound chat events into session store mutations and
// room-scoped broadcasts.
//
// Each handler runs validate → mutate → broadcast while holding the session's
// lock, so broadcasts always describe the state after the mutation and events
// on one session are applied in the order they arrive. Different sessions
// never wait on each other.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/supportchat/internal/keylock"
	"github.com/supportchat/internal/logger"
	"github.com/supportchat/internal/model"
	"github.com/supportchat/internal/presence"
	"github.com/supportchat/internal/protocol"
	"github.com/supportchat/internal/session"
	"github.com/supportchat/internal/waiting"
)

// ErrForbidden is returned when the sending connection may not issue the event.
var ErrForbidden = errors.New("forbidden")

const assistantTimeout = 10 * time.Second

// Notifier alerts an organization's operators outside the open dashboards. nil disables it.
type Notifier interface {
	NotifyOrganization(ctx context.Context, orgID, title, body string, data map[string]string)
}

// Assistant produces the automated reply for assistant-mode sessions. nil disables it.
type Assistant interface {
	Reply(ctx context.Context, s *model.Session) (string, error)
}

// Result is returned to the initiator of an event.
type Result struct {
	// Session is the snapshot after the event; nil for typing.
	Session *model.Session
	Note    string
}

type Option func(*Router)

func WithNotifier(n Notifier) Option   { return func(r *Router) { r.notifier = n } }
func WithAssistant(a Assistant) Option { return func(r *Router) { r.assistant = a } }

type Router struct {
	store     *session.Store
	presence  *presence.Registry
	waiting   *waiting.Aggregator
	locks     *keylock.Locker
	notifier  Notifier
	assistant Assistant
}

func New(store *session.Store, reg *presence.Registry, opts ...Option) *Router {
	r := &Router{
		store:    store,
		presence: reg,
		waiting:  waiting.NewAggregator(store),
		locks:    keylock.New(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handle dispatches ev. from is the sending connection and may be nil for
// events that arrive over the administrative HTTP path.
func (r *Router) Handle(ctx context.Context, from presence.Conn, ev Event) (Result, error) {
	defer logger.DeferLogDuration("router."+string(ev.Name()), time.Now())()
	if err := ev.validate(); err != nil {
		return Result{}, err
	}
	switch e := ev.(type) {
	case VisitorMessage:
		return r.visitorMessage(ctx, from, e)
	case RequestHuman:
		return r.requestHuman(ctx, from, e)
	case OperatorMessage:
		return r.operatorMessage(ctx, from, e)
	case OperatorAccept:
		return r.operatorAccept(ctx, from, e)
	case OperatorClose:
		return r.operatorClose(ctx, from, e)
	case Typing:
		r.typing(ctx, from, e)
		return Result{}, nil
	case ViewSession:
		return r.viewSession(ctx, from, e)
	case MarkRead:
		return r.markRead(ctx, e)
	}
	return Result{}, fmt.Errorf("%w: unsupported event %T", ErrInvalidEvent, ev)
}

// Session returns a snapshot of one session.
func (r *Router) Session(ctx context.Context, orgID, sessionID string) (*model.Session, error) {
	return r.store.Get(ctx, orgID, sessionID)
}

// Sessions lists an organization's sessions, optionally filtered by status.
func (r *Router) Sessions(ctx context.Context, orgID string, statuses ...model.Status) ([]*model.Session, error) {
	return r.store.ListForOrganization(ctx, orgID, statuses...)
}

// WaitingList returns the current waiting list of an organization.
func (r *Router) WaitingList(ctx context.Context, orgID string) (protocol.WaitingListPayload, error) {
	items, err := r.waiting.Compute(ctx, orgID)
	if err != nil {
		return protocol.WaitingListPayload{}, err
	}
	return protocol.WaitingListPayload{
		OrganizationID: orgID,
		OnlineStaff:    r.presence.Count(presence.OrgStaffRoom(orgID)),
		Sessions:       items,
	}, nil
}

func (r *Router) visitorMessage(ctx context.Context, from presence.Conn, e VisitorMessage) (Result, error) {
	unlock := r.locks.Lock(e.SessionID)
	defer unlock()

	ch, err := r.store.AppendMessage(ctx, e.OrganizationID, e.SessionID, model.RoleVisitor, "", e.Text)
	if err != nil {
		return Result{}, err
	}
	s := ch.Session
	if ch.Created {
		r.announceCreated(s)
	}
	msg := newMessageOut(s, ch.Appended[0])
	if s.Mode == model.ModeHuman {
		r.broadcast(msg, from, presence.OrgStaffRoom(s.OrganizationID), presence.SessionRoom(s.ID))
		r.publishWaitingList(ctx, s.OrganizationID)
		return Result{Session: s}, nil
	}

	// Other tabs of the same visitor.
	r.broadcast(msg, from, presence.SessionRoom(s.ID))
	if r.assistant != nil {
		if replied := r.assistantReply(ctx, s); replied != nil {
			s = replied
		}
	}
	return Result{Session: s}, nil
}

func (r *Router) assistantReply(ctx context.Context, s *model.Session) *model.Session {
	actx, cancel := context.WithTimeout(ctx, assistantTimeout)
	defer cancel()
	text, err := r.assistant.Reply(actx, s)
	if err != nil {
		logger.Errorf("router: assistant reply session=%s: %v", s.ID, err)
		return nil
	}
	if text == "" {
		return nil
	}
	ch, err := r.store.AppendMessage(ctx, s.OrganizationID, s.ID, model.RoleAssistant, "", text)
	if err != nil {
		logger.Errorf("router: append assistant reply session=%s: %v", s.ID, err)
		return nil
	}
	r.broadcast(newMessageOut(ch.Session, ch.Appended[0]), nil, presence.SessionRoom(s.ID))
	return ch.Session
}

func (r *Router) requestHuman(ctx context.Context, from presence.Conn, e RequestHuman) (Result, error) {
	unlock := r.locks.Lock(e.SessionID)
	defer unlock()

	ch, err := r.store.Transition(ctx, e.OrganizationID, e.SessionID, session.Event{
		Kind:        session.EventRequestHuman,
		DisplayName: e.DisplayName,
		Contact:     e.Contact,
	})
	if err != nil {
		return Result{}, err
	}
	s := ch.Session
	if ch.Created {
		r.announceCreated(s)
	}

	res := Result{Session: s}
	if len(ch.Appended) > 0 {
		notice := ch.Appended[0]
		r.broadcast(newMessageOut(s, notice), from, presence.SessionRoom(s.ID))
		r.broadcast(protocol.Outgoing{Type: protocol.EventHumanRequested, Payload: sessionPayload(s)},
			nil, presence.OrgStaffRoom(s.OrganizationID), presence.SupervisorsRoom())
		if r.notifier != nil {
			name := s.DisplayName
			if name == "" {
				name = "Visitor"
			}
			data := map[string]string{"organization_id": s.OrganizationID, "session_id": s.ID}
			// Detached from the request: the push must not hold the session lock.
			go r.notifier.NotifyOrganization(context.Background(), s.OrganizationID, "New chat waiting", name+" asked for an agent", data)
		}
	} else if s.Status == model.StatusWaiting {
		res.Note = "already waiting for an agent"
	} else {
		res.Note = "already connected to an agent"
	}
	r.publishWaitingList(ctx, s.OrganizationID)
	return res, nil
}

func (r *Router) operatorMessage(ctx context.Context, from presence.Conn, e OperatorMessage) (Result, error) {
	unlock := r.locks.Lock(e.SessionID)
	defer unlock()

	ch, err := r.store.AppendMessage(ctx, e.OrganizationID, e.SessionID, model.RoleOperator, e.OperatorID, e.Text)
	if err != nil {
		return Result{}, err
	}
	s := ch.Session
	r.joinSession(from, s.ID)
	r.broadcast(newMessageOut(s, ch.Appended[0]), from, presence.SessionRoom(s.ID))
	r.publishWaitingList(ctx, s.OrganizationID)
	return Result{Session: s}, nil
}

func (r *Router) operatorAccept(ctx context.Context, from presence.Conn, e OperatorAccept) (Result, error) {
	unlock := r.locks.Lock(e.SessionID)
	defer unlock()

	ch, err := r.store.Transition(ctx, e.OrganizationID, e.SessionID, session.Event{
		Kind:       session.EventAccept,
		OperatorID: e.OperatorID,
	})
	if err != nil {
		return Result{}, err
	}
	s := ch.Session
	notice := ch.Appended[0]
	r.joinSession(from, s.ID)
	r.broadcast(protocol.Outgoing{Type: protocol.EventOperatorJoined, Payload: protocol.OperatorJoinedPayload{
		SessionID:  s.ID,
		OperatorID: e.OperatorID,
		Notice:     notice,
	}}, nil, presence.SessionRoom(s.ID))
	r.broadcast(newMessageOut(s, notice), nil, presence.SessionRoom(s.ID))
	r.publishWaitingList(ctx, s.OrganizationID)
	return Result{Session: s}, nil
}

func (r *Router) operatorClose(ctx context.Context, from presence.Conn, e OperatorClose) (Result, error) {
	unlock := r.locks.Lock(e.SessionID)
	defer unlock()

	ch, err := r.store.Transition(ctx, e.OrganizationID, e.SessionID, session.Event{
		Kind:       session.EventClose,
		OperatorID: e.OperatorID,
	})
	if err != nil {
		return Result{}, err
	}
	s := ch.Session
	payload := protocol.SessionClosedPayload{SessionID: s.ID, ClosedBy: e.OperatorID}
	if len(ch.Appended) > 0 {
		payload.Notice = &ch.Appended[0]
	}
	r.broadcast(protocol.Outgoing{Type: protocol.EventSessionClosed, Payload: payload}, nil, presence.SessionRoom(s.ID))
	r.publishWaitingList(ctx, s.OrganizationID)
	return Result{Session: s}, nil
}

// typing is best effort: no lock, send failures are ignored. Operator typing
// reaches a session room only when the session belongs to the sender's org.
func (r *Router) typing(ctx context.Context, from presence.Conn, e Typing) {
	out := protocol.Outgoing{Type: protocol.EventTypingIndicator, Payload: protocol.TypingPayload{
		SessionID: e.SessionID,
		From:      e.From,
	}}
	room := presence.OrgStaffRoom(e.OrganizationID)
	if e.From != model.RoleVisitor {
		if _, err := r.store.Get(ctx, e.OrganizationID, e.SessionID); err != nil {
			logger.Debugf("router: typing dropped session=%s org=%s: %v", e.SessionID, e.OrganizationID, err)
			return
		}
		room = presence.SessionRoom(e.SessionID)
	}
	for _, c := range r.presence.ConnectionsFor(room) {
		if from != nil && c.ID() == from.ID() {
			continue
		}
		_ = c.Send(out)
	}
}

func (r *Router) viewSession(ctx context.Context, from presence.Conn, e ViewSession) (Result, error) {
	if from == nil {
		return Result{}, fmt.Errorf("%w: view_session needs a connection", ErrForbidden)
	}
	room := presence.SessionRoom(e.SessionID)
	if e.Leave {
		r.presence.Leave(from, room)
		return Result{}, nil
	}
	s, err := r.store.Get(ctx, e.OrganizationID, e.SessionID)
	if err != nil {
		return Result{}, err
	}
	if err := r.presence.Join(from, room); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrForbidden, err)
	}
	return Result{Session: s}, nil
}

func (r *Router) markRead(ctx context.Context, e MarkRead) (Result, error) {
	unlock := r.locks.Lock(e.SessionID)
	defer unlock()

	ch, err := r.store.MarkRead(ctx, e.OrganizationID, e.SessionID, e.Reader, e.MessageIDs...)
	if err != nil {
		return Result{}, err
	}
	if ch.Changed && e.Reader == model.RoleOperator {
		r.publishWaitingList(ctx, e.OrganizationID)
	}
	return Result{Session: ch.Session}, nil
}

func (r *Router) announceCreated(s *model.Session) {
	r.broadcast(protocol.Outgoing{Type: protocol.EventSessionCreated, Payload: sessionPayload(s)},
		nil, presence.OrgRoom(s.OrganizationID), presence.SupervisorsRoom())
}

// publishWaitingList recomputes the organization's waiting list and pushes it
// to its staff and to supervisors. Failures are logged: the triggering event
// has already been committed.
func (r *Router) publishWaitingList(ctx context.Context, orgID string) {
	payload, err := r.WaitingList(ctx, orgID)
	if err != nil {
		logger.Errorf("router: waiting list org=%s: %v", orgID, err)
		return
	}
	r.broadcast(protocol.Outgoing{Type: protocol.EventWaitingListUpdated, Payload: payload},
		nil, presence.OrgStaffRoom(orgID), presence.SupervisorsRoom())
}

func (r *Router) joinSession(c presence.Conn, sessionID string) {
	if c == nil {
		return
	}
	if err := r.presence.Join(c, presence.SessionRoom(sessionID)); err != nil {
		logger.Errorf("router: join session room conn=%s session=%s: %v", c.ID(), sessionID, err)
	}
}

// broadcast sends msg once to every connection in rooms, except skip.
// A connection that cannot take the message is dropped from presence and closed.
func (r *Router) broadcast(msg protocol.Outgoing, skip presence.Conn, rooms ...presence.Room) {
	seen := make(map[string]struct{}, 8)
	if skip != nil {
		seen[skip.ID()] = struct{}{}
	}
	for _, room := range rooms {
		for _, c := range r.presence.ConnectionsFor(room) {
			if _, ok := seen[c.ID()]; ok {
				continue
			}
			seen[c.ID()] = struct{}{}
			if err := c.Send(msg); err != nil {
				logger.Errorf("router: send %s to conn=%s room=%s: %v, dropping connection", msg.Type, c.ID(), room, err)
				r.presence.Unenroll(c)
				c.Close()
			}
		}
	}
}

func newMessageOut(s *model.Session, m model.Message) protocol.Outgoing {
	return protocol.Outgoing{Type: protocol.EventNewMessage, Payload: protocol.NewMessagePayload{
		SessionID:      s.ID,
		OrganizationID: s.OrganizationID,
		Status:         s.Status,
		Message:        m,
	}}
}

func sessionPayload(s *model.Session) protocol.SessionPayload {
	return protocol.SessionPayload{
		SessionID:      s.ID,
		OrganizationID: s.OrganizationID,
		DisplayName:    s.DisplayName,
		Mode:           s.Mode,
		Status:         s.Status,
		LastActivity:   s.LastActivity,
	}
}
