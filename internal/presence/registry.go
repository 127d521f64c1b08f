// Package presence maps live connections to the rooms they receive broadcasts in.
package presence

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/supportchat/internal/protocol"
)

var (
	ErrLimit           = errors.New("connection limit reached")
	ErrScope           = errors.New("missing scope for role")
	ErrAlreadyEnrolled = errors.New("connection already enrolled")
	ErrNotEnrolled     = errors.New("connection not enrolled")
)

// Conn is a live connection as seen by the registry and the router.
type Conn interface {
	// ID is unique per connection for the process lifetime.
	ID() string
	Send(msg protocol.Outgoing) error
	Close()
}

type Role string

const (
	RoleVisitor    Role = "visitor"
	RoleStaff      Role = "staff"
	RoleSupervisor Role = "supervisor"
)

func (r Role) Valid() bool {
	return r == RoleVisitor || r == RoleStaff || r == RoleSupervisor
}

// IsStaff is true for staff and supervisors.
func (r Role) IsStaff() bool { return r == RoleStaff || r == RoleSupervisor }

type RoomKind string

const (
	RoomOrg         RoomKind = "org"
	RoomOrgStaff    RoomKind = "org-staff"
	RoomSession     RoomKind = "session"
	RoomSupervisors RoomKind = "supervisors"
)

// Room is a broadcast scope. Kind keeps an organization id and a session id
// with the same text from sharing a room.
type Room struct {
	Kind RoomKind
	ID   string
}

func (r Room) String() string {
	if r.ID == "" {
		return string(r.Kind)
	}
	return string(r.Kind) + ":" + r.ID
}

func OrgRoom(orgID string) Room         { return Room{Kind: RoomOrg, ID: orgID} }
func OrgStaffRoom(orgID string) Room    { return Room{Kind: RoomOrgStaff, ID: orgID} }
func SessionRoom(sessionID string) Room { return Room{Kind: RoomSession, ID: sessionID} }
func SupervisorsRoom() Room             { return Room{Kind: RoomSupervisors} }

// Scope identifies what a connection is about.
type Scope struct {
	OrganizationID string
	SessionID      string
	OperatorID     string
}

// Entry is the presence record of one connection.
type Entry struct {
	Conn     Conn
	Role     Role
	Scope    Scope
	JoinedAt time.Time
	Rooms    []Room
}

type entry struct {
	conn     Conn
	role     Role
	scope    Scope
	joinedAt time.Time
	rooms    map[Room]struct{}
}

// Registry is safe for concurrent use. Reads return snapshots: a connection
// enrolled during a broadcast may miss that broadcast but not the next one.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	rooms    map[Room]map[string]Conn
	visitors map[string]string // session id -> canonical visitor connection id
	maxConns int
	now      func() time.Time
}

func NewRegistry(maxConns int) *Registry {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Registry{
		entries:  make(map[string]*entry),
		rooms:    make(map[Room]map[string]Conn),
		visitors: make(map[string]string),
		maxConns: maxConns,
		now:      time.Now,
	}
}

// Enroll registers c and adds it to the rooms implied by role and scope.
func (r *Registry) Enroll(c Conn, role Role, scope Scope) ([]Room, error) {
	rooms, err := roomsFor(role, scope)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[c.ID()]; ok {
		return nil, ErrAlreadyEnrolled
	}
	if len(r.entries) >= r.maxConns {
		return nil, fmt.Errorf("%w (%d)", ErrLimit, r.maxConns)
	}
	e := &entry{conn: c, role: role, scope: scope, joinedAt: r.now(), rooms: make(map[Room]struct{}, len(rooms))}
	r.entries[c.ID()] = e
	for _, room := range rooms {
		r.addLocked(e, room)
	}
	if role == RoleVisitor {
		r.visitors[scope.SessionID] = c.ID()
	}
	return rooms, nil
}

// Unenroll removes c from every room. Safe to call more than once; reports
// whether c was enrolled.
func (r *Registry) Unenroll(c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[c.ID()]
	if !ok {
		return false
	}
	for room := range e.rooms {
		r.removeLocked(e, room)
	}
	delete(r.entries, c.ID())

	if e.role == RoleVisitor && r.visitors[e.scope.SessionID] == c.ID() {
		delete(r.visitors, e.scope.SessionID)
		// Promote another tab of the same visitor, if any.
		for id, other := range r.rooms[SessionRoom(e.scope.SessionID)] {
			if oe := r.entries[id]; oe != nil && oe.role == RoleVisitor {
				r.visitors[e.scope.SessionID] = other.ID()
				break
			}
		}
	}
	return true
}

// Join adds an enrolled connection to one more room.
func (r *Registry) Join(c Conn, room Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[c.ID()]
	if !ok {
		return ErrNotEnrolled
	}
	r.addLocked(e, room)
	return nil
}

// Leave removes c from room. Rooms implied by the connection's role stay.
func (r *Registry) Leave(c Conn, room Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[c.ID()]
	if !ok {
		return
	}
	base, _ := roomsFor(e.role, e.scope)
	for _, b := range base {
		if b == room {
			return
		}
	}
	r.removeLocked(e, room)
}

// ConnectionsFor returns a snapshot of the room's members.
func (r *Registry) ConnectionsFor(room Room) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[room]
	out := make([]Conn, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Count(room Room) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

func (r *Registry) Lookup(c Conn) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[c.ID()]
	if !ok {
		return Entry{}, false
	}
	out := Entry{Conn: e.conn, Role: e.role, Scope: e.scope, JoinedAt: e.joinedAt, Rooms: make([]Room, 0, len(e.rooms))}
	for room := range e.rooms {
		out.Rooms = append(out.Rooms, room)
	}
	return out, true
}

// Visitor returns the canonical visitor connection of a session.
func (r *Registry) Visitor(sessionID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.visitors[sessionID]
	if !ok {
		return nil, false
	}
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Clear drops every entry and returns the connections that were enrolled.
// Closing them is left to the caller, outside the lock.
func (r *Registry) Clear() []Conn {
	r.mu.Lock()
	all := make([]Conn, 0, len(r.entries))
	for _, e := range r.entries {
		all = append(all, e.conn)
	}
	r.entries = make(map[string]*entry)
	r.rooms = make(map[Room]map[string]Conn)
	r.visitors = make(map[string]string)
	r.mu.Unlock()
	return all
}

func (r *Registry) addLocked(e *entry, room Room) {
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]Conn)
		r.rooms[room] = members
	}
	members[e.conn.ID()] = e.conn
	e.rooms[room] = struct{}{}
}

func (r *Registry) removeLocked(e *entry, room Room) {
	if members, ok := r.rooms[room]; ok {
		delete(members, e.conn.ID())
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	delete(e.rooms, room)
}

func roomsFor(role Role, scope Scope) ([]Room, error) {
	switch role {
	case RoleVisitor:
		if scope.SessionID == "" || scope.OrganizationID == "" {
			return nil, fmt.Errorf("%w: visitor needs organization and session", ErrScope)
		}
		return []Room{SessionRoom(scope.SessionID)}, nil
	case RoleStaff:
		if scope.OrganizationID == "" {
			return nil, fmt.Errorf("%w: staff needs organization", ErrScope)
		}
		return []Room{OrgRoom(scope.OrganizationID), OrgStaffRoom(scope.OrganizationID)}, nil
	case RoleSupervisor:
		rooms := []Room{SupervisorsRoom()}
		if scope.OrganizationID != "" {
			rooms = append(rooms, OrgRoom(scope.OrganizationID))
		}
		return rooms, nil
	}
	return nil, fmt.Errorf("%w: unknown role %q", ErrScope, role)
}
