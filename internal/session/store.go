// Package session owns chat sessions: the handoff state machine, per-session
// atomic mutations and write-through persistence.
//
// Every mutation runs under a lock keyed by session id, works on a clone of the
// committed snapshot and commits the clone only after persistence succeeds.
// Readers get copies of committed snapshots and never wait on a session lock.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/supportchat/internal/keylock"
	"github.com/supportchat/internal/logger"
	"github.com/supportchat/internal/model"
	"github.com/supportchat/internal/storage"
)

var (
	ErrNotFound          = errors.New("session not found")
	errForeign           = fmt.Errorf("%w: id owned by another organization", ErrNotFound)
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrIO wraps persistence failures that survived the retry.
	ErrIO = errors.New("session persistence failed")
)

const (
	defaultRetryBackoff = 200 * time.Millisecond
	orgLoadTimeout      = 15 * time.Second
)

// Change describes a committed mutation.
type Change struct {
	Session *model.Session
	Created bool
	// Changed is false for accepted no-ops (repeated request-human, nothing to mark read).
	Changed  bool
	Appended []model.Message
}

type Option func(*Store)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRetryBackoff sets the pause before the single persistence retry.
func WithRetryBackoff(d time.Duration) Option {
	return func(s *Store) { s.retryBackoff = d }
}

type Store struct {
	persister    storage.Persister
	locks        *keylock.Locker
	loads        singleflight.Group
	retryBackoff time.Duration
	now          func() time.Time
	newID        func() string

	mu       sync.RWMutex
	sessions map[string]*model.Session
	byOrg    map[string]map[string]struct{}
	loaded   map[string]struct{}
}

func NewStore(p storage.Persister, opts ...Option) *Store {
	s := &Store{
		persister:    p,
		locks:        keylock.New(),
		retryBackoff: defaultRetryBackoff,
		now:          func() time.Time { return time.Now().UTC() },
		newID:        uuid.NewString,
		sessions:     make(map[string]*model.Session),
		byOrg:        make(map[string]map[string]struct{}),
		loaded:       make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AppendMessage adds a message authored by role. A visitor message for an
// unknown session id creates the session in assistant mode first; any other
// author gets ErrNotFound.
func (s *Store) AppendMessage(ctx context.Context, orgID, sessionID string, role model.Role, authorID, text string) (*Change, error) {
	defer logger.DeferLogDuration("session.AppendMessage", time.Now())()
	if err := s.ensureOrg(ctx, orgID); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	now := s.now()
	cur, err := s.current(orgID, sessionID)
	created := false
	switch {
	case errors.Is(err, ErrNotFound) && !errors.Is(err, errForeign) && role == model.RoleVisitor:
		cur = newSession(orgID, sessionID, now)
		created = true
	case err != nil:
		return nil, err
	default:
		cur = cur.Clone()
	}
	if err := canAppend(cur, role); err != nil {
		return nil, err
	}
	msg := model.NewMessage(s.newID(), role, authorID, text, now)
	cur.Messages = append(cur.Messages, msg)
	cur.LastActivity = now

	if err := s.commit(ctx, cur, created); err != nil {
		return nil, err
	}
	return &Change{Session: cur.Clone(), Created: created, Changed: true, Appended: []model.Message{msg}}, nil
}

// Transition applies ev. Request-human on an unknown id creates the session;
// accept and close on an unknown id fail with ErrNotFound. A rejected event
// leaves the session untouched.
func (s *Store) Transition(ctx context.Context, orgID, sessionID string, ev Event) (*Change, error) {
	defer logger.DeferLogDuration("session.Transition", time.Now())()
	if err := s.ensureOrg(ctx, orgID); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	now := s.now()
	cur, err := s.current(orgID, sessionID)
	created := false
	switch {
	case errors.Is(err, ErrNotFound) && !errors.Is(err, errForeign) && ev.Kind == EventRequestHuman:
		cur = newSession(orgID, sessionID, now)
		created = true
	case err != nil:
		return nil, err
	}
	before := cur
	next := cur.Clone()

	notice, err := apply(next, ev)
	if err != nil {
		return nil, err
	}
	var appended []model.Message
	if notice != "" {
		msg := model.NewMessage(s.newID(), model.RoleSystem, ev.OperatorID, notice, now)
		next.Messages = append(next.Messages, msg)
		next.LastActivity = now
		appended = append(appended, msg)
	}

	changed := created || notice != "" || next.DisplayName != before.DisplayName || next.Contact != before.Contact
	if !changed {
		return &Change{Session: next}, nil
	}
	if err := s.commit(ctx, next, created); err != nil {
		return nil, err
	}
	return &Change{Session: next.Clone(), Created: created, Changed: true, Appended: appended}, nil
}

// MarkRead flips read flags for reader (operator or visitor). With no ids every
// message is marked. Allowed on closed sessions.
func (s *Store) MarkRead(ctx context.Context, orgID, sessionID string, reader model.Role, ids ...string) (*Change, error) {
	defer logger.DeferLogDuration("session.MarkRead", time.Now())()
	if reader != model.RoleOperator && reader != model.RoleVisitor {
		return nil, fmt.Errorf("mark read: unsupported reader %q", reader)
	}
	if err := s.ensureOrg(ctx, orgID); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	cur, err := s.current(orgID, sessionID)
	if err != nil {
		return nil, err
	}
	var only map[string]struct{}
	if len(ids) > 0 {
		only = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			only[id] = struct{}{}
		}
	}

	next := cur.Clone()
	changed := false
	for i := range next.Messages {
		m := &next.Messages[i]
		if only != nil {
			if _, ok := only[m.ID]; !ok {
				continue
			}
		}
		if reader == model.RoleOperator && !m.ReadByOperator {
			m.ReadByOperator = true
			changed = true
		}
		if reader == model.RoleVisitor && !m.ReadByVisitor {
			m.ReadByVisitor = true
			changed = true
		}
	}
	if !changed {
		return &Change{Session: next}, nil
	}
	if err := s.commit(ctx, next, false); err != nil {
		return nil, err
	}
	return &Change{Session: next.Clone(), Changed: true}, nil
}

func (s *Store) Get(ctx context.Context, orgID, sessionID string) (*model.Session, error) {
	if err := s.ensureOrg(ctx, orgID); err != nil {
		return nil, err
	}
	cur, err := s.current(orgID, sessionID)
	if err != nil {
		return nil, err
	}
	return cur.Clone(), nil
}

// ListForOrganization returns the organization's sessions whose status is in
// statuses (all sessions when empty), most recent activity first.
func (s *Store) ListForOrganization(ctx context.Context, orgID string, statuses ...model.Status) ([]*model.Session, error) {
	defer logger.DeferLogDuration("session.ListForOrganization", time.Now())()
	if err := s.ensureOrg(ctx, orgID); err != nil {
		return nil, err
	}
	want := make(map[model.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	s.mu.RLock()
	out := make([]*model.Session, 0, len(s.byOrg[orgID]))
	for id := range s.byOrg[orgID] {
		snap := s.sessions[id]
		if len(want) > 0 && !want[snap.Status] {
			continue
		}
		out = append(out, snap.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// current returns the committed snapshot. The caller must not mutate it.
func (s *Store) current(orgID, sessionID string) (*model.Session, error) {
	s.mu.RLock()
	cur, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	// Reported as unknown, but never re-created under the caller's organization.
	if cur.OrganizationID != orgID {
		return nil, fmt.Errorf("%w: %s", errForeign, sessionID)
	}
	return cur, nil
}

func (s *Store) commit(ctx context.Context, next *model.Session, created bool) error {
	if err := s.save(ctx, next); err != nil {
		return err
	}
	s.mu.Lock()
	s.sessions[next.ID] = next
	if created {
		ids, ok := s.byOrg[next.OrganizationID]
		if !ok {
			ids = make(map[string]struct{})
			s.byOrg[next.OrganizationID] = ids
		}
		ids[next.ID] = struct{}{}
	}
	s.mu.Unlock()
	return nil
}

// save persists with a single retry after retryBackoff. An id stored under
// another organization is not retried.
func (s *Store) save(ctx context.Context, sess *model.Session) error {
	err := s.persister.Save(ctx, sess)
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrOwnedElsewhere) {
		return fmt.Errorf("%w: %s", errForeign, sess.ID)
	}
	logger.Errorf("session store: save session=%s failed, retry in %v: %v", sess.ID, s.retryBackoff, err)
	if err := sleepCtx(ctx, s.retryBackoff); err != nil {
		return fmt.Errorf("%w: save session %s: %w", ErrIO, sess.ID, err)
	}
	if err := s.persister.Save(ctx, sess); err != nil {
		if errors.Is(err, storage.ErrOwnedElsewhere) {
			return fmt.Errorf("%w: %s", errForeign, sess.ID)
		}
		return fmt.Errorf("%w: save session %s: %w", ErrIO, sess.ID, err)
	}
	return nil
}

// ensureOrg loads an organization's sessions from persistence once.
// Concurrent first touches share a single load; it runs detached from the
// caller's cancellation so one caller giving up does not fail the others.
func (s *Store) ensureOrg(ctx context.Context, orgID string) error {
	if orgID == "" {
		return fmt.Errorf("%w: empty organization id", ErrNotFound)
	}
	s.mu.RLock()
	_, ok := s.loaded[orgID]
	s.mu.RUnlock()
	if ok {
		return nil
	}

	ch := s.loads.DoChan(orgID, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), orgLoadTimeout)
		defer cancel()
		s.mu.RLock()
		_, ok := s.loaded[orgID]
		s.mu.RUnlock()
		if ok {
			return nil, nil
		}
		sessions, err := s.persister.LoadByOrg(ctx, orgID)
		if err != nil {
			logger.Errorf("session store: load org=%s failed, retry in %v: %v", orgID, s.retryBackoff, err)
			if err := sleepCtx(ctx, s.retryBackoff); err != nil {
				return nil, err
			}
			if sessions, err = s.persister.LoadByOrg(ctx, orgID); err != nil {
				return nil, err
			}
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		ids, ok := s.byOrg[orgID]
		if !ok {
			ids = make(map[string]struct{}, len(sessions))
			s.byOrg[orgID] = ids
		}
		for _, sess := range sessions {
			if sess.OrganizationID != orgID {
				continue
			}
			if _, exists := s.sessions[sess.ID]; exists {
				continue
			}
			s.sessions[sess.ID] = sess
			ids[sess.ID] = struct{}{}
		}
		s.loaded[orgID] = struct{}{}
		return nil, nil
	})
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: load organization %s: %w", ErrIO, orgID, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return fmt.Errorf("%w: load organization %s: %w", ErrIO, orgID, res.Err)
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
