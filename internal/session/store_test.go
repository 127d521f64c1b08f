package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportchat/internal/model"
	"github.com/supportchat/internal/storage"
	"github.com/supportchat/internal/storage/memory"
)

const org = "org1"

type flakyPersister struct {
	*memory.Client
	failures atomic.Int32
	saves    atomic.Int32
}

func (f *flakyPersister) Save(ctx context.Context, s *model.Session) error {
	f.saves.Add(1)
	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		return errors.New("connection reset")
	}
	return f.Client.Save(ctx, s)
}

func newTestStore(t *testing.T) (*Store, *memory.Client) {
	t.Helper()
	mem := memory.New()
	return NewStore(mem, WithRetryBackoff(time.Millisecond)), mem
}

func countRole(s *model.Session, role model.Role) int {
	n := 0
	for _, m := range s.Messages {
		if m.Role == role {
			n++
		}
	}
	return n
}

func TestVisitorMessageCreatesSession(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	ch, err := st.AppendMessage(ctx, org, "S1", model.RoleVisitor, "", "hello")
	require.NoError(t, err)
	assert.True(t, ch.Created)
	assert.Equal(t, model.StatusActive, ch.Session.Status)
	assert.Equal(t, model.ModeAssistant, ch.Session.Mode)
	require.Len(t, ch.Session.Messages, 1)
	assert.Equal(t, "hello", ch.Session.Messages[0].Text)
	assert.NotZero(t, ch.Session.DBID)

	m := ch.Session.Messages[0]
	assert.True(t, m.ReadByVisitor)
	assert.False(t, m.ReadByOperator)
}

func TestOperatorMessageOnUnknownSession(t *testing.T) {
	st, _ := newTestStore(t)
	_, err := st.AppendMessage(context.Background(), org, "nope", model.RoleOperator, "O1", "hi")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRequestHumanIsIdempotent(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	_, err := st.AppendMessage(ctx, org, "S1", model.RoleVisitor, "", "hello")
	require.NoError(t, err)

	ch, err := st.Transition(ctx, org, "S1", Event{Kind: EventRequestHuman, DisplayName: "Ann"})
	require.NoError(t, err)
	assert.True(t, ch.Changed)
	require.Len(t, ch.Appended, 1)
	assert.Equal(t, NoticeWaiting, ch.Appended[0].Text)
	assert.Equal(t, model.StatusWaiting, ch.Session.Status)
	assert.Equal(t, model.ModeHuman, ch.Session.Mode)
	assert.Nil(t, ch.Session.AssignedOperator)
	assert.Equal(t, "Ann", ch.Session.DisplayName)

	again, err := st.Transition(ctx, org, "S1", Event{Kind: EventRequestHuman, DisplayName: "Ann"})
	require.NoError(t, err)
	assert.False(t, again.Changed)
	assert.Empty(t, again.Appended)

	got, err := st.Get(ctx, org, "S1")
	require.NoError(t, err)
	assert.Equal(t, 1, countRole(got, model.RoleSystem))
}

func TestRequestHumanOnFreshSession(t *testing.T) {
	st, _ := newTestStore(t)
	ch, err := st.Transition(context.Background(), org, "S9", Event{Kind: EventRequestHuman, DisplayName: "Bob", Contact: "bob@example.com"})
	require.NoError(t, err)
	assert.True(t, ch.Created)
	assert.Equal(t, model.StatusWaiting, ch.Session.Status)
	assert.Equal(t, "bob@example.com", ch.Session.Contact)
	assert.Equal(t, 1, countRole(ch.Session, model.RoleSystem))
}

func TestRequestHumanOnActiveHumanIsNoop(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	_, err := st.Transition(ctx, org, "S1", Event{Kind: EventRequestHuman})
	require.NoError(t, err)
	_, err = st.Transition(ctx, org, "S1", Event{Kind: EventAccept, OperatorID: "O1"})
	require.NoError(t, err)

	ch, err := st.Transition(ctx, org, "S1", Event{Kind: EventRequestHuman})
	require.NoError(t, err)
	assert.False(t, ch.Changed)
	assert.Equal(t, model.StatusActive, ch.Session.Status)
	assert.Equal(t, "O1", ch.Session.Operator())
}

func TestAcceptAndSecondAcceptRejected(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	_, err := st.Transition(ctx, org, "S1", Event{Kind: EventRequestHuman})
	require.NoError(t, err)

	ch, err := st.Transition(ctx, org, "S1", Event{Kind: EventAccept, OperatorID: "O1"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, ch.Session.Status)
	assert.Equal(t, "O1", ch.Session.Operator())
	require.Len(t, ch.Appended, 1)
	assert.Equal(t, NoticeJoined, ch.Appended[0].Text)

	_, err = st.Transition(ctx, org, "S1", Event{Kind: EventAccept, OperatorID: "O2"})
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "already active")

	got, err := st.Get(ctx, org, "S1")
	require.NoError(t, err)
	assert.Equal(t, "O1", got.Operator())
}

func TestAcceptRequiresWaiting(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	_, err := st.Transition(ctx, org, "missing", Event{Kind: EventAccept, OperatorID: "O1"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = st.AppendMessage(ctx, org, "S1", model.RoleVisitor, "", "hello")
	require.NoError(t, err)
	_, err = st.Transition(ctx, org, "S1", Event{Kind: EventAccept, OperatorID: "O1"})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestConcurrentAcceptHasOneWinner(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	_, err := st.Transition(ctx, org, "S1", Event{Kind: EventRequestHuman})
	require.NoError(t, err)

	const n = 32
	var (
		wg       sync.WaitGroup
		wins     atomic.Int32
		rejected atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.Transition(ctx, org, "S1", Event{Kind: EventAccept, OperatorID: "op"})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrInvalidTransition):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
	assert.EqualValues(t, n-1, rejected.Load())

	got, err := st.Get(ctx, org, "S1")
	require.NoError(t, err)
	assert.Equal(t, 2, countRole(got, model.RoleSystem), "one waiting notice plus one joined notice")
}

func TestClosedIsAbsorbing(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	_, err := st.Transition(ctx, org, "S1", Event{Kind: EventRequestHuman})
	require.NoError(t, err)
	_, err = st.Transition(ctx, org, "S1", Event{Kind: EventAccept, OperatorID: "O1"})
	require.NoError(t, err)
	_, err = st.AppendMessage(ctx, org, "S1", model.RoleOperator, "O1", "how can I help")
	require.NoError(t, err)
	_, err = st.AppendMessage(ctx, org, "S1", model.RoleVisitor, "", "thanks")
	require.NoError(t, err)
	closed, err := st.Transition(ctx, org, "S1", Event{Kind: EventClose, OperatorID: "O1"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, closed.Session.Status)
	frozen := closed.Session

	for _, ev := range []Event{
		{Kind: EventRequestHuman},
		{Kind: EventAccept, OperatorID: "O2"},
		{Kind: EventClose},
	} {
		_, err := st.Transition(ctx, org, "S1", ev)
		assert.ErrorIs(t, err, ErrInvalidTransition, ev.Kind)
	}
	for _, role := range []model.Role{model.RoleVisitor, model.RoleOperator, model.RoleAssistant} {
		_, err := st.AppendMessage(ctx, org, "S1", role, "", "late")
		assert.ErrorIs(t, err, ErrInvalidTransition, role)
	}

	got, err := st.Get(ctx, org, "S1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, got.Status)
	assert.Equal(t, model.ModeHuman, got.Mode)
	assert.Equal(t, "O1", got.Operator())
	assert.Len(t, got.Messages, len(frozen.Messages))
}

func TestCloseWaitingSessionDirectly(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	_, err := st.Transition(ctx, org, "S1", Event{Kind: EventRequestHuman})
	require.NoError(t, err)
	ch, err := st.Transition(ctx, org, "S1", Event{Kind: EventClose})
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, ch.Session.Status)
	assert.Nil(t, ch.Session.AssignedOperator)
}

func TestCloseAssistantSessionRejected(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	_, err := st.AppendMessage(ctx, org, "S1", model.RoleVisitor, "", "hello")
	require.NoError(t, err)
	_, err = st.Transition(ctx, org, "S1", Event{Kind: EventClose})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestOperatorMessageNeedsHumanMode(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	_, err := st.AppendMessage(ctx, org, "S1", model.RoleVisitor, "", "hello")
	require.NoError(t, err)
	_, err = st.AppendMessage(ctx, org, "S1", model.RoleOperator, "O1", "hi")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestMarkReadOnlyMovesForward(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	_, err := st.Transition(ctx, org, "S1", Event{Kind: EventRequestHuman})
	require.NoError(t, err)
	first, err := st.AppendMessage(ctx, org, "S1", model.RoleVisitor, "", "one")
	require.NoError(t, err)
	_, err = st.AppendMessage(ctx, org, "S1", model.RoleVisitor, "", "two")
	require.NoError(t, err)

	ch, err := st.MarkRead(ctx, org, "S1", model.RoleOperator, first.Appended[0].ID)
	require.NoError(t, err)
	assert.True(t, ch.Changed)
	assert.Equal(t, 1, ch.Session.UnreadByOperator())

	_, err = st.Transition(ctx, org, "S1", Event{Kind: EventClose})
	require.NoError(t, err)

	ch, err = st.MarkRead(ctx, org, "S1", model.RoleOperator)
	require.NoError(t, err, "read flags may change after close")
	assert.Equal(t, 0, ch.Session.UnreadByOperator())

	ch, err = st.MarkRead(ctx, org, "S1", model.RoleOperator)
	require.NoError(t, err)
	assert.False(t, ch.Changed)
}

func TestListForOrganization(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	tick := now
	st := NewStore(memory.New(), WithClock(func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}))
	ctx := context.Background()

	_, err := st.Transition(ctx, org, "A", Event{Kind: EventRequestHuman})
	require.NoError(t, err)
	_, err = st.Transition(ctx, org, "B", Event{Kind: EventRequestHuman})
	require.NoError(t, err)
	_, err = st.AppendMessage(ctx, org, "C", model.RoleVisitor, "", "hi")
	require.NoError(t, err)
	_, err = st.AppendMessage(ctx, "org2", "D", model.RoleVisitor, "", "hi")
	require.NoError(t, err)

	waiting, err := st.ListForOrganization(ctx, org, model.StatusWaiting)
	require.NoError(t, err)
	require.Len(t, waiting, 2)
	assert.Equal(t, "B", waiting[0].ID)
	assert.Equal(t, "A", waiting[1].ID)

	all, err := st.ListForOrganization(ctx, org)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSessionIDFromOtherOrganizationIsNotFound(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	_, err := st.AppendMessage(ctx, org, "S1", model.RoleVisitor, "", "hello")
	require.NoError(t, err)

	_, err = st.Get(ctx, "org2", "S1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.Transition(ctx, "org2", "S1", Event{Kind: EventAccept, OperatorID: "O1"})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.AppendMessage(ctx, "org2", "S1", model.RoleVisitor, "", "hijack")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.Transition(ctx, "org2", "S1", Event{Kind: EventRequestHuman})
	assert.ErrorIs(t, err, ErrNotFound)

	own, err := st.Get(ctx, org, "S1")
	require.NoError(t, err)
	assert.Len(t, own.Messages, 1)
}

func TestSaveRetriedOnce(t *testing.T) {
	p := &flakyPersister{Client: memory.New()}
	st := NewStore(p, WithRetryBackoff(time.Millisecond))
	ctx := context.Background()

	p.failures.Store(1)
	_, err := st.AppendMessage(ctx, org, "S1", model.RoleVisitor, "", "hello")
	require.NoError(t, err)
	assert.EqualValues(t, 2, p.saves.Load())

	p.failures.Store(2)
	_, err = st.AppendMessage(ctx, org, "S1", model.RoleVisitor, "", "lost")
	require.ErrorIs(t, err, ErrIO)

	got, err := st.Get(ctx, org, "S1")
	require.NoError(t, err)
	assert.Len(t, got.Messages, 1, "failed save must not commit")
}

func TestLoadsOrganizationFromPersistence(t *testing.T) {
	mem := memory.New()
	ctx := context.Background()
	require.NoError(t, mem.Save(ctx, &model.Session{
		ID: "old", OrganizationID: org, Mode: model.ModeHuman, Status: model.StatusWaiting,
		LastActivity: time.Now(),
	}))

	st := NewStore(mem)
	ch, err := st.Transition(ctx, org, "old", Event{Kind: EventAccept, OperatorID: "O1"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, ch.Session.Status)
}

func TestSnapshotsAreCopies(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	_, err := st.AppendMessage(ctx, org, "S1", model.RoleVisitor, "", "hello")
	require.NoError(t, err)

	got, err := st.Get(ctx, org, "S1")
	require.NoError(t, err)
	got.Messages[0].Text = "tampered"
	got.Status = model.StatusClosed

	again, err := st.Get(ctx, org, "S1")
	require.NoError(t, err)
	assert.Equal(t, "hello", again.Messages[0].Text)
	assert.Equal(t, model.StatusActive, again.Status)
}

func TestStoredSessionOfUnloadedOrganizationIsNotTakenOver(t *testing.T) {
	mem := memory.New()
	ctx := context.Background()
	owned := &model.Session{ID: "S1", OrganizationID: "orgB", Mode: model.ModeAssistant, Status: model.StatusActive, LastActivity: time.Now()}
	owned.Messages = append(owned.Messages, model.NewMessage("m1", model.RoleVisitor, "", "mine", time.Now()))
	require.NoError(t, mem.Save(ctx, owned))

	st := NewStore(mem, WithRetryBackoff(time.Millisecond))
	_, err := st.AppendMessage(ctx, "orgA", "S1", model.RoleVisitor, "", "takeover")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrIO)
	_, err = st.Transition(ctx, "orgA", "S1", Event{Kind: EventRequestHuman})
	assert.ErrorIs(t, err, ErrNotFound)

	empty, err := st.ListForOrganization(ctx, "orgA")
	require.NoError(t, err)
	assert.Empty(t, empty)

	got, err := st.Get(ctx, "orgB", "S1")
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "mine", got.Messages[0].Text)

	stored, err := mem.LoadByOrg(ctx, "orgB")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "orgB", stored[0].OrganizationID)
}

type foreignPersister struct {
	*memory.Client
	saves atomic.Int32
}

func (f *foreignPersister) Save(context.Context, *model.Session) error {
	f.saves.Add(1)
	return storage.ErrOwnedElsewhere
}

func TestForeignSaveIsNotRetried(t *testing.T) {
	p := &foreignPersister{Client: memory.New()}
	st := NewStore(p, WithRetryBackoff(time.Millisecond))
	_, err := st.AppendMessage(context.Background(), org, "S1", model.RoleVisitor, "", "hi")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), p.saves.Load())
}

type slowLoadPersister struct {
	*memory.Client
	started chan struct{}
	release chan struct{}
	loads   atomic.Int32
}

func (p *slowLoadPersister) LoadByOrg(ctx context.Context, orgID string) ([]*model.Session, error) {
	if p.loads.Add(1) == 1 {
		close(p.started)
	}
	select {
	case <-p.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return p.Client.LoadByOrg(ctx, orgID)
}

func TestCancelledCallerDoesNotFailSharedLoad(t *testing.T) {
	p := &slowLoadPersister{Client: memory.New(), started: make(chan struct{}), release: make(chan struct{})}
	st := NewStore(p, WithRetryBackoff(time.Millisecond))

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := st.ListForOrganization(firstCtx, org)
		firstErr <- err
	}()
	<-p.started

	secondErr := make(chan error, 1)
	go func() {
		_, err := st.ListForOrganization(context.Background(), org)
		secondErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstErr, ErrIO)

	close(p.release)
	require.NoError(t, <-secondErr)
	assert.Equal(t, int32(1), p.loads.Load())
}
