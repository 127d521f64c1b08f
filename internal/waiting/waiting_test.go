package waiting

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportchat/internal/model"
)

type stubSource struct {
	sessions []*model.Session
	err      error
	statuses []model.Status
}

func (s *stubSource) ListForOrganization(_ context.Context, _ string, statuses ...model.Status) ([]*model.Session, error) {
	s.statuses = statuses
	return s.sessions, s.err
}

func TestComputeFiltersAndSorts(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	op := "O1"
	src := &stubSource{sessions: []*model.Session{
		{ID: "old", Mode: model.ModeHuman, Status: model.StatusWaiting, LastActivity: base},
		{ID: "bot", Mode: model.ModeAssistant, Status: model.StatusActive, LastActivity: base.Add(time.Hour)},
		{ID: "live", Mode: model.ModeHuman, Status: model.StatusActive, AssignedOperator: &op, LastActivity: base.Add(time.Minute),
			Messages: []model.Message{
				model.NewMessage("m1", model.RoleVisitor, "", "one", base),
				model.NewMessage("m2", model.RoleSystem, "", "agent joined", base),
				model.NewMessage("m3", model.RoleVisitor, "", "two", base),
				model.NewMessage("m4", model.RoleOperator, op, "hello", base),
			}},
		{ID: "done", Mode: model.ModeHuman, Status: model.StatusClosed, LastActivity: base.Add(2 * time.Hour)},
	}}

	items, err := NewAggregator(src).Compute(context.Background(), "org1")
	require.NoError(t, err)
	assert.Equal(t, []model.Status{model.StatusWaiting, model.StatusActive}, src.statuses)
	require.Len(t, items, 2)

	assert.Equal(t, "live", items[0].SessionID)
	assert.Equal(t, 2, items[0].UnreadCount)
	assert.Equal(t, "O1", items[0].AssignedOperator)
	require.NotNil(t, items[0].LastMessage)
	assert.Equal(t, "hello", items[0].LastMessage.Text)

	assert.Equal(t, "old", items[1].SessionID)
	assert.Zero(t, items[1].UnreadCount)
	assert.Nil(t, items[1].LastMessage)
}

func TestSystemNoticeIsNotUnread(t *testing.T) {
	now := time.Now()
	items := Build([]*model.Session{{
		ID: "S1", Mode: model.ModeHuman, Status: model.StatusWaiting, LastActivity: now,
		Messages: []model.Message{model.NewMessage("n", model.RoleSystem, "", "waiting for agent", now)},
	}})
	require.Len(t, items, 1)
	assert.Zero(t, items[0].UnreadCount)
}

func TestComputePropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	_, err := NewAggregator(&stubSource{err: boom}).Compute(context.Background(), "org1")
	assert.ErrorIs(t, err, boom)
}
