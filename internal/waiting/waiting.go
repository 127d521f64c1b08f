// Package waiting derives an organization's waiting list from the session store.
// The list is recomputed on every call and never cached.
package waiting

import (
	"context"
	"fmt"
	"sort"

	"github.com/supportchat/internal/model"
)

// Source is the slice of the session store the aggregator reads.
type Source interface {
	ListForOrganization(ctx context.Context, orgID string, statuses ...model.Status) ([]*model.Session, error)
}

type Aggregator struct {
	src Source
}

func NewAggregator(src Source) *Aggregator {
	return &Aggregator{src: src}
}

// Compute lists human-mode sessions that are waiting or active, most recent activity first.
func (a *Aggregator) Compute(ctx context.Context, orgID string) ([]model.WaitingItem, error) {
	sessions, err := a.src.ListForOrganization(ctx, orgID, model.StatusWaiting, model.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("waiting list org=%s: %w", orgID, err)
	}
	return Build(sessions), nil
}

// Build maps sessions to waiting-list rows. Sessions outside the view are skipped.
func Build(sessions []*model.Session) []model.WaitingItem {
	items := make([]model.WaitingItem, 0, len(sessions))
	for _, s := range sessions {
		if s.Mode != model.ModeHuman || (s.Status != model.StatusWaiting && s.Status != model.StatusActive) {
			continue
		}
		items = append(items, model.WaitingItem{
			SessionID:        s.ID,
			DisplayName:      s.DisplayName,
			Status:           s.Status,
			AssignedOperator: s.Operator(),
			LastActivity:     s.LastActivity,
			UnreadCount:      s.UnreadByOperator(),
			LastMessage:      s.LastMessage(),
		})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].LastActivity.Equal(items[j].LastActivity) {
			return items[i].LastActivity.After(items[j].LastActivity)
		}
		return items[i].SessionID < items[j].SessionID
	})
	return items
}
