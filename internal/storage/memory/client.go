package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/supportchat/internal/model"
	"github.com/supportchat/internal/storage"
)

// Client keeps sessions in process memory. Used with -dev and in tests.
type Client struct {
	mu       sync.RWMutex
	seq      int64
	sessions map[string]*model.Session
	byOrg    map[string][]string
}

func New() *Client {
	return &Client{
		sessions: make(map[string]*model.Session),
		byOrg:    make(map[string][]string),
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) Save(ctx context.Context, s *model.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.sessions[s.ID]
	if ok && existing.OrganizationID != s.OrganizationID {
		return fmt.Errorf("memory save %s: %w", s.ID, storage.ErrOwnedElsewhere)
	}
	if s.DBID == 0 {
		c.seq++
		s.DBID = c.seq
	}
	if !ok {
		c.byOrg[s.OrganizationID] = append(c.byOrg[s.OrganizationID], s.ID)
	}
	c.sessions[s.ID] = s.Clone()
	return nil
}

func (c *Client) LoadByOrg(ctx context.Context, orgID string) ([]*model.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := c.byOrg[orgID]
	out := make([]*model.Session, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.sessions[id].Clone())
	}
	return out, nil
}
