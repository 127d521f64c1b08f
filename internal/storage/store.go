package storage

import (
	"context"
	"errors"

	"github.com/supportchat/internal/model"
)

// ErrOwnedElsewhere is returned by Save when the session id is already stored
// under a different organization. The stored record is left untouched.
var ErrOwnedElsewhere = errors.New("session id owned by another organization")

// Persister is the durable log behind the session store.
// Implementations: repository.SessionRepository (Postgres), redis.Client, memory.Client (-dev, tests).
type Persister interface {
	// Save upserts the session and its messages. A zero DBID is assigned on first save.
	// Saving over a record of another organization fails with ErrOwnedElsewhere.
	Save(ctx context.Context, s *model.Session) error
	LoadByOrg(ctx context.Context, orgID string) ([]*model.Session, error)
	Close() error
}
