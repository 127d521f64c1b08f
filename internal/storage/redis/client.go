package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/supportchat/internal/model"
	"github.com/supportchat/internal/storage"
)

// Ключи: support:session:{id} — JSON снимок сессии, support:org:{org} — множество id сессий организации.
const (
	sessionKeyPrefix = "support:session:"
	orgKeyPrefix     = "support:org:"
	seqKey           = "support:session_seq"

	maxSaveAttempts = 3
)

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

// NewWithClient оборачивает уже созданный клиент (тесты, общий пул).
func NewWithClient(cli *redis.Client) *Client {
	return &Client{cli: cli}
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// Save сохраняет снимок сессии целиком под WATCH ключа сессии: запись чужой
// организации не перезаписывается (storage.ErrOwnedElsewhere).
// DBID выдаётся через INCR при первом сохранении.
func (c *Client) Save(ctx context.Context, s *model.Session) error {
	key := sessionKeyPrefix + s.ID
	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		err := c.cli.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				return fmt.Errorf("redis read session %s: %w", s.ID, err)
			default:
				var owner struct {
					OrganizationID string `json:"organization_id"`
				}
				if err := json.Unmarshal(raw, &owner); err != nil {
					return fmt.Errorf("redis decode session %s: %w", s.ID, err)
				}
				if owner.OrganizationID != s.OrganizationID {
					return fmt.Errorf("redis save %s: %w", s.ID, storage.ErrOwnedElsewhere)
				}
			}
			if s.DBID == 0 {
				id, err := tx.Incr(ctx, seqKey).Result()
				if err != nil {
					return fmt.Errorf("redis session seq: %w", err)
				}
				s.DBID = id
			}
			data, err := json.Marshal(s)
			if err != nil {
				return fmt.Errorf("redis marshal session %s: %w", s.ID, err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				pipe.SAdd(ctx, orgKeyPrefix+s.OrganizationID, s.ID)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, storage.ErrOwnedElsewhere) {
			return fmt.Errorf("redis save session %s: %w", s.ID, err)
		}
		return err
	}
	return fmt.Errorf("redis save session %s: key kept changing", s.ID)
}

func (c *Client) LoadByOrg(ctx context.Context, orgID string) ([]*model.Session, error) {
	ids, err := c.cli.SMembers(ctx, orgKeyPrefix+orgID).Result()
	if err != nil {
		return nil, fmt.Errorf("redis org sessions %s: %w", orgID, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKeyPrefix + id
	}
	vals, err := c.cli.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis load sessions %s: %w", orgID, err)
	}
	out := make([]*model.Session, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// Set member without a snapshot: saved under a different org or removed by an admin.
			continue
		}
		var s model.Session
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("redis decode session %s: %w", ids[i], err)
		}
		out = append(out, &s)
	}
	return out, nil
}

// FlushDB очищает текущую БД Redis (для тестов).
func (c *Client) FlushDB(ctx context.Context) error {
	return c.cli.FlushDB(ctx).Err()
}
