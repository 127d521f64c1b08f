package startup

import (
	"context"
	"time"

	redisstorage "github.com/supportchat/internal/storage/redis"
)

// ConnectRedisWithRetry подключается к Redis (хранилище сессий) с повторами до maxWait.
func ConnectRedisWithRetry(ctx context.Context, redisURL string, maxWait time.Duration) (*redisstorage.Client, error) {
	var client *redisstorage.Client
	err := retry("redis", maxWait, func() error {
		connCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		c, err := redisstorage.New(connCtx, redisURL)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}
