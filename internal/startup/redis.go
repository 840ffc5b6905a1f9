package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/livechat/internal/logger"
	redisstorage "github.com/livechat/internal/storage/redis"
)

// ConnectRedisWithRetry подключается к Redis с повторами и экспоненциальной паузой.
// В отличие от сервера, клиент чата не падает: после maxWait возвращается ошибка,
// и вызывающий переходит на хранилище в памяти.
func ConnectRedisWithRetry(ctx context.Context, redisURL, prefix string, maxWait time.Duration) (*redisstorage.Client, error) {
	deadline := time.Now().Add(maxWait)
	backoff := 500 * time.Millisecond
	for {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		client, err := redisstorage.New(pingCtx, redisURL, prefix)
		cancel()
		if err == nil {
			return client, nil
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return nil, fmt.Errorf("redis (gave up after %v): %w", maxWait, err)
		}
		logger.Errorf("redis connect failed, retry in %v: %v", backoff, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 8*time.Second {
			backoff *= 2
		}
	}
}
