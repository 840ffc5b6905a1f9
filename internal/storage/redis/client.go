package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/livechat/internal/storage"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix отделяет ключи клиента чата от прочих данных в той же БД Redis.
const DefaultPrefix = "livechat:"

type Client struct {
	cli    *redis.Client
	prefix string
}

func New(ctx context.Context, url, prefix string) (*Client, error) {
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
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Client{cli: cli, prefix: prefix}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// Get возвращает блоб по ключу {prefix}{key}; redis.Nil превращается в storage.ErrNotFound.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.cli.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

// Set сохраняет блоб без срока жизни (состояние чата живёт, пока его не перезапишут).
func (c *Client) Set(ctx context.Context, key string, val []byte) error {
	return c.SetTTL(ctx, key, val, 0)
}

// SetTTL сохраняет блоб с TTL; ttl <= 0: без срока.
func (c *Client) SetTTL(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := c.cli.Set(ctx, c.prefix+key, val, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.cli.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// FlushPrefix удаляет все ключи клиента (сброс кеша чата в тестах и при отладке).
func (c *Client) FlushPrefix(ctx context.Context) error {
	iter := c.cli.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.cli.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}
