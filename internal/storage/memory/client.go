package memory

import (
	"context"
	"sync"
	"time"

	"github.com/livechat/internal/storage"
)

type item struct {
	val []byte
	exp time.Time // zero: без срока
}

func (i item) expired(now time.Time) bool {
	return !i.exp.IsZero() && now.After(i.exp)
}

// Client: хранилище в памяти процесса. Данные теряются при выходе.
type Client struct {
	mu    sync.RWMutex
	items map[string]item
	// failWith: если задано, Set/SetTTL возвращают эту ошибку (имитация переполненного хранилища).
	failWith error
}

func New() *Client {
	return &Client{items: make(map[string]item)}
}

// FailWrites заставляет все последующие записи завершаться err; nil возвращает нормальный режим.
func (c *Client) FailWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failWith = err
}

func (c *Client) Close() error { return nil }

func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[key]
	if !ok || v.expired(time.Now()) {
		return nil, storage.ErrNotFound
	}
	out := make([]byte, len(v.val))
	copy(out, v.val)
	return out, nil
}

func (c *Client) Set(ctx context.Context, key string, val []byte) error {
	return c.SetTTL(ctx, key, val, 0)
}

func (c *Client) SetTTL(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return c.failWith
	}
	it := item{val: append([]byte(nil), val...)}
	if ttl > 0 {
		it.exp = time.Now().Add(ttl)
	}
	c.items[key] = it
	return nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	return nil
}
