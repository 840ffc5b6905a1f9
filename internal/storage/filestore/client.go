// Package filestore: хранилище состояния чата в файлах: один файл на ключ.
// Используется консольным клиентом, чтобы комнаты и сообщения переживали перезапуск.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/livechat/internal/storage"
)

const (
	dataExt = ".json"
	expExt  = ".exp"
)

type Client struct {
	mu  sync.Mutex
	dir string
}

// New создаёт каталог dir (если его нет) и возвращает клиента.
func New(dir string) (*Client, error) {
	if dir == "" {
		return nil, errors.New("filestore: empty dir")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("filestore mkdir %s: %w", dir, err)
	}
	return &Client{dir: dir}, nil
}

func (c *Client) Close() error { return nil }

func (c *Client) path(key, ext string) string {
	return filepath.Join(c.dir, url.PathEscape(key)+ext)
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expired(key) {
		c.remove(key)
		return nil, storage.ErrNotFound
	}
	data, err := os.ReadFile(c.path(key, dataExt))
	if errors.Is(err, os.ErrNotExist) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("filestore read %s: %w", key, err)
	}
	return data, nil
}

func (c *Client) Set(ctx context.Context, key string, val []byte) error {
	return c.SetTTL(ctx, key, val, 0)
}

// SetTTL пишет атомарно (временный файл + rename); срок жизни хранится рядом в файле .exp.
func (c *Client) SetTTL(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := writeAtomic(c.path(key, dataExt), val); err != nil {
		return fmt.Errorf("filestore write %s: %w", key, err)
	}
	expPath := c.path(key, expExt)
	if ttl <= 0 {
		if err := os.Remove(expPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("filestore clear ttl %s: %w", key, err)
		}
		return nil
	}
	exp := strconv.FormatInt(time.Now().Add(ttl).UnixMilli(), 10)
	if err := writeAtomic(expPath, []byte(exp)); err != nil {
		return fmt.Errorf("filestore write ttl %s: %w", key, err)
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remove(key)
}

func (c *Client) remove(key string) error {
	for _, ext := range []string{dataExt, expExt} {
		if err := os.Remove(c.path(key, ext)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("filestore delete %s: %w", key, err)
		}
	}
	return nil
}

func (c *Client) expired(key string) bool {
	raw, err := os.ReadFile(c.path(key, expExt))
	if err != nil {
		return false
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return false
	}
	return time.Now().UnixMilli() > ms
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
