// Package auth builds and caches the admin credential: one opaque
// Authorization header value shared by REST calls and the live channel handshake.
package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/livechat/internal/logger"
	"github.com/livechat/internal/storage"
)

const (
	DefaultKey = "admin_basic_auth"
	DefaultTTL = 12 * time.Hour
)

// Basic returns the HTTP Basic header value for user and pass.
func Basic(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

// Mask hides everything after the scheme for log lines.
func Mask(cred string) string {
	if cred == "" {
		return ""
	}
	if i := strings.IndexByte(cred, ' '); i > 0 {
		return cred[:i] + " ***"
	}
	return "***"
}

// Cache keeps the credential for one session. The value expires after the
// configured TTL and is removed on logout.
type Cache struct {
	store storage.Store
	key   string
	ttl   time.Duration
}

// NewCache binds the cache to store. Empty key and non-positive ttl take defaults.
func NewCache(store storage.Store, key string, ttl time.Duration) *Cache {
	if key == "" {
		key = DefaultKey
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{store: store, key: key, ttl: ttl}
}

// Load returns the cached credential, if any. Storage errors read as "none".
func (c *Cache) Load(ctx context.Context) (string, bool) {
	if c == nil || c.store == nil {
		return "", false
	}
	v, err := c.store.Get(ctx, c.key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Errorf("auth cache load: %v", err)
		}
		return "", false
	}
	cred := strings.TrimSpace(string(v))
	return cred, cred != ""
}

// Save stores cred for the session TTL.
func (c *Cache) Save(ctx context.Context, cred string) error {
	if c == nil || c.store == nil {
		return nil
	}
	if err := c.store.SetTTL(ctx, c.key, []byte(cred), c.ttl); err != nil {
		return fmt.Errorf("auth cache save: %w", err)
	}
	return nil
}

// Clear drops the cached credential. Failures are logged only.
func (c *Cache) Clear(ctx context.Context) {
	if c == nil || c.store == nil {
		return
	}
	if err := c.store.Delete(ctx, c.key); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Errorf("auth cache clear: %v", err)
	}
}
