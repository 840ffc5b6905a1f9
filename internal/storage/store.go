package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound: ключа нет (или истёк TTL).
var ErrNotFound = errors.New("storage: not found")

// Store: долговременное хранилище состояния клиента: один JSON-блоб на ключ.
// Реализации: memory.Client (тесты, без сохранения между запусками),
// filestore.Client (файл на ключ), redis.Client.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte) error
	// SetTTL сохраняет значение, которое живёт не дольше ttl (кеш учётных данных «на сессию»).
	SetTTL(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}
