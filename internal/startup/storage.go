package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/livechat/internal/config"
	"github.com/livechat/internal/logger"
	"github.com/livechat/internal/storage"
	"github.com/livechat/internal/storage/filestore"
	"github.com/livechat/internal/storage/memory"
)

// OpenStore открывает хранилище по конфигурации. Если Redis недоступен дольше maxWait,
// используется хранилище в памяти: состояние не переживёт перезапуск, но клиент работает.
func OpenStore(ctx context.Context, cfg config.StorageConfig, maxWait time.Duration) (storage.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return memory.New(), nil
	case "file":
		fs, err := filestore.New(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("file storage %s: %w", cfg.Dir, err)
		}
		logger.Infof("storage: files in %s", cfg.Dir)
		return fs, nil
	case "redis":
		rc, err := ConnectRedisWithRetry(ctx, cfg.RedisURL, cfg.RedisPrefix, maxWait)
		if err != nil {
			logger.Errorf("storage: %v; falling back to memory", err)
			return memory.New(), nil
		}
		logger.Infof("storage: redis prefix=%s", cfg.RedisPrefix)
		return rc, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
