// Package persist сохраняет состояние контроллеров при каждом изменении и
// восстанавливает его один раз при старте. Ошибки хранилища только логируются:
// сессия продолжает работать, просто без сохранения.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/livechat/internal/logger"
	"github.com/livechat/internal/metrics"
	"github.com/livechat/internal/model"
	"github.com/livechat/internal/storage"
)

const saveTimeout = 3 * time.Second

// VisitorState: состояние виджета посетителя.
type VisitorState struct {
	RoomID      string          `json:"roomId"`
	Started     bool            `json:"started"`
	Minimized   bool            `json:"minimized"`
	Name        string          `json:"name"`
	Email       string          `json:"email"`
	AdminStatus string          `json:"adminStatus"`
	Messages    []model.Message `json:"messages"`
}

// AdminState: состояние консоли администратора.
type AdminState struct {
	Rooms          []model.Room               `json:"rooms"`
	ActiveRoomID   string                     `json:"activeRoomId"`
	MessagesByRoom map[string][]model.Message `json:"messagesByRoom"`
}

// Layer привязывает один блоб состояния к одному ключу хранилища.
type Layer struct {
	store storage.Store
	key   string
}

func New(store storage.Store, key string) *Layer {
	return &Layer{store: store, key: key}
}

func (l *Layer) Key() string {
	return l.key
}

// Save кодирует v и пишет в хранилище; ошибок не возвращает.
func (l *Layer) Save(ctx context.Context, v any) {
	if l == nil || l.store == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		metrics.PersistFailures.Inc()
		logger.Errorf("persist %s: encode: %v", l.key, err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, saveTimeout)
	defer cancel()
	if err := l.store.Set(ctx, l.key, data); err != nil {
		metrics.PersistFailures.Inc()
		logger.Errorf("persist %s: %v", l.key, err)
	}
}

// Load декодирует сохранённый блоб в v; false, если пригодных данных нет.
func (l *Layer) Load(ctx context.Context, v any) bool {
	if l == nil || l.store == nil {
		return false
	}
	data, err := l.store.Get(ctx, l.key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Errorf("persist %s: load: %v", l.key, err)
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		logger.Errorf("persist %s: corrupt blob ignored: %v", l.key, err)
		return false
	}
	return true
}

// LoadVisitor: сохранённое состояние посетителя или нулевое.
func (l *Layer) LoadVisitor(ctx context.Context) (VisitorState, bool) {
	var s VisitorState
	if !l.Load(ctx, &s) {
		return VisitorState{}, false
	}
	return s, true
}

// LoadAdmin: сохранённое состояние администратора или нулевое.
func (l *Layer) LoadAdmin(ctx context.Context) (AdminState, bool) {
	var s AdminState
	if !l.Load(ctx, &s) {
		return AdminState{}, false
	}
	if s.MessagesByRoom == nil {
		s.MessagesByRoom = map[string][]model.Message{}
	}
	return s, true
}
