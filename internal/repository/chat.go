package repository

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/livechat/internal/logger"
	"github.com/livechat/internal/model"
	"github.com/livechat/internal/persist"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrEmptyRoom = errors.New("room id required")
	ErrEmptyText = errors.New("text required")
)

// DefaultRoomHistory: сколько сообщений relay хранит на комнату.
const DefaultRoomHistory = 500

type roomRecord struct {
	Room     model.Room      `json:"room"`
	Messages []model.Message `json:"messages"`
}

// ChatRepository: комнаты и их сообщения на стороне relay.
// Состояние держится в памяти; если задан layer, снимок сохраняется после каждого изменения.
type ChatRepository struct {
	mu    sync.RWMutex
	rooms map[string]*roomRecord
	limit int
	layer *persist.Layer
	now   func() time.Time
}

func NewChatRepository(layer *persist.Layer, limit int) *ChatRepository {
	if limit <= 0 {
		limit = DefaultRoomHistory
	}
	r := &ChatRepository{
		rooms: make(map[string]*roomRecord),
		limit: limit,
		layer: layer,
		now:   time.Now,
	}
	var snap []roomRecord
	if layer.Load(context.Background(), &snap) {
		for i := range snap {
			rec := snap[i]
			if rec.Room.ID == "" {
				continue
			}
			r.rooms[rec.Room.ID] = &rec
		}
		logger.Infof("chatRepo: restored %d rooms", len(r.rooms))
	}
	return r
}

// UpsertRoom создаёт комнату или сливает метаданные с существующей.
func (r *ChatRepository) UpsertRoom(ctx context.Context, room model.Room) (model.Room, error) {
	defer logger.DeferLogDuration("chat.UpsertRoom", time.Now())()
	room.ID = strings.TrimSpace(room.ID)
	if room.ID == "" {
		return model.Room{}, ErrEmptyRoom
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.roomLocked(room.ID)
	if room.LastActivity == 0 {
		room.LastActivity = r.now().UnixMilli()
	}
	rec.Room = rec.Room.Merge(room)
	r.saveLocked(ctx)
	return rec.Room, nil
}

// AddMessage сохраняет сообщение: выдаёт id и ts, если их нет, и поднимает активность комнаты.
// Повтор по id не дублируется; второй результат: false.
func (r *ChatRepository) AddMessage(ctx context.Context, m model.Message) (model.Message, bool, error) {
	defer logger.DeferLogDuration("chat.AddMessage", time.Now())()
	if strings.TrimSpace(m.RoomID) == "" {
		return model.Message{}, false, ErrEmptyRoom
	}
	if strings.TrimSpace(m.Text) == "" {
		return model.Message{}, false, ErrEmptyText
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.TS == 0 {
		m.TS = r.now().UnixMilli()
	}
	if m.Type == "" {
		m.Type = model.KindMessage
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.roomLocked(m.RoomID)
	for _, old := range rec.Messages {
		if old.ID == m.ID {
			return old, false, nil
		}
	}
	rec.Messages = append(rec.Messages, m)
	if n := len(rec.Messages) - r.limit; n > 0 {
		rec.Messages = append([]model.Message(nil), rec.Messages[n:]...)
	}
	upd := model.Room{ID: m.RoomID, LastActivity: m.TS}
	if m.From == model.RoleVisitor {
		upd.Name, upd.Email = m.Name, m.Email
	}
	rec.Room = rec.Room.Merge(upd)
	r.saveLocked(ctx)
	return m, true, nil
}

// ListRooms: все комнаты, самые свежие первыми.
func (r *ChatRepository) ListRooms(ctx context.Context) []model.Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Room, 0, len(r.rooms))
	for _, rec := range r.rooms {
		out = append(out, rec.Room)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivity != out[j].LastActivity {
			return out[i].LastActivity > out[j].LastActivity
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Messages: история комнаты в порядке поступления. Для неизвестной комнаты ErrNotFound.
func (r *ChatRepository) Messages(ctx context.Context, roomID string) ([]model.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]model.Message, len(rec.Messages))
	copy(out, rec.Messages)
	return out, nil
}

func (r *ChatRepository) roomLocked(id string) *roomRecord {
	rec, ok := r.rooms[id]
	if !ok {
		rec = &roomRecord{Room: model.Room{ID: id}}
		r.rooms[id] = rec
	}
	return rec
}

func (r *ChatRepository) saveLocked(ctx context.Context) {
	if r.layer == nil {
		return
	}
	snap := make([]roomRecord, 0, len(r.rooms))
	for _, rec := range r.rooms {
		snap = append(snap, *rec)
	}
	r.layer.Save(ctx, snap)
}
