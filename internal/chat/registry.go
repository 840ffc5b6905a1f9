package chat

import (
	"sort"
	"time"

	"github.com/livechat/internal/model"
)

// Registry: комнаты по ID с метаданными, упорядоченные по последней активности.
type Registry struct {
	rooms map[string]model.Room
	order []string
	now   func() int64
}

// NewRegistry создаёт пустой реестр. now отдаёт epoch millis для комнат без
// времени активности; nil: системные часы.
func NewRegistry(now func() int64) *Registry {
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	return &Registry{rooms: make(map[string]model.Room), now: now}
}

// Upsert вливает u в реестр; true, если комната новая. Пустой ID игнорируется.
func (r *Registry) Upsert(u model.Room) bool {
	if u.ID == "" {
		return false
	}
	cur, ok := r.rooms[u.ID]
	if !ok {
		if u.LastActivity == 0 {
			u.LastActivity = r.now()
		}
		r.rooms[u.ID] = u
		r.order = append(r.order, u.ID)
		r.sort()
		return true
	}
	next := cur.Merge(u)
	if next != cur {
		r.rooms[u.ID] = next
		r.sort()
	}
	return false
}

// Touch сдвигает активность известной комнаты на ts, если ts позже.
func (r *Registry) Touch(roomID string, ts int64) {
	cur, ok := r.rooms[roomID]
	if !ok || ts <= cur.LastActivity {
		return
	}
	cur.LastActivity = ts
	r.rooms[roomID] = cur
	r.sort()
}

func (r *Registry) Get(roomID string) (model.Room, bool) {
	room, ok := r.rooms[roomID]
	return room, ok
}

func (r *Registry) Len() int {
	return len(r.rooms)
}

// List: комнаты по убыванию активности, при равенстве по ID.
func (r *Registry) List() []model.Room {
	out := make([]model.Room, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.rooms[id])
	}
	return out
}

// Restore заменяет содержимое реестра (дубликаты сливаются).
func (r *Registry) Restore(rooms []model.Room) {
	r.rooms = make(map[string]model.Room, len(rooms))
	r.order = r.order[:0]
	for _, room := range rooms {
		if room.ID == "" {
			continue
		}
		if cur, ok := r.rooms[room.ID]; ok {
			r.rooms[room.ID] = cur.Merge(room)
			continue
		}
		r.rooms[room.ID] = room
		r.order = append(r.order, room.ID)
	}
	r.sort()
}

func (r *Registry) sort() {
	sort.SliceStable(r.order, func(i, j int) bool {
		a, b := r.rooms[r.order[i]], r.rooms[r.order[j]]
		if a.LastActivity != b.LastActivity {
			return a.LastActivity > b.LastActivity
		}
		return a.ID < b.ID
	})
}
