package chat

import "github.com/livechat/internal/model"

// Лимиты хранения на комнату для каждой роли клиента.
const (
	VisitorRetention = 200
	AdminRetention   = 300
)

// Store: ограниченный список сообщений на комнату в порядке добавления.
type Store struct {
	dedup   *Deduplicator
	limit   int
	rooms   map[string][]model.Message
	fetched map[string]bool
}

// NewStore обрезает каждую комнату до limit сообщений, старые уходят первыми.
func NewStore(dedup *Deduplicator, limit int) *Store {
	if dedup == nil {
		dedup = NewDeduplicator()
	}
	if limit <= 0 {
		limit = AdminRetention
	}
	return &Store{
		dedup:   dedup,
		limit:   limit,
		rooms:   make(map[string][]model.Message),
		fetched: make(map[string]bool),
	}
}

func (s *Store) Dedup() *Deduplicator {
	return s.dedup
}

func (s *Store) Limit() int {
	return s.limit
}

// Append отмечает m как виденное и добавляет его. Повтор не меняет комнату
// и возвращает false.
func (s *Store) Append(roomID string, m model.Message) bool {
	if roomID == "" || !s.dedup.MarkSeen(roomID, m) {
		return false
	}
	s.rooms[roomID] = s.trim(append(s.rooms[roomID], m))
	return true
}

// History возвращает копию сообщений комнаты.
func (s *Store) History(roomID string) []model.Message {
	list := s.rooms[roomID]
	out := make([]model.Message, len(list))
	copy(out, list)
	return out
}

// HistoryLoaded: была ли уже применена загрузка истории для roomID.
func (s *Store) HistoryLoaded(roomID string) bool {
	return s.fetched[roomID]
}

// ReplaceHistory применяет загруженную историю один раз на комнату. Сначала
// идут сообщения сервера в его порядке, затем локальные, которых в выборке
// не было (живые кадры, пришедшие во время загрузки). Повторный вызов для той
// же комнаты игнорируется и возвращает false.
func (s *Store) ReplaceHistory(roomID string, msgs []model.Message) bool {
	if roomID == "" || s.fetched[roomID] {
		return false
	}
	s.fetched[roomID] = true

	keys := make(map[string]struct{}, len(msgs))
	merged := make([]model.Message, 0, len(msgs)+len(s.rooms[roomID]))
	for _, m := range msgs {
		k := m.Key()
		if _, dup := keys[k]; dup {
			continue
		}
		keys[k] = struct{}{}
		merged = append(merged, m)
	}
	for _, m := range s.rooms[roomID] {
		if _, dup := keys[m.Key()]; dup {
			continue
		}
		keys[m.Key()] = struct{}{}
		merged = append(merged, m)
	}
	s.dedup.Seed(roomID, merged)
	s.rooms[roomID] = s.trim(merged)
	return true
}

// Restore загружает сохранённые списки и заново заполняет дедупликатор,
// чтобы повторная доставка уже сохранённых сообщений отбрасывалась.
func (s *Store) Restore(byRoom map[string][]model.Message) {
	for roomID, msgs := range byRoom {
		if roomID == "" {
			continue
		}
		kept := make([]model.Message, 0, len(msgs))
		for _, m := range msgs {
			if s.dedup.MarkSeen(roomID, m) {
				kept = append(kept, m)
			}
		}
		s.rooms[roomID] = s.trim(kept)
	}
}

// Snapshot: глубокая копия всех списков.
func (s *Store) Snapshot() map[string][]model.Message {
	out := make(map[string][]model.Message, len(s.rooms))
	for roomID := range s.rooms {
		out[roomID] = s.History(roomID)
	}
	return out
}

func (s *Store) Rooms() []string {
	out := make([]string, 0, len(s.rooms))
	for roomID := range s.rooms {
		out = append(out, roomID)
	}
	return out
}

func (s *Store) trim(list []model.Message) []model.Message {
	if n := len(list) - s.limit; n > 0 {
		trimmed := make([]model.Message, s.limit)
		copy(trimmed, list[n:])
		return trimmed
	}
	return list
}
