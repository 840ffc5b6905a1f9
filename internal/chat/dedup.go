// Package chat: клиентское состояние синхронизации: множества уже виденных
// сообщений по комнатам, реестр комнат и ограниченное хранилище сообщений.
//
// Типы пакета не потокобезопасны: доступ сериализует владеющий контроллер.
package chat

import "github.com/livechat/internal/model"

// Deduplicator помнит, какие ключи сообщений уже встречались в каждой комнате.
type Deduplicator struct {
	seen map[string]map[string]struct{}
}

func NewDeduplicator() *Deduplicator {
	return &Deduplicator{seen: make(map[string]map[string]struct{})}
}

// MarkSeen отмечает m в комнате roomID: true при первом появлении, false на повторе.
func (d *Deduplicator) MarkSeen(roomID string, m model.Message) bool {
	set := d.room(roomID)
	k := m.Key()
	if _, ok := set[k]; ok {
		return false
	}
	set[k] = struct{}{}
	return true
}

// Seen: проверка без записи.
func (d *Deduplicator) Seen(roomID string, m model.Message) bool {
	_, ok := d.seen[roomID][m.Key()]
	return ok
}

func (d *Deduplicator) Seed(roomID string, msgs []model.Message) {
	set := d.room(roomID)
	for _, m := range msgs {
		set[m.Key()] = struct{}{}
	}
}

func (d *Deduplicator) Len(roomID string) int {
	return len(d.seen[roomID])
}

func (d *Deduplicator) room(roomID string) map[string]struct{} {
	set, ok := d.seen[roomID]
	if !ok {
		set = make(map[string]struct{})
		d.seen[roomID] = set
	}
	return set
}
