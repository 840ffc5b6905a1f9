package ws

import (
	"strings"

	"github.com/livechat/internal/model"
	"github.com/livechat/internal/transport"
)

// topicKind: метка темы для метрик (без id комнаты, чтобы не раздувать кардинальность).
func topicKind(topic string) string {
	switch {
	case topic == transport.TopicPresence:
		return "presence"
	case topic == transport.TopicJoin:
		return "join"
	case strings.HasPrefix(topic, transport.RoomTopic("")):
		return "room"
	default:
		return "other"
	}
}

// presencePayload: уведомление о статусе администратора.
type presencePayload struct {
	Type   model.Kind `json:"type"`
	From   model.Role `json:"from"`
	RoomID string     `json:"roomId,omitempty"`
	Text   string     `json:"text"`
	Status string     `json:"status"`
	TS     int64      `json:"ts"`
}

func newPresence(online bool, roomID string, ts int64) presencePayload {
	v := model.StatusAdminAway
	if online {
		v = model.StatusAdminOnline
	}
	return presencePayload{Type: model.KindStatus, From: model.RoleStatus, RoomID: roomID, Text: v, Status: v, TS: ts}
}

// joinPayload: анонс новой (или вернувшейся) комнаты для консоли.
type joinPayload struct {
	Type   model.Kind `json:"type"`
	RoomID string     `json:"roomId"`
	Name   string     `json:"name,omitempty"`
	Email  string     `json:"email,omitempty"`
	TS     int64      `json:"ts"`
}

type pingPayload struct {
	RoomID string `json:"roomId"`
}
