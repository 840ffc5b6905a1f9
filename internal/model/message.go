package model

import "strconv"

// Role: автор сообщения.
type Role string

const (
	RoleVisitor Role = "visitor"
	RoleAdmin   Role = "admin"
	RoleStatus  Role = "status"
)

// Kind отличает обычный текст от служебных уведомлений.
type Kind string

const (
	KindMessage Kind = "MSG"
	KindStatus  Kind = "STATUS"
	KindJoin    Kind = "JOIN"
	// Альтернативное написание STATUS у некоторых бэкендов.
	KindAdminStatus Kind = "ADMIN_STATUS"
)

// Message: одна реплика в комнате.
type Message struct {
	ID     string `json:"id,omitempty"`
	RoomID string `json:"roomId,omitempty"`
	From   Role   `json:"from,omitempty"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Text   string `json:"text"`
	TS     int64  `json:"ts,omitempty"`
	Type   Kind   `json:"type,omitempty"`
}

// Key: ключ дедупликации. Без id используется "ts|from|text".
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return strconv.FormatInt(m.TS, 10) + "|" + string(m.From) + "|" + m.Text
}

// IsStatus: служебное уведомление о присутствии, а не текст.
func (m Message) IsStatus() bool {
	return m.Type == KindStatus || m.Type == KindAdminStatus
}
