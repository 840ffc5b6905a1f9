package model

import "encoding/json"

// Envelope: объединение всех JSON-нагрузок живого канала: сообщения чата,
// уведомления о статусе и объявления о входе в комнату.
type Envelope struct {
	ID     string `json:"id,omitempty"`
	RoomID string `json:"roomId,omitempty"`
	From   Role   `json:"from,omitempty"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Text   string `json:"text,omitempty"`
	Status string `json:"status,omitempty"`
	TS     int64  `json:"ts,omitempty"`
	Type   Kind   `json:"type,omitempty"`
}

// ParseEnvelope разбирает тело кадра; всё, что не JSON-объект, ошибка.
func ParseEnvelope(body []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

func (e Envelope) IsStatus() bool {
	return e.Type == KindStatus || e.Type == KindAdminStatus
}

// StatusValue: сырой статус; бэкенды кладут его то в text, то в status.
func (e Envelope) StatusValue() string {
	if e.Text != "" {
		return e.Text
	}
	return e.Status
}

// Message приводит конверт к сообщению чата.
func (e Envelope) Message() Message {
	return Message{
		ID:     e.ID,
		RoomID: e.RoomID,
		From:   e.From,
		Name:   e.Name,
		Email:  e.Email,
		Text:   e.Text,
		TS:     e.TS,
		Type:   e.Type,
	}
}

// Room извлекает метаданные комнаты из конверта.
func (e Envelope) Room() Room {
	return Room{ID: e.RoomID, Name: e.Name, Email: e.Email, LastActivity: e.TS}
}
