package model

// Room: диалог одного посетителя с администратором.
// Пустые Name/Email означают "неизвестно", а не "стёрто".
type Room struct {
	ID           string `json:"roomId"`
	Name         string `json:"name,omitempty"`
	Email        string `json:"email,omitempty"`
	LastActivity int64  `json:"lastTs,omitempty"`
}

// Merge накладывает обновление на r: непустые поля перезаписывают,
// LastActivity берётся максимальный.
func (r Room) Merge(u Room) Room {
	if u.Name != "" {
		r.Name = u.Name
	}
	if u.Email != "" {
		r.Email = u.Email
	}
	if u.LastActivity > r.LastActivity {
		r.LastActivity = u.LastActivity
	}
	return r
}

// JoinNotice публикует посетитель при старте диалога и после каждого переподключения.
type JoinNotice struct {
	RoomID string `json:"roomId"`
	Name   string `json:"name"`
	Email  string `json:"email"`
}
