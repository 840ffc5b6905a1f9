package model

// Сырые значения статуса администратора в уведомлениях о присутствии.
const (
	StatusAdminOnline  = "ADMIN_ONLINE"
	StatusAdminAway    = "ADMIN_AWAY"
	StatusAdminOffline = "ADMIN_OFFLINE"
)

// Presence: отображаемая доступность собеседника.
type Presence string

const (
	PresenceOnline Presence = "online"
	PresenceAway   Presence = "away"
)

// NormalizeStatus сводит сырой статус к двум отображаемым состояниям.
// Offline, пустое и неизвестное значение читаются как "отошёл".
func NormalizeStatus(raw string) Presence {
	if raw == StatusAdminOnline {
		return PresenceOnline
	}
	return PresenceAway
}

// Label: короткая подпись рядом с индикатором статуса.
func (p Presence) Label() string {
	if p == PresenceOnline {
		return "Admin: Online"
	}
	return "Admin: Away"
}
