// Package transport: живой канал STOMP поверх WebSocket к бэкенду чата.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/livechat/internal/model"
)

// Темы и адреса назначения бэкенда чата.
const (
	TopicPresence    = "/topic/presence"
	TopicJoin        = "/topic/chat/join"
	roomTopicPrefix  = "/topic/chat/"
	DestJoin         = "/app/chat/join"
	DestVisitorSend  = "/app/chat/visitorSend"
	DestPresencePing = "/app/presence/ping"
)

const (
	DefaultReconnectDelay = 2 * time.Second
	DefaultHeartbeat      = 10 * time.Second
)

var (
	// Publish и Subscribe между сессиями
	ErrNotConnected = errors.New("transport: not connected")
	// Писатель завис, кадр отброшен
	ErrSendBufferFull = errors.New("transport: send buffer full")
)

func RoomTopic(roomID string) string {
	return roomTopicPrefix + roomID
}

// Handler получает разобранные нагрузки одной подписки.
type Handler func(model.Envelope)

type Subscription interface {
	Unsubscribe() error
}

// Session выдаётся после установки соединения. Подписки умирают вместе с
// соединением: вызывающий восстанавливает их в OnConnected.
type Session interface {
	Subscribe(topic string, h Handler) (Subscription, error)
	SubscribeRoom(roomID string, h Handler) (Subscription, error)
	Publish(destination string, payload any) error
	Connected() bool
}

// Conn: дескриптор сессии с переподключением.
type Conn interface {
	Session
	// Close отменяет и текущую сессию, и ожидающее переподключение.
	Close()
	// Wait: после возврата колбэки больше не срабатывают.
	Wait()
}

// Dialer открывает Conn; в тестах сеть подменяется через него.
type Dialer interface {
	Dial(ctx context.Context, opts Options) Conn
}

// Options: настройки Conn. Все колбэки выполняются в горутине чтения соединения.
type Options struct {
	// Authorization уходит и в рукопожатии WebSocket, и в кадре CONNECT.
	Authorization string

	OnConnected    func(Session)
	OnPresence     func(model.Envelope)
	OnDisconnected func(error)
	// OnRaw: тела, не разобранные как JSON-объект.
	OnRaw func(topic string, body []byte)
	// OnError: ошибки соединения и протокола; клиент продолжает переподключаться.
	OnError func(error)

	ReconnectDelay time.Duration
	HeartbeatOut   time.Duration
	HeartbeatIn    time.Duration
}

func (o *Options) applyDefaults() {
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.HeartbeatOut < 0 {
		o.HeartbeatOut = 0
	} else if o.HeartbeatOut == 0 {
		o.HeartbeatOut = DefaultHeartbeat
	}
	if o.HeartbeatIn < 0 {
		o.HeartbeatIn = 0
	} else if o.HeartbeatIn == 0 {
		o.HeartbeatIn = DefaultHeartbeat
	}
}
