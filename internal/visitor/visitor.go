// Package visitor: чат посетителя сайта в одной комнате. Начинает диалог,
// отправляет и принимает сообщения, следит за доступностью администратора
// и сохраняет состояние виджета.
package visitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/livechat/internal/chat"
	"github.com/livechat/internal/chime"
	"github.com/livechat/internal/logger"
	"github.com/livechat/internal/metrics"
	"github.com/livechat/internal/model"
	"github.com/livechat/internal/persist"
	"github.com/livechat/internal/transport"
)

var (
	// Start без имени или email
	ErrMissingIdentity = errors.New("visitor: name and email are required")
	ErrNotStarted      = errors.New("visitor: chat not started")
	ErrEmptyMessage    = errors.New("visitor: empty message")
)

// Deps: зависимости Controller; обязателен только Dialer.
type Deps struct {
	Dialer  transport.Dialer
	Persist *persist.Layer
	Chime   chime.Player
	// Таймауты и OnError; колбэки соединения ставит контроллер.
	Transport   transport.Options
	MaxMessages int
	Now         func() time.Time
	// OnChange вызывается после каждого изменения, вне блокировки.
	OnChange func()
}

type pingPayload struct {
	RoomID string `json:"roomId"`
}

// Controller владеет одной комнатой посетителя. Методы потокобезопасны:
// колбэки транспорта и действия пользователя сериализуются через mu.
type Controller struct {
	deps Deps

	mu        sync.Mutex
	roomID    string
	started   bool
	minimized bool
	name      string
	email     string
	status    string
	store     *chat.Store
	conn      transport.Conn
	sess      transport.Session
	roomSub   transport.Subscription
}

// New восстанавливает состояние виджета; если комнаты нет, генерирует room_<uuid>.
func New(deps Deps) *Controller {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.MaxMessages <= 0 {
		deps.MaxMessages = chat.VisitorRetention
	}
	c := &Controller{
		deps:  deps,
		store: chat.NewStore(chat.NewDeduplicator(), deps.MaxMessages),
	}
	if st, ok := deps.Persist.LoadVisitor(context.Background()); ok {
		c.roomID = st.RoomID
		c.started = st.Started
		c.minimized = st.Minimized
		c.name = st.Name
		c.email = st.Email
		c.status = st.AdminStatus
		if c.roomID != "" {
			c.store.Restore(map[string][]model.Message{c.roomID: st.Messages})
		}
	}
	if c.roomID == "" {
		c.roomID = "room_" + uuid.NewString()
		c.saveLocked()
	}
	return c
}

// Connect открывает живой канал и сразу возвращается: сессия поднимается
// (и восстанавливается после сбоев) в фоне.
func (c *Controller) Connect(ctx context.Context) {
	opts := c.deps.Transport
	opts.OnConnected = c.onConnected
	opts.OnPresence = c.onPresence
	opts.OnDisconnected = c.onDisconnected
	opts.OnRaw = func(topic string, body []byte) {
		logger.Debugf("visitor: unparsable frame on %s: %q", topic, body)
	}
	conn := c.deps.Dialer.Dial(ctx, opts)

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mu.Unlock()
	if old != nil {
		old.Close()
		old.Wait()
	}
}

// Close снимает подписку на комнату и закрывает канал. После возврата
// колбэки не срабатывают.
func (c *Controller) Close() {
	c.mu.Lock()
	conn, sub := c.conn, c.roomSub
	c.conn, c.sess, c.roomSub = nil, nil, nil
	c.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	if conn != nil {
		conn.Close()
		conn.Wait()
	}
}

func (c *Controller) onConnected(sess transport.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sess = sess
	sub, err := sess.SubscribeRoom(c.roomID, c.onRoom)
	if err != nil {
		logger.Errorf("visitor: subscribe %s: %v", c.roomID, err)
	}
	c.roomSub = sub
	// Ответ на пинг приходит в тему комнаты, поэтому подписка раньше пинга.
	c.pingLocked()
	if c.started {
		c.joinLocked()
	}
}

func (c *Controller) onDisconnected(err error) {
	c.mu.Lock()
	c.sess, c.roomSub = nil, nil
	c.mu.Unlock()
	logger.Infof("visitor: disconnected: %v", err)
}

func (c *Controller) onPresence(env model.Envelope) {
	if !env.IsStatus() && env.Status == "" {
		return
	}
	c.setStatus(env.StatusValue())
}

func (c *Controller) onRoom(env model.Envelope) {
	if env.IsStatus() {
		c.setStatus(env.StatusValue())
		return
	}
	c.mu.Lock()
	m := env.Message()
	if m.RoomID == "" {
		m.RoomID = c.roomID
	}
	if m.Type == "" {
		m.Type = model.KindMessage
	}
	if !c.store.Append(c.roomID, m) {
		c.mu.Unlock()
		metrics.DuplicatesDropped.Inc()
		return
	}
	metrics.MessagesAppended.WithLabelValues("live").Inc()
	c.saveLocked()
	c.mu.Unlock()

	if m.From == model.RoleAdmin {
		chime.Play(c.deps.Chime)
	}
	c.notify()
}

func (c *Controller) setStatus(raw string) {
	c.mu.Lock()
	c.status = raw
	c.saveLocked()
	c.mu.Unlock()
	c.notify()
}

// Start начинает диалог под именем и email и объявляет вход в комнату.
func (c *Controller) Start(name, email string) error {
	name, email = strings.TrimSpace(name), strings.TrimSpace(email)
	if name == "" || email == "" {
		return ErrMissingIdentity
	}
	c.mu.Lock()
	c.started = true
	c.minimized = false
	c.name, c.email = name, email
	c.saveLocked()
	if c.sess != nil {
		c.pingLocked()
		c.joinLocked()
	}
	c.mu.Unlock()
	c.notify()
	return nil
}

// Send добавляет текст в локальную историю и публикует его. Без соединения
// сообщение остаётся локально, ошибка оборачивает transport.ErrNotConnected,
// повторной отправки не будет.
func (c *Controller) Send(text string) (model.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return model.Message{}, ErrEmptyMessage
	}
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return model.Message{}, ErrNotStarted
	}
	m := model.Message{
		ID:     uuid.NewString(),
		RoomID: c.roomID,
		From:   model.RoleVisitor,
		Name:   c.name,
		Email:  c.email,
		Text:   text,
		TS:     c.deps.Now().UnixMilli(),
		Type:   model.KindMessage,
	}
	c.store.Append(c.roomID, m)
	metrics.MessagesAppended.WithLabelValues("local").Inc()
	c.saveLocked()

	err := transport.ErrNotConnected
	if c.sess != nil {
		err = c.sess.Publish(transport.DestVisitorSend, m)
	}
	c.mu.Unlock()
	c.notify()
	if err != nil {
		return m, fmt.Errorf("visitor send %s: %w", m.ID, err)
	}
	return m, nil
}

func (c *Controller) Minimize() { c.setMinimized(func(bool) bool { return true }) }

func (c *Controller) Open() { c.setMinimized(func(bool) bool { return false }) }

// Toggle: свернуть/развернуть виджет.
func (c *Controller) Toggle() { c.setMinimized(func(v bool) bool { return !v }) }

func (c *Controller) setMinimized(f func(bool) bool) {
	c.mu.Lock()
	c.minimized = f(c.minimized)
	c.saveLocked()
	c.mu.Unlock()
	c.notify()
}

// Presence: отображаемая доступность администратора.
func (c *Controller) Presence() model.Presence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return model.NormalizeStatus(c.status)
}

func (c *Controller) Messages() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.History(c.roomID)
}

func (c *Controller) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil && c.sess.Connected()
}

// State: снимок, который уходит в хранилище.
func (c *Controller) State() persist.VisitorState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Controller) stateLocked() persist.VisitorState {
	return persist.VisitorState{
		RoomID:      c.roomID,
		Started:     c.started,
		Minimized:   c.minimized,
		Name:        c.name,
		Email:       c.email,
		AdminStatus: c.status,
		Messages:    c.store.History(c.roomID),
	}
}

func (c *Controller) saveLocked() {
	c.deps.Persist.Save(context.Background(), c.stateLocked())
}

func (c *Controller) pingLocked() {
	if err := c.sess.Publish(transport.DestPresencePing, pingPayload{RoomID: c.roomID}); err != nil {
		logger.Debugf("visitor: presence ping: %v", err)
	}
}

func (c *Controller) joinLocked() {
	j := model.JoinNotice{RoomID: c.roomID, Name: c.name, Email: c.email}
	if err := c.sess.Publish(transport.DestJoin, j); err != nil {
		logger.Debugf("visitor: join: %v", err)
	}
}

func (c *Controller) notify() {
	if c.deps.OnChange != nil {
		c.deps.OnChange()
	}
}
