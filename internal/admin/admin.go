// Package admin: консоль поддержки на много комнат. Находит комнаты через
// REST и живой канал входа, следит за каждой, один раз загружает историю
// комнаты и отвечает через привилегированный REST.
package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/livechat/internal/api"
	"github.com/livechat/internal/auth"
	"github.com/livechat/internal/chat"
	"github.com/livechat/internal/chime"
	"github.com/livechat/internal/logger"
	"github.com/livechat/internal/metrics"
	"github.com/livechat/internal/model"
	"github.com/livechat/internal/persist"
	"github.com/livechat/internal/transport"
)

var (
	ErrNotLoggedIn  = errors.New("admin: not logged in")
	ErrNoActiveRoom = errors.New("admin: no active room")
	ErrUnknownRoom  = errors.New("admin: unknown room")
	ErrEmptyMessage = errors.New("admin: empty message")
)

// Строки статуса для пользователя.
const (
	StatusLoginRequired = "Please log in"
	StatusExpired       = "Session expired, please log in again"
	StatusLoggedOut     = "Logged out"
	StatusConnecting    = "Connecting..."
	StatusConnected     = "Connected"
	StatusReconnecting  = "Connection lost, reconnecting..."
	StatusUnreachable   = "Could not reach backend"
	StatusRoomsFailed   = "Could not load rooms"
	StatusHistoryFailed = "Could not load room history"
	StatusReplyFailed   = "Reply not delivered"
)

// Backend: привилегированный REST, нужный консоли; реализован *api.Client.
type Backend interface {
	AdminPing(ctx context.Context, cred string) (bool, error)
	ListRooms(ctx context.Context, cred string) ([]model.Room, error)
	RoomHistory(ctx context.Context, cred, roomID string) ([]model.Message, error)
	SendReply(ctx context.Context, cred, roomID string, r api.Reply) error
}

// Deps: зависимости Controller; Dialer и Backend обязательны.
type Deps struct {
	Dialer      transport.Dialer
	Backend     Backend
	Persist     *persist.Layer
	Credentials *auth.Cache
	Chime       chime.Player
	// Таймауты; колбэки и Authorization ставит контроллер.
	Transport   transport.Options
	MaxMessages int
	Now         func() time.Time
	// OnChange вызывается после каждого изменения, вне блокировки.
	OnChange func()
}

// Controller: состояние консоли. Методы потокобезопасны.
type Controller struct {
	deps   Deps
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	cred     string
	gen      uint64
	registry *chat.Registry
	store    *chat.Store
	active   string
	interest map[string]struct{}
	subs     map[string]transport.Subscription
	inflight map[string]struct{}
	conn     transport.Conn
	sess     transport.Session
	presence string
	status   string
}

// New восстанавливает кэш комнат и сообщений; они видны и без входа.
func New(deps Deps) *Controller {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.MaxMessages <= 0 {
		deps.MaxMessages = chat.AdminRetention
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		deps:     deps,
		ctx:      ctx,
		cancel:   cancel,
		registry: chat.NewRegistry(func() int64 { return deps.Now().UnixMilli() }),
		store:    chat.NewStore(chat.NewDeduplicator(), deps.MaxMessages),
		interest: make(map[string]struct{}),
		subs:     make(map[string]transport.Subscription),
		inflight: make(map[string]struct{}),
		status:   StatusLoginRequired,
	}
	if st, ok := deps.Persist.LoadAdmin(ctx); ok {
		c.registry.Restore(st.Rooms)
		c.store.Restore(st.MessagesByRoom)
		c.active = st.ActiveRoomID
		for _, r := range c.registry.List() {
			c.interest[r.ID] = struct{}{}
		}
		logger.Infof("admin: restored %d rooms from cache", c.registry.Len())
	}
	return c
}

// Restore перепроверяет сохранённые учётные данные. Неверные удаляются; если
// бэкенд недоступен, данные остаются до следующей попытки.
func (c *Controller) Restore(ctx context.Context) error {
	cred, ok := c.deps.Credentials.Load(ctx)
	if !ok {
		c.setStatus(StatusLoginRequired)
		return nil
	}
	valid, err := c.deps.Backend.AdminPing(ctx, cred)
	if err != nil {
		c.setStatus(StatusUnreachable)
		return fmt.Errorf("admin restore: %w", err)
	}
	if !valid {
		c.deps.Credentials.Clear(ctx)
		c.setStatus(StatusExpired)
		return nil
	}
	c.begin(ctx, cred)
	return nil
}

// Login проверяет user/pass и при успехе сохраняет учётные данные и открывает сессию.
func (c *Controller) Login(ctx context.Context, user, pass string) error {
	cred := auth.Basic(strings.TrimSpace(user), pass)
	valid, err := c.deps.Backend.AdminPing(ctx, cred)
	if err != nil {
		c.setStatus(StatusUnreachable)
		return fmt.Errorf("admin login: %w", err)
	}
	if !valid {
		c.setStatus(StatusLoginRequired)
		return fmt.Errorf("admin login: %w", api.ErrUnauthorized)
	}
	if err := c.deps.Credentials.Save(ctx, cred); err != nil {
		logger.Errorf("admin: %v", err)
	}
	c.begin(ctx, cred)
	return nil
}

// begin ставит cred, открывает живой канал и загружает комнаты по REST.
func (c *Controller) begin(ctx context.Context, cred string) {
	logger.Infof("admin: session start (%s)", auth.Mask(cred))
	c.mu.Lock()
	old := c.dropSessionLocked()
	c.cred = cred
	gen := c.gen
	c.status = StatusConnecting
	c.mu.Unlock()
	c.reap(old)

	// Колбэки помнят поколение, в котором открыто соединение: закрываемое
	// соединение не должно подменить текущую сессию.
	opts := c.deps.Transport
	opts.Authorization = cred
	opts.OnConnected = func(sess transport.Session) { c.onConnected(gen, sess) }
	opts.OnPresence = c.guard(gen, c.onPresence)
	opts.OnDisconnected = func(err error) { c.onDisconnected(gen, err) }
	opts.OnRaw = func(topic string, body []byte) {
		logger.Debugf("admin: unparsable frame on %s: %q", topic, body)
	}
	conn := c.deps.Dialer.Dial(c.ctx, opts)

	c.mu.Lock()
	if c.cred != cred || c.ctx.Err() != nil {
		c.mu.Unlock()
		c.reap(conn)
		return
	}
	c.conn = conn
	c.mu.Unlock()
	c.notify()

	if err := c.RefreshRooms(ctx); err != nil {
		logger.Errorf("admin: bootstrap: %v", err)
	}
}

// Logout забывает учётные данные и закрывает канал; кэш комнат и сообщений остаётся.
func (c *Controller) Logout() {
	c.deps.Credentials.Clear(context.Background())
	c.mu.Lock()
	old := c.dropSessionLocked()
	c.status = StatusLoggedOut
	c.mu.Unlock()
	c.reap(old)
	c.notify()
}

func (c *Controller) forceLogout() {
	logger.Info("admin: credential rejected, logging out")
	c.deps.Credentials.Clear(context.Background())
	c.mu.Lock()
	old := c.dropSessionLocked()
	c.status = StatusExpired
	c.mu.Unlock()
	c.reap(old)
	c.notify()
}

// dropSessionLocked забывает учётные данные и отцепляет соединение; закрыть его должен вызывающий.
func (c *Controller) dropSessionLocked() transport.Conn {
	c.cred = ""
	c.gen++
	old := c.conn
	c.conn, c.sess = nil, nil
	c.subs = make(map[string]transport.Subscription)
	c.inflight = make(map[string]struct{})
	return old
}

// reap закрывает conn и ждёт его в фоне; Flush и Close ждут и это.
func (c *Controller) reap(conn transport.Conn) {
	if conn == nil {
		return
	}
	conn.Close()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		conn.Wait()
	}()
}

// Close останавливает консоль; после возврата колбэки транспорта не срабатывают.
func (c *Controller) Close() {
	c.mu.Lock()
	conn := c.conn
	subs := c.subs
	c.conn, c.sess = nil, nil
	c.subs = make(map[string]transport.Subscription)
	c.gen++
	c.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	c.cancel()
	if conn != nil {
		conn.Close()
		conn.Wait()
	}
	c.wg.Wait()
}

// Flush ждёт уже запущенные загрузки истории и закрытия соединений.
func (c *Controller) Flush() {
	c.wg.Wait()
}

func (c *Controller) onConnected(gen uint64, sess transport.Session) {
	c.mu.Lock()
	if c.cred == "" || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.sess = sess
	c.subs = make(map[string]transport.Subscription)
	if _, err := sess.Subscribe(transport.TopicJoin, c.guard(gen, c.onJoin)); err != nil {
		logger.Errorf("admin: subscribe %s: %v", transport.TopicJoin, err)
	}
	for id := range c.interest {
		c.subscribeLocked(id)
		c.fetchHistoryLocked(id)
	}
	c.status = StatusConnected
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) onDisconnected(gen uint64, err error) {
	c.mu.Lock()
	if c.sess == nil || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	c.subs = make(map[string]transport.Subscription)
	c.status = StatusReconnecting
	c.mu.Unlock()
	logger.Infof("admin: disconnected: %v", err)
	c.notify()
}

// guard отбрасывает доставки после смены поколения сессии (logout, повторный вход, Close).
func (c *Controller) guard(gen uint64, h transport.Handler) transport.Handler {
	return func(env model.Envelope) {
		c.mu.Lock()
		current := gen == c.gen
		c.mu.Unlock()
		if current {
			h(env)
		}
	}
}

// Общая тема присутствия; по ней же иногда приходят объявления о входе.
func (c *Controller) onPresence(env model.Envelope) {
	if env.Type == model.KindJoin || (env.Type == "" && env.RoomID != "") {
		c.onJoin(env)
		return
	}
	if env.IsStatus() || env.Status != "" {
		c.mu.Lock()
		c.presence = env.StatusValue()
		c.mu.Unlock()
		c.notify()
	}
}

func (c *Controller) onJoin(env model.Envelope) {
	if env.RoomID == "" {
		return
	}
	c.mu.Lock()
	c.followLocked(env.Room())
	if c.active == "" {
		c.active = env.RoomID
	}
	c.saveLocked()
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) roomHandler(roomID string) transport.Handler {
	return func(env model.Envelope) {
		if env.IsStatus() {
			c.onPresence(env)
			return
		}
		m := env.Message()
		if m.RoomID == "" {
			m.RoomID = roomID
		}
		if m.Type == "" {
			m.Type = model.KindMessage
		}
		ts := m.TS
		if ts == 0 {
			ts = c.deps.Now().UnixMilli()
		}

		c.mu.Lock()
		if !c.store.Append(roomID, m) {
			c.mu.Unlock()
			metrics.DuplicatesDropped.Inc()
			return
		}
		metrics.MessagesAppended.WithLabelValues("live").Inc()
		upd := model.Room{ID: roomID, LastActivity: ts}
		if m.From == model.RoleVisitor {
			upd.Name, upd.Email = m.Name, m.Email
		}
		c.registry.Upsert(upd)
		c.saveLocked()
		c.mu.Unlock()

		if m.From == model.RoleVisitor {
			chime.Play(c.deps.Chime)
		}
		c.notify()
	}
}

// followLocked добавляет комнату в отслеживаемые, подписывается при наличии
// соединения и планирует однократную загрузку истории.
func (c *Controller) followLocked(r model.Room) {
	if r.ID == "" {
		return
	}
	c.registry.Upsert(r)
	c.interest[r.ID] = struct{}{}
	c.subscribeLocked(r.ID)
	c.fetchHistoryLocked(r.ID)
}

func (c *Controller) subscribeLocked(roomID string) {
	if c.sess == nil {
		return
	}
	if _, ok := c.subs[roomID]; ok {
		return
	}
	sub, err := c.sess.SubscribeRoom(roomID, c.guard(c.gen, c.roomHandler(roomID)))
	if err != nil {
		logger.Errorf("admin: subscribe %s: %v", roomID, err)
		return
	}
	c.subs[roomID] = sub
}

// fetchHistoryLocked запускает загрузку истории, если она не идёт и ещё не применена.
func (c *Controller) fetchHistoryLocked(roomID string) {
	if c.cred == "" || c.store.HistoryLoaded(roomID) {
		return
	}
	if _, busy := c.inflight[roomID]; busy {
		return
	}
	c.inflight[roomID] = struct{}{}
	cred, gen := c.cred, c.gen

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		msgs, err := c.deps.Backend.RoomHistory(c.ctx, cred, roomID)
		if errors.Is(err, api.ErrUnauthorized) {
			c.mu.Lock()
			stale := gen != c.gen
			c.mu.Unlock()
			if !stale {
				c.forceLogout()
			}
			return
		}

		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		delete(c.inflight, roomID)
		if err != nil {
			logger.Errorf("admin: history %s: %v", roomID, err)
			c.status = StatusHistoryFailed
			c.mu.Unlock()
			c.notify()
			return
		}
		if c.store.ReplaceHistory(roomID, msgs) {
			metrics.MessagesAppended.WithLabelValues("history").Add(float64(len(msgs)))
			if n := len(msgs); n > 0 {
				c.registry.Touch(roomID, msgs[n-1].TS)
			}
			c.saveLocked()
		}
		c.mu.Unlock()
		c.notify()
	}()
}

// RefreshRooms загружает комнаты по REST и следит за каждой.
func (c *Controller) RefreshRooms(ctx context.Context) error {
	c.mu.Lock()
	cred, gen := c.cred, c.gen
	c.mu.Unlock()
	if cred == "" {
		return ErrNotLoggedIn
	}
	rooms, err := c.deps.Backend.ListRooms(ctx, cred)
	if errors.Is(err, api.ErrUnauthorized) {
		c.forceLogout()
		return err
	}
	if err != nil {
		c.setStatus(StatusRoomsFailed)
		return fmt.Errorf("admin refresh rooms: %w", err)
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return ErrNotLoggedIn
	}
	for _, r := range rooms {
		c.followLocked(r)
	}
	if c.active == "" {
		if list := c.registry.List(); len(list) > 0 {
			c.active = list[0].ID
		}
	}
	c.saveLocked()
	c.mu.Unlock()
	c.notify()
	return nil
}

// Select делает известную комнату активной и отслеживаемой.
func (c *Controller) Select(roomID string) error {
	c.mu.Lock()
	if _, ok := c.registry.Get(roomID); !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRoom, roomID)
	}
	c.active = roomID
	c.followLocked(model.Room{ID: roomID})
	c.saveLocked()
	c.mu.Unlock()
	c.notify()
	return nil
}

// Watch следит за комнатой по ID, даже неизвестной, и делает её активной.
func (c *Controller) Watch(roomID string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return ErrUnknownRoom
	}
	c.mu.Lock()
	c.active = roomID
	c.followLocked(model.Room{ID: roomID})
	c.saveLocked()
	c.mu.Unlock()
	c.notify()
	return nil
}

// Reply добавляет текст в активную комнату и отправляет его по REST с тем же
// id, поэтому ретрансляция сервера отбрасывается как дубликат. Локальная
// копия остаётся и при ошибке доставки.
func (c *Controller) Reply(ctx context.Context, text string) (model.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return model.Message{}, ErrEmptyMessage
	}
	c.mu.Lock()
	cred, room := c.cred, c.active
	if cred == "" {
		c.mu.Unlock()
		return model.Message{}, ErrNotLoggedIn
	}
	if room == "" {
		c.mu.Unlock()
		return model.Message{}, ErrNoActiveRoom
	}
	m := model.Message{
		ID:     uuid.NewString(),
		RoomID: room,
		From:   model.RoleAdmin,
		Text:   text,
		TS:     c.deps.Now().UnixMilli(),
		Type:   model.KindMessage,
	}
	c.store.Append(room, m)
	c.registry.Touch(room, m.TS)
	metrics.MessagesAppended.WithLabelValues("local").Inc()
	c.saveLocked()
	c.mu.Unlock()
	c.notify()

	err := c.deps.Backend.SendReply(ctx, cred, room, api.Reply{ID: m.ID, Text: text})
	switch {
	case err == nil:
		return m, nil
	case errors.Is(err, api.ErrUnauthorized):
		c.forceLogout()
	default:
		c.setStatus(StatusReplyFailed)
	}
	return m, fmt.Errorf("admin reply: %w", err)
}

// Rooms: известные комнаты, свежие первыми.
func (c *Controller) Rooms() []model.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.List()
}

func (c *Controller) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Controller) History(roomID string) []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.History(roomID)
}

func (c *Controller) Following(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.interest[roomID]
	return ok
}

func (c *Controller) LoggedIn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cred != ""
}

func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil && c.sess.Connected()
}

// Presence: последний статус администратора из живого канала.
func (c *Controller) Presence() model.Presence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return model.NormalizeStatus(c.presence)
}

// Status: короткая строка рядом с элементами управления консоли.
func (c *Controller) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) setStatus(s string) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) saveLocked() {
	c.deps.Persist.Save(context.Background(), persist.AdminState{
		Rooms:          c.registry.List(),
		ActiveRoomID:   c.active,
		MessagesByRoom: c.store.Snapshot(),
	})
}

func (c *Controller) notify() {
	if c.deps.OnChange != nil {
		c.deps.OnChange()
	}
}
