// Package ws is the relay side of the live channel: a STOMP broker over
// WebSocket that fans chat traffic out to topic subscribers.
package ws

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/livechat/internal/logger"
	"github.com/livechat/internal/metrics"
	"github.com/livechat/internal/middleware"
	"github.com/livechat/internal/model"
	"github.com/livechat/internal/repository"
	"github.com/livechat/internal/transport"
)

// Authorizer проверяет учётные данные администратора (значение заголовка Authorization).
type Authorizer func(cred string) bool

// OfflineNotifier получает сообщения посетителей, пока ни один администратор не в сети.
type OfflineNotifier interface {
	NotifyVisitorMessage(ctx context.Context, m model.Message)
}

type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	topics     map[string]map[*Client]map[string]struct{} // topic -> client -> subscription ids
	total      int
	admins     int
	maxConns   int
	heartbeat  time.Duration
	authorize  Authorizer
	chatRepo   *repository.ChatRepository
	offline    OfflineNotifier
	register   chan *Client
	unregister chan *Client
	quit       chan struct{}
	done       chan struct{}
}

func NewHub(chatRepo *repository.ChatRepository, authorize Authorizer, maxConns int, heartbeat time.Duration) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	if authorize == nil {
		authorize = func(string) bool { return false }
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		topics:     make(map[string]map[*Client]map[string]struct{}),
		maxConns:   maxConns,
		heartbeat:  heartbeat,
		authorize:  authorize,
		chatRepo:   chatRepo,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.quit:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

func (h *Hub) SetOfflineNotifier(n OfflineNotifier) {
	h.mu.Lock()
	h.offline = n
	h.mu.Unlock()
}

// Done закрывается после остановки Run.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	close(h.quit)
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	all := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.clients = make(map[*Client]struct{})
	h.topics = make(map[string]map[*Client]map[string]struct{})
	h.total, h.admins = 0, 0
	h.mu.Unlock()
	metrics.RelaySessions.Set(0)

	for _, c := range all {
		c.Close()
	}
	for _, c := range all {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	if c.closed() {
		return
	}
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting %s", h.maxConns, c.id)
		c.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.total++
	firstAdmin := false
	if c.admin {
		h.admins++
		firstAdmin = h.admins == 1
	}
	h.mu.Unlock()
	metrics.RelaySessions.Inc()

	if firstAdmin {
		h.broadcastPresence("")
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	h.dropSubscriptionsLocked(c)
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	h.total--
	lastAdmin := false
	if c.admin {
		h.admins--
		lastAdmin = h.admins == 0
	}
	h.mu.Unlock()
	metrics.RelaySessions.Dec()

	// Network I/O outside the lock.
	c.Close()
	if lastAdmin {
		h.broadcastPresence("")
	}
}

func (h *Hub) dropSubscriptionsLocked(c *Client) {
	for topic, subs := range h.topics {
		if _, ok := subs[c]; ok {
			delete(subs, c)
			if len(subs) == 0 {
				delete(h.topics, topic)
			}
		}
	}
}

// AdminOnline: есть ли хотя бы одна сессия администратора.
func (h *Hub) AdminOnline() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.admins > 0
}

func (h *Hub) Subscribe(c *Client, id, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*Client]map[string]struct{})
		h.topics[topic] = subs
	}
	ids, ok := subs[c]
	if !ok {
		ids = make(map[string]struct{})
		subs[c] = ids
	}
	ids[id] = struct{}{}
}

func (h *Hub) Unsubscribe(c *Client, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, subs := range h.topics {
		ids, ok := subs[c]
		if !ok {
			continue
		}
		delete(ids, id)
		if len(ids) == 0 {
			delete(subs, c)
		}
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

// Broadcast кодирует payload один раз и рассылает всем подписчикам topic.
func (h *Hub) Broadcast(topic string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		logger.Errorf("ws broadcast %s: encode: %v", topic, err)
		return
	}
	type target struct {
		c   *Client
		sub string
	}
	h.mu.RLock()
	var targets []target
	for c, ids := range h.topics[topic] {
		for id := range ids {
			targets = append(targets, target{c, id})
		}
	}
	h.mu.RUnlock()

	metrics.RelayBroadcasts.WithLabelValues(topicKind(topic)).Inc()
	for _, t := range targets {
		t.c.sendMessage(topic, t.sub, body)
	}
}

func (h *Hub) broadcastPresence(roomID string) {
	p := newPresence(h.AdminOnline(), roomID, time.Now().UnixMilli())
	if roomID == "" {
		h.Broadcast(transport.TopicPresence, p)
		return
	}
	h.Broadcast(transport.RoomTopic(roomID), p)
}

// HandleSend dispatches a client SEND frame by destination.
func (h *Hub) HandleSend(ctx context.Context, c *Client, destination string, body []byte) {
	switch destination {
	case transport.DestJoin:
		h.handleJoin(ctx, c, body)
	case transport.DestVisitorSend:
		h.handleVisitorSend(ctx, c, body)
	case transport.DestPresencePing:
		h.handlePresencePing(c, body)
	default:
		logger.Debugf("ws %s: unknown destination %q", c.id, destination)
	}
}

func (h *Hub) handleJoin(ctx context.Context, c *Client, body []byte) {
	defer logger.DeferLogDuration("ws.handleJoin", time.Now())()
	var j model.JoinNotice
	if err := json.Unmarshal(body, &j); err != nil || strings.TrimSpace(j.RoomID) == "" {
		logger.Errorf("ws %s: bad join: %v", c.id, err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	room, err := h.chatRepo.UpsertRoom(ctx, model.Room{ID: j.RoomID, Name: j.Name, Email: j.Email})
	if err != nil {
		logger.Errorf("ws %s: join %s: %v", c.id, j.RoomID, err)
		return
	}
	logger.Infof("ws join room=%s name=%q email=%s", room.ID, room.Name, middleware.MaskEmail(room.Email))

	h.Broadcast(transport.TopicJoin, joinPayload{Type: model.KindJoin, RoomID: room.ID, Name: room.Name, Email: room.Email, TS: room.LastActivity})
	h.broadcastPresence(room.ID)
}

func (h *Hub) handleVisitorSend(ctx context.Context, c *Client, body []byte) {
	defer logger.DeferLogDuration("ws.handleVisitorSend", time.Now())()
	var m model.Message
	if err := json.Unmarshal(body, &m); err != nil {
		logger.Errorf("ws %s: bad message: %v", c.id, err)
		return
	}
	m.From = model.RoleVisitor
	m.Type = model.KindMessage
	saved, err := h.publish(ctx, m)
	if err != nil {
		return
	}
	h.mu.RLock()
	n, away := h.offline, h.admins == 0
	h.mu.RUnlock()
	if n != nil && away {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			n.NotifyVisitorMessage(ctx, saved)
		}()
	}
}

// PublishReply сохраняет ответ администратора и рассылает его в тему комнаты под тем же id.
func (h *Hub) PublishReply(ctx context.Context, roomID, id, text string) (model.Message, error) {
	return h.publish(ctx, model.Message{ID: id, RoomID: roomID, From: model.RoleAdmin, Text: text, Type: model.KindMessage})
}

func (h *Hub) publish(ctx context.Context, m model.Message) (model.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	saved, fresh, err := h.chatRepo.AddMessage(ctx, m)
	if err != nil {
		logger.Errorf("ws save message room=%s: %v", m.RoomID, err)
		return model.Message{}, err
	}
	// Повторная доставка того же id всё равно рассылается: клиенты отбрасывают дубли сами.
	if !fresh {
		logger.Debugf("ws message %s already stored", saved.ID)
	}
	h.Broadcast(transport.RoomTopic(saved.RoomID), saved)
	return saved, nil
}

func (h *Hub) handlePresencePing(c *Client, body []byte) {
	var p pingPayload
	_ = json.Unmarshal(body, &p)
	logger.Debugf("ws %s: presence ping room=%s", c.id, p.RoomID)
	// Ответ только в тему комнаты; без roomId: общий /topic/presence.
	h.broadcastPresence(strings.TrimSpace(p.RoomID))
}
