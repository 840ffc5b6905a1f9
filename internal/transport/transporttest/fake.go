// Package transporttest: transport.Dialer в памяти процесса, соединениями
// управляет тест: Connect, Drop и Deliver вызывают колбэки контроллера
// синхронно в вызывающей горутине.
package transporttest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/livechat/internal/model"
	"github.com/livechat/internal/transport"
)

// Publication: один вызов Publish.
type Publication struct {
	Destination string
	Body        []byte
}

func (p Publication) Decode(v any) error {
	return json.Unmarshal(p.Body, v)
}

// Dialer запоминает все выданные соединения.
type Dialer struct {
	mu    sync.Mutex
	conns []*Conn
}

func (d *Dialer) Dial(ctx context.Context, opts transport.Options) transport.Conn {
	c := &Conn{opts: opts, subs: make(map[string]map[int]transport.Handler)}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c
}

func (d *Dialer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// Last: последнее соединение или nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Conn: управляемый из теста transport.Conn.
type Conn struct {
	opts transport.Options

	mu        sync.Mutex
	connected bool
	closed    bool
	nextID    int
	subs      map[string]map[int]transport.Handler
	pubs      []Publication
}

func (c *Conn) Options() transport.Options {
	return c.opts
}

// Connect поднимает сессию и вызывает OnConnected.
func (c *Conn) Connect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.connected = true
	c.subs = make(map[string]map[int]transport.Handler)
	c.mu.Unlock()
	if c.opts.OnConnected != nil {
		c.opts.OnConnected(c)
	}
}

// Drop теряет сессию и вызывает OnDisconnected.
func (c *Conn) Drop(err error) {
	c.mu.Lock()
	was := c.connected && !c.closed
	c.connected = false
	c.subs = make(map[string]map[int]transport.Handler)
	c.mu.Unlock()
	if was && c.opts.OnDisconnected != nil {
		c.opts.OnDisconnected(err)
	}
}

// Deliver отдаёт payload всем обработчикам topic и возвращает их число.
// Не JSON-объекты уходят в OnRaw.
func (c *Conn) Deliver(topic string, payload any) int {
	body, err := encode(payload)
	if err != nil {
		return 0
	}
	c.mu.Lock()
	if !c.connected || c.closed {
		c.mu.Unlock()
		return 0
	}
	var hs []transport.Handler
	for _, h := range c.subs[topic] {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	if len(hs) == 0 {
		return 0
	}
	env, err := model.ParseEnvelope(body)
	if err != nil {
		if c.opts.OnRaw != nil {
			c.opts.OnRaw(topic, body)
		}
		return 0
	}
	for _, h := range hs {
		h(env)
	}
	return len(hs)
}

func (c *Conn) Presence(payload any) {
	body, err := encode(payload)
	if err != nil {
		return
	}
	env, err := model.ParseEnvelope(body)
	if err != nil {
		return
	}
	c.mu.Lock()
	ok := c.connected && !c.closed
	c.mu.Unlock()
	if ok && c.opts.OnPresence != nil {
		c.opts.OnPresence(env)
	}
}

func (c *Conn) Subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs[topic]) > 0
}

// Published: публикации в destination, при пустом destination все.
func (c *Conn) Published(destination string) []Publication {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Publication
	for _, p := range c.pubs {
		if destination == "" || p.Destination == destination {
			out = append(out, p)
		}
	}
	return out
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Subscribe(topic string, h transport.Handler) (transport.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.closed {
		return nil, transport.ErrNotConnected
	}
	c.nextID++
	if c.subs[topic] == nil {
		c.subs[topic] = make(map[int]transport.Handler)
	}
	c.subs[topic][c.nextID] = h
	return &sub{c: c, topic: topic, id: c.nextID, set: c.subs[topic]}, nil
}

func (c *Conn) SubscribeRoom(roomID string, h transport.Handler) (transport.Subscription, error) {
	if roomID == "" {
		return nil, errors.New("transporttest: empty room id")
	}
	return c.Subscribe(transport.RoomTopic(roomID), h)
}

func (c *Conn) Publish(destination string, payload any) error {
	body, err := encode(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.closed {
		return transport.ErrNotConnected
	}
	c.pubs = append(c.pubs, Publication{Destination: destination, Body: body})
	return nil
}

func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.closed
}

func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.connected = false
}

func (c *Conn) Wait() {}

type sub struct {
	c     *Conn
	topic string
	id    int
	set   map[int]transport.Handler
}

func (s *sub) Unsubscribe() error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	delete(s.set, s.id)
	return nil
}

func encode(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return []byte("{}"), nil
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(p)
	}
}
