package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/livechat/internal/logger"
	"github.com/livechat/internal/metrics"
	"github.com/livechat/internal/model"
	"github.com/livechat/internal/stomp"
)

const (
	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	maxMessageSize   = 64 << 10
	sendBufSize      = 256
)

// WSDialer подключается к STOMP-эндпоинту по обычному WebSocket.
type WSDialer struct {
	URL    string
	Dialer *websocket.Dialer
}

func (d WSDialer) Dial(ctx context.Context, opts Options) Conn {
	c := NewClient(d.URL, opts)
	if d.Dialer != nil {
		c.ws = d.Dialer
	}
	c.Start(ctx)
	return c
}

// Client: STOMP-клиент с переподключением.
// Жизненный цикл: NewClient -> Start(ctx) -> [run: dial, handshake, readPump + writePump, wait, redial] -> Close -> Wait.
type Client struct {
	url  string
	opts Options
	ws   *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	mu     sync.Mutex
	cur    *wire
	subs   map[string]*subscription
	nextID uint64
}

// wire: одно физическое соединение, заменяется при каждом переподключении.
type wire struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (w *wire) stop() {
	w.once.Do(func() {
		close(w.done)
		w.conn.Close()
	})
}

func NewClient(rawURL string, opts Options) *Client {
	opts.applyDefaults()
	return &Client{
		url:  rawURL,
		opts: opts,
		ws:   &websocket.Dialer{HandshakeTimeout: handshakeTimeout, Proxy: http.ProxyFromEnvironment},
		subs: make(map[string]*subscription),
	}
}

// Start запускает цикл подключения и сразу возвращается; OnConnected сработает, когда сессия поднимется.
func (c *Client) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.run()
}

// Close деактивирует клиент. Можно вызывать повторно и из колбэков.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.mu.Lock()
		w := c.cur
		c.mu.Unlock()
		if w != nil {
			// Сервер всё равно снимет подписки при разрыве
			_ = w.enqueue(stomp.New(stomp.CmdDisconnect).Encode())
		}
	})
}

// Wait ждёт завершения цикла подключения и помп. Не вызывать из колбэка.
func (c *Client) Wait() {
	c.wg.Wait()
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur != nil
}

func (c *Client) closed() bool {
	return c.ctx.Err() != nil
}

func (c *Client) run() {
	defer c.wg.Done()
	for {
		err := c.session()
		if c.closed() {
			return
		}
		if err != nil {
			logger.Errorf("transport %s: %v (retry in %v)", c.url, err, c.opts.ReconnectDelay)
			if c.opts.OnError != nil {
				c.opts.OnError(err)
			}
		}
		t := time.NewTimer(c.opts.ReconnectDelay)
		select {
		case <-c.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// session: dial, рукопожатие STOMP и обмен кадрами до обрыва соединения.
func (c *Client) session() error {
	hdr := http.Header{}
	if c.opts.Authorization != "" {
		hdr.Set("Authorization", c.opts.Authorization)
	}
	conn, _, err := c.ws.DialContext(c.ctx, c.url, hdr)
	if err != nil {
		metrics.TransportErrors.WithLabelValues("dial").Inc()
		return fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	out, in, err := c.handshake(conn)
	if err != nil {
		metrics.TransportErrors.WithLabelValues("handshake").Inc()
		conn.Close()
		return fmt.Errorf("handshake: %w", err)
	}

	w := &wire{conn: conn, send: make(chan []byte, sendBufSize), done: make(chan struct{})}
	c.mu.Lock()
	c.cur = w
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.writePump(w, out)

	metrics.TransportConnects.Inc()
	logger.Infof("transport connected %s", c.url)

	if _, err := c.Subscribe(TopicPresence, c.presence); err != nil {
		logger.Errorf("transport subscribe presence: %v", err)
	}
	if !c.closed() && c.opts.OnConnected != nil {
		c.opts.OnConnected(c)
	}

	err = c.readPump(w, in)

	c.mu.Lock()
	if c.cur == w {
		c.cur = nil
		c.subs = make(map[string]*subscription)
	}
	c.mu.Unlock()
	w.stop()

	if !c.closed() && c.opts.OnDisconnected != nil {
		c.opts.OnDisconnected(err)
	}
	return err
}

func (c *Client) handshake(conn *websocket.Conn) (out, in time.Duration, err error) {
	// Зависшее рукопожатие обрываем сразу после Close
	stop := context.AfterFunc(c.ctx, func() { conn.Close() })
	defer stop()

	f := stomp.New(stomp.CmdConnect,
		stomp.HdrAcceptVersion, "1.2,1.1",
		stomp.HdrHost, hostOf(c.url),
		stomp.HdrHeartBeat, stomp.HeartBeat(c.opts.HeartbeatOut, c.opts.HeartbeatIn),
	)
	if c.opts.Authorization != "" {
		f.Header.Set(stomp.HdrAuthorization, c.opts.Authorization)
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return 0, 0, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, f.Encode()); err != nil {
		return 0, 0, err
	}
	if err := conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return 0, 0, err
	}
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return 0, 0, err
		}
		reply, err := stomp.Parse(raw)
		if err != nil {
			return 0, 0, err
		}
		switch reply.Command {
		case "":
			continue
		case stomp.CmdConnected:
			sx, sy := stomp.ParseHeartBeat(reply.Header.Get(stomp.HdrHeartBeat))
			return stomp.Negotiate(c.opts.HeartbeatOut, sy), stomp.Negotiate(c.opts.HeartbeatIn, sx), nil
		case stomp.CmdError:
			return 0, 0, &ProtocolError{Message: reply.Header.Get(stomp.HdrMessage), Body: string(reply.Body)}
		default:
			return 0, 0, fmt.Errorf("unexpected %s before CONNECTED", reply.Command)
		}
	}
}

// readPump читает кадры до обрыва. in: согласованный heart-beat сервера.
func (c *Client) readPump(w *wire, in time.Duration) error {
	for {
		deadline := time.Time{}
		if in > 0 {
			deadline = time.Now().Add(2 * in)
		}
		if err := w.conn.SetReadDeadline(deadline); err != nil {
			return err
		}
		_, raw, err := w.conn.ReadMessage()
		if err != nil {
			if c.closed() {
				return nil
			}
			metrics.TransportErrors.WithLabelValues("read").Inc()
			return fmt.Errorf("read: %w", err)
		}
		f, err := stomp.Parse(raw)
		if err != nil {
			metrics.FramesReceived.WithLabelValues("unparsable").Inc()
			logger.Errorf("transport: drop frame: %v", err)
			continue
		}
		switch f.Command {
		case "":
			metrics.FramesReceived.WithLabelValues("heartbeat").Inc()
		case stomp.CmdMessage:
			c.dispatch(f)
		case stomp.CmdError:
			metrics.TransportErrors.WithLabelValues("protocol").Inc()
			return &ProtocolError{Message: f.Header.Get(stomp.HdrMessage), Body: string(f.Body)}
		case stomp.CmdReceipt:
		default:
			logger.Debugf("transport: ignore %s", f.Command)
		}
	}
}

func (c *Client) dispatch(f stomp.Frame) {
	id := f.Header.Get(stomp.HdrSubscription)
	c.mu.Lock()
	sub := c.subs[id]
	c.mu.Unlock()
	if sub == nil || c.closed() {
		return
	}
	env, err := model.ParseEnvelope(f.Body)
	if err != nil {
		metrics.FramesReceived.WithLabelValues("unparsable").Inc()
		if c.opts.OnRaw != nil {
			c.opts.OnRaw(sub.topic, f.Body)
		}
		return
	}
	metrics.FramesReceived.WithLabelValues("ok").Inc()
	sub.handler(env)
}

func (c *Client) presence(env model.Envelope) {
	if c.opts.OnPresence != nil {
		c.opts.OnPresence(env)
	}
}

// writePump сериализует запись в сокет и шлёт heart-beat.
func (c *Client) writePump(w *wire, out time.Duration) {
	defer c.wg.Done()
	defer w.stop()

	var tick <-chan time.Time
	if out > 0 {
		ticker := time.NewTicker(out)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-w.done:
			return
		case <-c.ctx.Done():
			c.flush(w)
			_ = w.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case data := <-w.send:
			if err := c.write(w, data); err != nil {
				metrics.TransportErrors.WithLabelValues("write").Inc()
				logger.Errorf("transport write: %v", err)
				return
			}
		case <-tick:
			if err := c.write(w, []byte{'\n'}); err != nil {
				return
			}
		}
	}
}

// flush дописывает очередь (в том числе DISCONNECT) перед закрытием сокета.
func (c *Client) flush(w *wire) {
	for {
		select {
		case data := <-w.send:
			if err := c.write(w, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(w *wire, data []byte) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wire) enqueue(data []byte) error {
	select {
	case <-w.done:
		return ErrNotConnected
	default:
	}
	select {
	case w.send <- data:
		return nil
	case <-w.done:
		return ErrNotConnected
	default:
		return ErrSendBufferFull
	}
}

// Subscribe регистрирует h на topic в текущем соединении.
func (c *Client) Subscribe(topic string, h Handler) (Subscription, error) {
	c.mu.Lock()
	w := c.cur
	if w == nil || c.closed() {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.nextID++
	sub := &subscription{c: c, w: w, id: "sub-" + strconv.FormatUint(c.nextID, 10), topic: topic, handler: h}
	c.subs[sub.id] = sub
	c.mu.Unlock()

	if err := w.enqueue(stomp.New(stomp.CmdSubscribe, stomp.HdrID, sub.id, stomp.HdrDestination, topic).Encode()); err != nil {
		c.mu.Lock()
		delete(c.subs, sub.id)
		c.mu.Unlock()
		return nil, err
	}
	return sub, nil
}

func (c *Client) SubscribeRoom(roomID string, h Handler) (Subscription, error) {
	if roomID == "" {
		return nil, fmt.Errorf("transport: empty room id")
	}
	return c.Subscribe(RoomTopic(roomID), h)
}

// Publish отправляет payload как JSON в destination; []byte и json.RawMessage уходят как есть.
// Между сессиями возвращает ErrNotConnected и больше ничего не делает.
func (c *Client) Publish(destination string, payload any) error {
	var body []byte
	switch p := payload.(type) {
	case nil:
		body = []byte("{}")
	case []byte:
		body = p
	case json.RawMessage:
		body = p
	default:
		var err error
		if body, err = json.Marshal(p); err != nil {
			return fmt.Errorf("transport: encode %s: %w", destination, err)
		}
	}

	c.mu.Lock()
	w := c.cur
	c.mu.Unlock()
	if w == nil || c.closed() {
		return ErrNotConnected
	}
	f := stomp.New(stomp.CmdSend, stomp.HdrDestination, destination, stomp.HdrContentType, "application/json")
	f.Body = body
	return w.enqueue(f.Encode())
}

type subscription struct {
	c       *Client
	w       *wire
	id      string
	topic   string
	handler Handler
}

// Unsubscribe ничего не делает, если соединение уже закрыто.
func (s *subscription) Unsubscribe() error {
	s.c.mu.Lock()
	if s.c.cur != s.w {
		s.c.mu.Unlock()
		return nil
	}
	delete(s.c.subs, s.id)
	s.c.mu.Unlock()
	err := s.w.enqueue(stomp.New(stomp.CmdUnsubscribe, stomp.HdrID, s.id).Encode())
	if err == ErrNotConnected {
		return nil
	}
	return err
}

// ProtocolError: кадр ERROR от сервера.
type ProtocolError struct {
	Message string
	Body    string
}

func (e *ProtocolError) Error() string {
	if e.Body != "" {
		return "stomp error: " + e.Message + ": " + e.Body
	}
	return "stomp error: " + e.Message
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "localhost"
	}
	return u.Hostname()
}
