package ws

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/livechat/internal/logger"
	"github.com/livechat/internal/middleware"
	"github.com/livechat/internal/stomp"
)

const (
	writeWait      = 10 * time.Second
	handshakeWait  = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufSize    = 256
	serverName     = "livechat-relay"
)

type outbound struct {
	data []byte
	// last closes the session once the frame is written (RECEIPT for DISCONNECT, ERROR).
	last bool
}

// Client is one STOMP session on a WebSocket connection.
// Lifecycle: NewClient -> Start(ctx, cancel) -> [readPump, writePump] -> Close -> Wait.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	id   string
	// authHeader is the Authorization header of the WebSocket handshake.
	authHeader string
	admin      bool
	send       chan outbound
	beat       chan time.Duration
	seq        atomic.Uint64

	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func NewClient(hub *Hub, conn *websocket.Conn, authHeader string) *Client {
	return &Client{
		hub:        hub,
		conn:       conn,
		id:         uuid.NewString()[:8],
		authHeader: authHeader,
		send:       make(chan outbound, sendBufSize),
		beat:       make(chan time.Duration, 1),
		done:       make(chan struct{}),
	}
}

// Start launches readPump and writePump. ctx controls pump lifetime; cancel is stored for Close.
func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.cancel = cancel
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

// Wait blocks until both pumps have exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close signals the session to stop. Safe to call multiple times from any goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Admin reports whether the session authenticated as the operator.
func (c *Client) Admin() bool {
	return c.admin
}

func (c *Client) enqueue(f stomp.Frame, last bool) bool {
	if c.closed() {
		return false
	}
	select {
	case c.send <- outbound{data: f.Encode(), last: last}:
		return true
	case <-c.done:
		return false
	default:
		// Slow consumer: drop the session.
		logger.Errorf("ws %s: send buffer full, closing", c.id)
		c.Close()
		return false
	}
}

func (c *Client) sendMessage(topic, sub string, body []byte) {
	f := stomp.New(stomp.CmdMessage,
		stomp.HdrDestination, topic,
		stomp.HdrSubscription, sub,
		stomp.HdrMessageID, c.id+"-"+strconv.FormatUint(c.seq.Add(1), 10),
		stomp.HdrContentType, "application/json",
	)
	f.Body = body
	c.enqueue(f, false)
}

func (c *Client) sendError(msg string) {
	c.enqueue(stomp.New(stomp.CmdError, stomp.HdrMessage, msg), true)
}

// fail sends ERROR and gives writePump a moment to flush it before the session ends.
func (c *Client) fail(msg string) {
	c.sendError(msg)
	t := time.NewTimer(writeWait)
	defer t.Stop()
	select {
	case <-c.done:
	case <-t.C:
	}
}

func (c *Client) receipt(f stomp.Frame, last bool) {
	if id := f.Header.Get(stomp.HdrReceipt); id != "" {
		c.enqueue(stomp.New(stomp.CmdReceipt, stomp.HdrReceiptID, id), last)
		return
	}
	if last {
		c.Close()
	}
}

// handshake waits for CONNECT, authenticates and answers CONNECTED.
func (c *Client) handshake() bool {
	if err := c.conn.SetReadDeadline(time.Now().Add(handshakeWait)); err != nil {
		return false
	}
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		logger.Debugf("ws %s: handshake read: %v", c.id, err)
		return false
	}
	f, err := stomp.Parse(raw)
	if err != nil || (f.Command != stomp.CmdConnect && f.Command != stomp.CmdStomp) {
		c.fail("expected CONNECT")
		return false
	}

	cred := f.Header.Get(stomp.HdrAuthorization)
	if cred == "" {
		cred = c.authHeader
	}
	if cred != "" {
		if !c.hub.authorize(cred) {
			logger.Infof("ws %s: rejected credentials %s", c.id, middleware.MaskCredential(cred))
			c.fail("unauthorized")
			return false
		}
		c.admin = true
	}

	_, cy := stomp.ParseHeartBeat(f.Header.Get(stomp.HdrHeartBeat))
	c.beat <- stomp.Negotiate(c.hub.heartbeat, cy)
	c.enqueue(stomp.New(stomp.CmdConnected,
		stomp.HdrVersion, "1.2",
		stomp.HdrHeartBeat, stomp.HeartBeat(c.hub.heartbeat, c.hub.heartbeat),
		"server", serverName,
	), false)

	logger.Infof("ws %s: connected admin=%t", c.id, c.admin)
	return true
}

// readPump reads frames until the connection fails or the client disconnects.
func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.Close()
		c.hub.Unregister(c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if !c.handshake() {
		return
	}
	c.hub.Register(c)

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return
		}
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !c.closed() {
				logger.Errorf("ws %s: read: %v", c.id, err)
			}
			return
		}
		f, err := stomp.Parse(raw)
		if err != nil {
			logger.Errorf("ws %s: %v", c.id, err)
			continue
		}
		c.handleFrame(ctx, f)
	}
}

func (c *Client) handleFrame(ctx context.Context, f stomp.Frame) {
	switch f.Command {
	case "":
		// heart-beat
	case stomp.CmdSubscribe:
		id, dest := f.Header.Get(stomp.HdrID), f.Header.Get(stomp.HdrDestination)
		if id == "" || dest == "" {
			c.sendError("SUBSCRIBE requires id and destination")
			return
		}
		c.hub.Subscribe(c, id, dest)
		c.receipt(f, false)
	case stomp.CmdUnsubscribe:
		c.hub.Unsubscribe(c, f.Header.Get(stomp.HdrID))
		c.receipt(f, false)
	case stomp.CmdSend:
		dest := f.Header.Get(stomp.HdrDestination)
		if dest == "" {
			c.sendError("SEND requires destination")
			return
		}
		c.hub.HandleSend(ctx, c, dest, f.Body)
		c.receipt(f, false)
	case stomp.CmdDisconnect:
		c.receipt(f, true)
	default:
		logger.Debugf("ws %s: ignore %s", c.id, f.Command)
	}
}

// writePump serializes writes, sends WebSocket pings and negotiated STOMP heart-beats.
func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ping := time.NewTicker(pingPeriod)
	var (
		beat   *time.Ticker
		beatCh <-chan time.Time
	)
	defer func() {
		ping.Stop()
		if beat != nil {
			beat.Stop()
		}
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case d := <-c.beat:
			if d > 0 {
				beat = time.NewTicker(d)
				beatCh = beat.C
			}
		case out := <-c.send:
			if err := c.write(websocket.TextMessage, out.data); err != nil {
				return
			}
			if out.last {
				c.Close()
				return
			}
		case <-beatCh:
			if err := c.write(websocket.TextMessage, []byte("\n")); err != nil {
				return
			}
		case <-ping.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(kind int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		logger.Errorf("ws %s: set write deadline: %v", c.id, err)
		return err
	}
	return c.conn.WriteMessage(kind, data)
}
