package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/supportchat/internal/logger"
	"github.com/supportchat/internal/middleware"
	"github.com/supportchat/internal/presence"
	"github.com/supportchat/internal/protocol"
)

// Limits — параметры соединения; нулевые поля заменяются значениями по умолчанию.
type Limits struct {
	SendBufferSize int
	MaxMessageSize int64
	WriteWait      time.Duration
	PongWait       time.Duration
}

func (l Limits) withDefaults() Limits {
	if l.SendBufferSize <= 0 {
		l.SendBufferSize = 256
	}
	if l.MaxMessageSize <= 0 {
		l.MaxMessageSize = 16 * 1024
	}
	if l.WriteWait <= 0 {
		l.WriteWait = 10 * time.Second
	}
	if l.PongWait <= 0 {
		l.PongWait = 60 * time.Second
	}
	return l
}

func (l Limits) pingPeriod() time.Duration { return (l.PongWait * 9) / 10 }

var (
	ErrClosed     = errors.New("connection closed")
	ErrBufferFull = errors.New("send buffer full")
)

// bufPool pools bytes.Buffer for JSON encoding in the hot-path (writePump).
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Client represents a single WebSocket connection and implements presence.Conn.
// Lifecycle: NewClient -> Start(ctx, cancel) -> [readPump, writePump] -> Close -> Wait.
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan protocol.Outgoing
	id    string
	role  presence.Role
	scope presence.Scope

	// done is used as a non-blocking guard in Send.
	done chan struct{}
	// cancel cancels the context passed to Start, triggering pump shutdown.
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func NewClient(hub *Hub, conn *websocket.Conn, role presence.Role, scope presence.Scope) *Client {
	return &Client{
		hub:   hub,
		conn:  conn,
		send:  make(chan protocol.Outgoing, hub.limits.SendBufferSize),
		id:    uuid.NewString(),
		role:  role,
		scope: scope,
		done:  make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) Role() presence.Role { return c.role }

func (c *Client) Scope() presence.Scope { return c.scope }

// Send queues msg without blocking. A full buffer means a slow reader: the
// caller is expected to drop the connection.
func (c *Client) Send(msg protocol.Outgoing) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrBufferFull
	}
}

// Start launches readPump and writePump goroutines with controlled lifecycle.
func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.cancel = cancel
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

// Wait blocks until both pump goroutines have exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close signals the client to stop. Safe to call multiple times from any goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) logTag() string {
	return string(c.role) + " conn=" + c.id + " session=" + middleware.MaskSessionID(c.scope.SessionID)
}

// readPump reads frames and hands them to the hub one at a time, so events from
// one connection are applied in the order they were sent.
func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	lim := c.hub.limits
	c.conn.SetReadLimit(lim.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(lim.PongWait)); err != nil {
		logger.Errorf("ws set read deadline %s: %v", c.logTag(), err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(lim.PongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read error %s: %v", c.logTag(), err)
			}
			return
		}

		var msg protocol.Incoming
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Errorf("ws unmarshal error %s: %v", c.logTag(), err)
			_ = c.Send(protocol.Outgoing{Type: protocol.EventError, Payload: protocol.ErrorPayload{
				Code:    protocol.CodeBadRequest,
				Message: "malformed frame",
			}})
			continue
		}

		c.hub.HandleMessage(ctx, c, msg)
	}
}

// writePump writes messages to the WebSocket connection.
// Exits on ctx cancellation, write error, or connection close.
func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	lim := c.hub.limits
	ticker := time.NewTicker(lim.pingPeriod())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(lim.WriteWait))
			return
		case msg := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(lim.WriteWait)); err != nil {
				logger.Errorf("ws set write deadline %s: %v", c.logTag(), err)
				return
			}
			buf := bufPool.Get().(*bytes.Buffer)
			buf.Reset()
			if err := json.NewEncoder(buf).Encode(msg); err != nil {
				bufPool.Put(buf)
				logger.Errorf("ws marshal error %s: %v", c.logTag(), err)
				continue
			}
			data := buf.Bytes()
			// json.Encoder appends '\n'; trim it for WebSocket text messages.
			if len(data) > 0 && data[len(data)-1] == '\n' {
				data = data[:len(data)-1]
			}
			writeErr := c.conn.WriteMessage(websocket.TextMessage, data)
			bufPool.Put(buf)
			if writeErr != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(lim.WriteWait)); err != nil {
				logger.Errorf("ws set write deadline %s: %v", c.logTag(), err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
