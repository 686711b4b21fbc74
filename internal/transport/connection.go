package transport

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/shellmux/shellmux/internal/permission"
	"github.com/shellmux/shellmux/internal/telemetry"
)

// pingInterval and pongWait mirror common gorilla/websocket keepalive
// practice: the server pings on an interval well under the client's
// read deadline, and any received pong (or other frame) resets it.
const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
)

// Connection is a single Client Connection (C6): one WebSocket, an
// identity resolved once at connect time, a bounded outbound queue,
// and the set of session ids this connection currently subscribes to.
type Connection struct {
	ID       string
	Identity string
	Role     permission.Role

	ws  *websocket.Conn
	log *slog.Logger
	tel *telemetry.Telemetry

	outbound chan Envelope
	closeOnce sync.Once
	closed    chan struct{}

	mu            sync.Mutex
	subscriptions map[string]subscription
}

type subscription struct {
	detach func()
}

// NewConnection wraps ws as a Connection with a bounded outbound
// queue of the given size. tel may be nil to disable instrumentation.
func NewConnection(ws *websocket.Conn, identity string, role permission.Role, outboundQueueSize int, tel *telemetry.Telemetry, log *slog.Logger) *Connection {
	if log == nil {
		log = slog.Default()
	}
	return &Connection{
		ID:            uuid.NewString(),
		Identity:      identity,
		Role:          role,
		ws:            ws,
		log:           log.With("connection", "c-"+uuid.NewString()),
		tel:           tel,
		outbound:      make(chan Envelope, outboundQueueSize),
		closed:        make(chan struct{}),
		subscriptions: make(map[string]subscription),
	}
}

// Subject builds the Permission Policy subject for this connection.
func (c *Connection) Subject() permission.Subject {
	return permission.Subject{Identity: c.Identity, Role: c.Role}
}

// Send enqueues env for delivery on the outbound pump. If the queue is
// full the connection is dropped (Overflow); the session that
// produced the message is unaffected.
func (c *Connection) Send(env Envelope) {
	select {
	case c.outbound <- env:
	case <-c.closed:
	default:
		c.log.Warn("outbound queue overflow, dropping connection")
		if c.tel != nil {
			c.tel.OverflowDrops.Inc()
		}
		c.Close()
	}
}

// TrackSubscription records a session subscription's teardown
// function so Close can detach all of them.
func (c *Connection) TrackSubscription(sessionID string, detach func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[sessionID] = subscription{detach: detach}
}

// DropSubscription removes and detaches a tracked subscription.
func (c *Connection) DropSubscription(sessionID string) {
	c.mu.Lock()
	sub, ok := c.subscriptions[sessionID]
	delete(c.subscriptions, sessionID)
	c.mu.Unlock()
	if ok && sub.detach != nil {
		sub.detach()
	}
}

// Subscriptions returns the session ids this connection is currently
// attached to.
func (c *Connection) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.subscriptions))
	for id := range c.subscriptions {
		ids = append(ids, id)
	}
	return ids
}

// Done returns a channel closed once this connection has torn down.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// Close tears down the connection: detaches every tracked
// subscription and closes the underlying WebSocket. Idempotent.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)

		c.mu.Lock()
		subs := c.subscriptions
		c.subscriptions = make(map[string]subscription)
		c.mu.Unlock()
		for _, sub := range subs {
			if sub.detach != nil {
				sub.detach()
			}
		}

		_ = c.ws.Close()
	})
}

// WritePump drains the outbound queue to the WebSocket and pings on
// an interval, until the connection is closed or the socket errors.
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.Close()

	for {
		select {
		case env, ok := <-c.outbound:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// ReadPump reads inbound frames and invokes handle for each, until the
// connection is closed or the socket errors.
func (c *Connection) ReadPump(handle func(Envelope)) {
	defer c.Close()

	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("dropping malformed frame", "error", err)
			continue
		}
		handle(env)
	}
}
