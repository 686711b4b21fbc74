// Package consoleclient is a thin WebSocket client for the admin
// console: it dials the broker as any other client would, using the
// same Envelope wire protocol, and exposes received events on a
// channel for the console's TUI to consume.
package consoleclient

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shellmux/shellmux/internal/transport"
)

// Client is a single WebSocket connection to the broker.
type Client struct {
	ws     *websocket.Conn
	Events <-chan transport.Envelope

	events chan transport.Envelope
	closed chan struct{}
}

// Dial connects to the broker at wsURL ("ws://host:port/ws" or
// "wss://..."), presenting token as a bearer credential.
func Dial(wsURL, token string) (*Client, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		ws:     conn,
		events: make(chan transport.Envelope, 64),
		closed: make(chan struct{}),
	}
	c.Events = c.events

	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var env transport.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		select {
		case c.events <- env:
		case <-c.closed:
			return
		}
	}
}

// Send writes env to the broker.
func (c *Client) Send(env transport.Envelope) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(env)
}

// Close tears down the connection.
func (c *Client) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return c.ws.Close()
}
