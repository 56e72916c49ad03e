package server

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/essfleet/hbgate/pkg/metrics"
)

const (
	clientWriteWait  = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	maxMessageSize   = 512 * 1024
	clientBufferSize = 64
)

// Client is one browser socket. All writes go through the send
// buffer; SafeSend drops frames when the buffer is full so a stalled
// browser never blocks the hub.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	remote string

	send      chan []byte
	closeOnce sync.Once
	closed    atomic.Bool

	// cancel tears down the per-client context so command handlers
	// spawned for this browser stop when it disconnects.
	cancel context.CancelFunc
}

func newClient(hub *Hub, conn *websocket.Conn, cancel context.CancelFunc) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		remote: conn.RemoteAddr().String(),
		send:   make(chan []byte, clientBufferSize),
		cancel: cancel,
	}
}

// SafeSend queues data for this client without ever blocking. It
// reports false when the client is closed or its buffer is full; a
// send racing close is absorbed by the recover.
func (c *Client) SafeSend(data []byte) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()

	if c.closed.Load() {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// sendJSON marshals v and queues it for this client only.
func (c *Client) sendJSON(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		c.hub.log.Warnf("dropping frame for %s: %v", c.remote, err)
		return
	}
	if !c.SafeSend(b) {
		metrics.BrowserDrops.Inc()
	}
}

// sendEvent queues one typed frame for this client only.
func (c *Client) sendEvent(event string, data interface{}) {
	c.sendJSON(frame{Type: event, Data: data})
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
		if c.conn != nil {
			c.conn.Close()
		}
		if c.cancel != nil {
			c.cancel()
		}
	})
}

// readPump reads browser requests until the socket dies, handing each
// to the session. It owns unregistration.
func (c *Client) readPump(ctx context.Context, s *Session) {
	defer func() {
		c.cancel()
		c.hub.unregister <- c
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.log.Debugf("browser %s read error: %v", c.remote, err)
			}
			return
		}
		s.handle(ctx, c, data)
	}
}

// writePump drains the send buffer onto the socket and keeps the
// browser alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
