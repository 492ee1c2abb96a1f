package main

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pulsechat/broker/internal/auth"
)

const (
	// sendQueueSize buffers outbound frames per connection before the
	// consumer is considered too slow to keep.
	sendQueueSize = 256
	// writeWait bounds a single socket write.
	writeWait = 10 * time.Second
)

// Client is one live WebSocket connection together with its verified
// identity. A single identity may hold several concurrent connections; each
// gets its own Client and its own rate-limit state.
type Client struct {
	id       string
	identity auth.Identity
	conn     *websocket.Conn
	send     chan []byte
	// done is closed exactly once, under the broker lock, when the client
	// leaves the directory. The send channel itself is never closed, so a
	// fanout holding a pre-removal snapshot can still enqueue safely.
	done chan struct{}
}

// enqueue offers a frame to the writer without blocking. A false return
// means the client is gone or its buffer is full.
func (c *Client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// readPump consumes inbound frames and routes them until the socket drops,
// then unregisters the connection.
func (c *Client) readPump(b *Broker) {
	defer func() {
		b.remove(c)
		_ = c.conn.Close()
	}()

	if b.cfg != nil && b.cfg.MaxPayloadBytes > 0 {
		c.conn.SetReadLimit(b.cfg.MaxPayloadBytes)
	}
	deadline := pongDeadline(b)
	_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.log.Warn("read error", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}
		b.route(c, frame)
	}
}

// writePump drains the send buffer and keeps the connection alive with pings.
func (c *Client) writePump(b *Broker) {
	interval := 30 * time.Second
	if b.cfg != nil && b.cfg.PingInterval > 0 {
		interval = b.cfg.PingInterval
	}
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func pongDeadline(b *Broker) time.Duration {
	if b.cfg != nil && b.cfg.PingInterval > 0 {
		return 2 * b.cfg.PingInterval
	}
	return time.Minute
}
