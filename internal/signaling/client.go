package signaling

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshconf/meshconf/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Outbound queue per connection. Delivery is best-effort: a slow consumer
	// gets events dropped rather than stalling other connections.
	sendQueueSize = 256
)

// client is one websocket connection, i.e. one participant. The reader
// goroutine owns name and room; other goroutines only touch id, send and done.
type client struct {
	id   string
	conn *websocket.Conn

	send chan protocol.Envelope
	done chan struct{}

	closeOnce sync.Once

	name string
	room string
}

func newClient(id string, conn *websocket.Conn) *client {
	return &client{
		id:   id,
		conn: conn,
		send: make(chan protocol.Envelope, sendQueueSize),
		done: make(chan struct{}),
	}
}

// shutdown unblocks the write pump. Safe to call multiple times.
func (c *client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// trySend queues an event for delivery without blocking. It reports false if
// the connection is shutting down or the queue is full.
func (c *client) trySend(ev protocol.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- ev:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// writePump is the single writer for the connection. It serializes queued
// events and keepalive pings, so per-sender ordering is preserved end to end.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
