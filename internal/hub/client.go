package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1MB, generous for a11y snapshots/screenshots
)

// client wraps one WebSocket connection (Intent or a Sentinel) with a
// panic-safe send channel, mirroring the reference codebase's Client:
// SafeSend never panics on a closed channel, and Close is idempotent via
// sync.Once.
type client struct {
	conn   *websocket.Conn
	connID string
	send   chan []byte

	closeOnce sync.Once
	closed    atomic.Bool
}

func newClient(conn *websocket.Conn, connID string) *client {
	return &client{conn: conn, connID: connID, send: make(chan []byte, 256)}
}

// SafeSend enqueues data for the write pump. Returns false if the client
// is closed or its send buffer is full.
func (c *client) SafeSend(data []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
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

// Close closes the send channel exactly once.
func (c *client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
	})
	return nil
}

// CloseWithCode sends a WebSocket close frame with code before closing
// the connection (used for the 4001 auth-mismatch close, spec.md §6).
func (c *client) CloseWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.Close()
	_ = c.conn.Close()
}

// readPump reads frames off the connection and forwards raw bytes to
// onMessage until the connection errors or closes, then notifies
// onClose exactly once.
func (c *client) readPump(onMessage func(data []byte), onClose func()) {
	defer func() {
		onClose()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		onMessage(data)
	}
}

// writePump pumps queued messages and periodic pings to the connection
// until the send channel is closed.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
