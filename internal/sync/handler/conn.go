package handler

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeWait bounds how long a single frame write may take before the
// connection is considered broken.
const writeWait = 10 * time.Second

// wsConn adapts a gorilla websocket connection to the hub's Conn. Gorilla
// permits one concurrent writer, so writes are guarded by a mutex and a
// per-frame deadline.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
