package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/craftlink/craftlink/proto"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// wsConn wraps a gorilla connection as a registry Conn. Envelopes for the
// same socket can arrive from different origin goroutines, so writes are
// serialized here.
type wsConn struct {
	conn *websocket.Conn

	mu   sync.Mutex
	open bool
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn, open: true}
}

func (c *wsConn) Send(env *proto.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}

	slog.Debug("Sent WebSocket envelope", "kind", env.Kind, "size", len(data))
	return nil
}

func (c *wsConn) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *wsConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}
