package socketbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Conn wraps one live bot transport connection. All writes are serialized by
// a per-connection mutex so envelope order per bot matches dispatch order.
type Conn struct {
	ID          string
	ConnectedAt time.Time

	ws       *websocket.Conn
	writeMu  sync.Mutex
	lastPong atomic.Int64
	closed   atomic.Bool
}

func newConn(id string, ws *websocket.Conn, now time.Time) *Conn {
	c := &Conn{ID: id, ConnectedAt: now, ws: ws}
	c.lastPong.Store(now.UnixNano())
	ws.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().UnixNano())
		return nil
	})
	return c
}

func (c *Conn) sendJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *Conn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// closeWithReason sends a close frame carrying reason, then tears the socket
// down. Safe to call more than once.
func (c *Conn) closeWithReason(code int, reason string) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()
	c.ws.Close()
}

func (c *Conn) lastPongTime() time.Time {
	return time.Unix(0, c.lastPong.Load())
}
