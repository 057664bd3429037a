package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrConnectionClosed is returned by Send once the socket is closed.
var ErrConnectionClosed = errors.New("transport: connection closed")

// Connection wraps one extension websocket. Writes are serialized; Close is
// safe to call from any goroutine, any number of times.
type Connection struct {
	sessionID    string
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}

	missedPongs atomic.Int32
}

func newConnection(ws *websocket.Conn, sessionID string, writeTimeout time.Duration) *Connection {
	return &Connection{
		sessionID:    sessionID,
		ws:           ws,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

// SessionID returns the session this connection was bound to at handshake.
func (c *Connection) SessionID() string { return c.sessionID }

// IsOpen reports whether the connection can still carry messages.
func (c *Connection) IsOpen() bool { return !c.closed.Load() }

// Done is closed when the connection closes.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Send writes one text frame. The write deadline is the earlier of the
// configured write timeout and ctx's deadline.
func (c *Connection) Send(ctx context.Context, payload []byte) error {
	if !c.IsOpen() {
		return ErrConnectionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// ping sends a transport-level ping. It counts as unanswered until the pong
// handler resets the counter.
func (c *Connection) ping() error {
	c.missedPongs.Add(1)
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *Connection) unansweredPings() int {
	return int(c.missedPongs.Load())
}

func (c *Connection) pong() {
	c.missedPongs.Store(0)
}

// Close sends a close frame when possible and tears the socket down.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
		err = c.ws.Close()
	})
	return err
}
