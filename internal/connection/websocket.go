package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/kubeintel/kubeintel/internal/protocol"
)

// WSConn carries JSON envelopes as WebSocket text messages. Binary messages
// are accepted on read and treated as JSON too.
type WSConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
	closed       atomic.Bool
	closeOnce    sync.Once
}

// NewWSConn wraps an accepted or dialled WebSocket. A positive writeTimeout
// bounds each write; a client that cannot keep up for that long is cut off
// (the library closes the connection when a write's context expires).
func NewWSConn(conn *websocket.Conn, writeTimeout time.Duration) *WSConn {
	return &WSConn{conn: conn, writeTimeout: writeTimeout}
}

// ReadMessage reads the next message. A close frame from the peer is
// reported as io.EOF.
func (c *WSConn) ReadMessage(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		c.closed.Store(true)
		if websocket.CloseStatus(err) != -1 {
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

// Send marshals env and writes it as a text message.
func (c *WSConn) Send(ctx context.Context, env protocol.Envelope) error {
	return c.writeJSON(ctx, env)
}

// SendRequest marshals req and writes it as a text message.
func (c *WSConn) SendRequest(ctx context.Context, req *protocol.Request) error {
	return c.writeJSON(ctx, req)
}

func (c *WSConn) writeJSON(ctx context.Context, v any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}
	if c.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		if errors.Is(err, context.Canceled) || websocket.CloseStatus(err) != -1 {
			c.closed.Store(true)
			return ErrClosed
		}
		return fmt.Errorf("writing websocket message: %w", err)
	}
	return nil
}

// Close sends a normal closure and releases the connection. Safe to call
// more than once.
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close(websocket.StatusNormalClosure, "")
	})
	return err
}
