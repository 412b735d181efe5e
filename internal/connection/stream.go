package connection

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kubeintel/kubeintel/internal/protocol"
)

// MaxLineSize bounds one newline-delimited message on a stream transport.
const MaxLineSize = 1 << 20

// StreamConn carries newline-delimited JSON envelopes over a byte stream,
// typically a Unix socket connection. It is safe for concurrent writes.
type StreamConn struct {
	conn      net.Conn
	scanner   *bufio.Scanner
	mu        sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewStreamConn wraps the given connection.
func NewStreamConn(conn net.Conn) *StreamConn {
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	return &StreamConn{conn: conn, scanner: sc}
}

// ReadMessage returns the next line without its terminator. Blank lines are
// skipped. ctx cancellation unblocks a pending read by closing the
// connection.
func (c *StreamConn) ReadMessage(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetReadDeadline(time.Now()) })
	defer stop()

	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	c.closed.Store(true)
	if err := c.scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading stream message: %w", err)
	}
	return nil, io.EOF
}

// Send writes env as one JSON line.
func (c *StreamConn) Send(ctx context.Context, env protocol.Envelope) error {
	return c.writeJSON(ctx, env)
}

// SendRequest writes req as one JSON line.
func (c *StreamConn) SendRequest(ctx context.Context, req *protocol.Request) error {
	return c.writeJSON(ctx, req)
}

func (c *StreamConn) writeJSON(ctx context.Context, v any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetWriteDeadline(time.Now()) })
	defer stop()
	if _, err := c.conn.Write(data); err != nil {
		if ctx.Err() != nil || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			c.closed.Store(true)
			return ErrClosed
		}
		return fmt.Errorf("writing stream message: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (c *StreamConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
	})
	return err
}
