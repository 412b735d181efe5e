package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/kubeintel/kubeintel/internal/connection"
	"github.com/kubeintel/kubeintel/internal/protocol"
)

// ErrSessionLost is returned when the connection ends before the session's
// exit envelope arrives.
var ErrSessionLost = errors.New("connection closed before session ended")

// Target describes where to connect: either a local Unix socket or a
// WebSocket endpoint.
type Target struct {
	Socket string // Unix socket path (empty if remote)
	URL    string // ws://, wss://, http:// or https:// URL
	Token  string // bearer token for WebSocket targets
}

// IsLocal returns true when the target is a local Unix socket connection.
func (t *Target) IsLocal() bool { return t.Socket != "" }

// Connect dials the gateway. The caller closes the returned transport.
func (t *Target) Connect(ctx context.Context) (connection.Transport, error) {
	if t.IsLocal() {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "unix", t.Socket)
		if err != nil {
			return nil, fmt.Errorf("connecting to local socket: %w", err)
		}
		return connection.NewStreamConn(conn), nil
	}

	// Send token via Authorization header only (not in URL query to avoid log exposure).
	opts := &websocket.DialOptions{}
	if t.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + t.Token}}
	}
	conn, _, err := websocket.Dial(ctx, wsURL(t.URL), opts)
	if err != nil {
		return nil, fmt.Errorf("connecting to gateway: %w", err)
	}
	// Remove the default read limit so large output chunks are not rejected.
	conn.SetReadLimit(-1)
	return connection.NewWSConn(conn, 10*time.Second), nil
}

// wsURL maps http(s) URLs to ws(s) and appends the /ws path when missing.
func wsURL(raw string) string {
	u := strings.TrimSuffix(raw, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	case !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://"):
		u = "ws://" + u
	}
	if !strings.HasSuffix(u, "/ws") {
		u += "/ws"
	}
	return u
}

type envelopeEvent struct {
	env protocol.Envelope
	err error
}

// readEnvelopes forwards every inbound envelope until the transport fails.
func readEnvelopes(ctx context.Context, tr connection.Transport, ch chan<- envelopeEvent) {
	defer close(ch)
	for {
		raw, err := tr.ReadMessage(ctx)
		if err != nil {
			select {
			case ch <- envelopeEvent{err: err}:
			case <-ctx.Done():
			}
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			select {
			case ch <- envelopeEvent{err: fmt.Errorf("parsing envelope: %w", err)}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case ch <- envelopeEvent{env: env}:
		case <-ctx.Done():
			return
		}
	}
}

// ensureSessionID assigns a session id so replies can be matched.
func ensureSessionID(req *protocol.Request) string {
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}
	return req.SessionID
}

func exitCode(env protocol.Envelope) int {
	if env.Code == nil {
		return -1
	}
	return *env.Code
}

// readErr turns a transport error into the error reported to the caller.
func readErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, connection.ErrClosed) {
		return ErrSessionLost
	}
	return fmt.Errorf("reading from gateway: %w", err)
}
