// Package connection carries gateway envelopes over a duplex transport.
package connection

import (
	"context"
	"errors"

	"github.com/kubeintel/kubeintel/internal/protocol"
)

// ErrClosed is returned by writes on a transport that has been closed,
// locally or by the peer. Callers drop the envelope.
var ErrClosed = errors.New("connection closed")

// Transport is one duplex client connection. ReadMessage returns io.EOF
// when the peer closes cleanly. Writes are safe for concurrent use.
type Transport interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	Send(ctx context.Context, env protocol.Envelope) error
	SendRequest(ctx context.Context, req *protocol.Request) error
	Close() error
}
