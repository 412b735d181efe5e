package client

import (
	"context"
	"fmt"
	"io"

	"github.com/kubeintel/kubeintel/internal/connection"
	"github.com/kubeintel/kubeintel/internal/protocol"
	"github.com/kubeintel/kubeintel/internal/terminal"
)

// StreamOptions directs the output of a log or command session.
type StreamOptions struct {
	Stdout io.Writer
	Stderr io.Writer
	// StripANSI removes terminal escape sequences, for output that is not
	// going to a terminal.
	StripANSI bool
}

// Stream starts a pod_logs or kubectl_command session and copies its output
// until the exit envelope arrives. It returns the process exit code.
func Stream(ctx context.Context, tr connection.Transport, req *protocol.Request, opts StreamOptions) (int, error) {
	id := ensureSessionID(req)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := tr.SendRequest(ctx, req); err != nil {
		return -1, fmt.Errorf("sending %s request: %w", req.Type, err)
	}

	var outFilter, errFilter terminal.ANSIFilter
	write := func(w io.Writer, f *terminal.ANSIFilter, data string) {
		if w == nil {
			return
		}
		p := []byte(data)
		if opts.StripANSI {
			p = f.Filter(p)
		}
		_, _ = w.Write(p)
	}

	ch := make(chan envelopeEvent, 16)
	go readEnvelopes(ctx, tr, ch)
	for ev := range ch {
		if ev.err != nil {
			return -1, readErr(ev.err)
		}
		env := ev.env
		if env.SessionID != "" && env.SessionID != id {
			continue
		}
		switch env.Type {
		case protocol.TypeLogs, protocol.TypeCommandOutput:
			write(opts.Stdout, &outFilter, env.Data)
		case protocol.TypeCommandError:
			write(opts.Stderr, &errFilter, env.Data)
		case protocol.TypeError:
			if env.Message != "" {
				return -1, fmt.Errorf("gateway: %s", env.Message)
			}
			write(opts.Stderr, &errFilter, env.Data)
		case protocol.TypeClose, protocol.TypeCommandClose:
			return exitCode(env), nil
		}
	}
	return -1, ErrSessionLost
}
