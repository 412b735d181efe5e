package client

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/kubeintel/kubeintel/internal/connection"
	"github.com/kubeintel/kubeintel/internal/protocol"
)

// QuitByte (Ctrl+]) typed in a shell closes the connection, which ends the
// remote shell.
const QuitByte = 0x1d

// Size is a terminal geometry.
type Size struct {
	Cols, Rows int
}

// ShellIO wires an interactive shell to the local terminal.
type ShellIO struct {
	In  io.Reader
	Out io.Writer
	// Resize delivers new local terminal sizes; nil when the size is fixed.
	Resize <-chan Size
	// Warn receives gateway errors that do not end a running shell. Nil
	// means Out.
	Warn io.Writer
}

// ShellResult reports how a shell session ended.
type ShellResult struct {
	Code   int
	Signal string
	// Quit is true when the user left with QuitByte.
	Quit bool
}

// Shell starts a pod_shell session and relays keystrokes, output and
// resizes until the remote shell exits or the user quits.
func Shell(ctx context.Context, tr connection.Transport, req *protocol.Request, sio ShellIO) (ShellResult, error) {
	id := ensureSessionID(req)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := tr.SendRequest(ctx, req); err != nil {
		return ShellResult{}, fmt.Errorf("sending shell request: %w", err)
	}

	envCh := make(chan envelopeEvent, 16)
	go readEnvelopes(ctx, tr, envCh)

	quit := make(chan struct{})
	inErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := sio.In.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				stop := false
				if i := bytes.IndexByte(chunk, QuitByte); i >= 0 {
					chunk, stop = chunk[:i], true
				}
				if len(chunk) > 0 {
					data := string(chunk)
					if err := tr.SendRequest(ctx, &protocol.Request{Type: protocol.TypeShellInput, SessionID: id, Data: &data}); err != nil {
						inErr <- err
						return
					}
				}
				if stop {
					close(quit)
					return
				}
			}
			if err != nil {
				// stdin closed; keep relaying output until the shell exits.
				return
			}
		}
	}()

	warn := sio.Warn
	if warn == nil {
		warn = sio.Out
	}
	started := false
	for {
		select {
		case ev, ok := <-envCh:
			if !ok {
				return ShellResult{}, ErrSessionLost
			}
			if ev.err != nil {
				return ShellResult{}, readErr(ev.err)
			}
			env := ev.env
			if env.SessionID != "" && env.SessionID != id {
				continue
			}
			switch env.Type {
			case protocol.TypeShellData:
				started = true
				_, _ = io.WriteString(sio.Out, env.Data)
			case protocol.TypeShellExit:
				return ShellResult{Code: exitCode(env), Signal: env.Signal}, nil
			case protocol.TypeError:
				msg := env.Message
				if msg == "" {
					msg = env.Data
				}
				// Before any output the error means the shell never started.
				if !started {
					return ShellResult{}, fmt.Errorf("gateway: %s", msg)
				}
				_, _ = fmt.Fprintf(warn, "\r\n[kubeintel] %s\r\n", msg)
			}

		case sz, ok := <-sio.Resize:
			if !ok {
				sio.Resize = nil
				continue
			}
			cols, rows := sz.Cols, sz.Rows
			if cols <= 0 || rows <= 0 {
				continue
			}
			if err := tr.SendRequest(ctx, &protocol.Request{Type: protocol.TypeShellResize, SessionID: id, Cols: &cols, Rows: &rows}); err != nil {
				return ShellResult{}, fmt.Errorf("sending resize: %w", err)
			}

		case err := <-inErr:
			return ShellResult{}, fmt.Errorf("sending input: %w", err)

		case <-quit:
			return ShellResult{Code: -1, Quit: true}, nil

		case <-ctx.Done():
			return ShellResult{}, ctx.Err()
		}
	}
}
