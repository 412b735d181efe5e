// Package session binds one external process to one logical stream (log
// tail, interactive shell or one-shot command) on one gateway connection.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/kubeintel/kubeintel/internal/process"
	"github.com/kubeintel/kubeintel/internal/protocol"
)

// ErrNotRunning is returned by operations on a session that has not started
// or has already exited or been killed.
var ErrNotRunning = errors.New("session not running")

// State is a session's position in its lifecycle.
type State int32

const (
	StateSpawning State = iota
	StateRunning
	StateExited
)

// String returns a human-readable representation.
func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateRunning:
		return "running"
	default:
		return "exited"
	}
}

// Sender delivers envelopes to the connection that owns a session.
type Sender interface {
	Send(ctx context.Context, env protocol.Envelope) error
}

// Options configures a new Session.
type Options struct {
	ID     string
	Kind   protocol.Kind
	Sender Sender
	// OnExit runs once, from the pump goroutine, after the last envelope.
	OnExit func(*Session)
	Logger *slog.Logger
}

// Session owns one process adapter. Output flows through Run; the adapter
// is never touched again once the session is killed or has exited.
type Session struct {
	ID   string
	Kind protocol.Kind

	state    atomic.Int32
	adapter  process.Adapter
	sender   Sender
	onExit   func(*Session)
	log      *slog.Logger
	killed   chan struct{}
	killOnce sync.Once
	done     chan struct{}
}

// New creates a session in the Spawning state.
func New(opts Options) *Session {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		ID:     opts.ID,
		Kind:   opts.Kind,
		sender: opts.Sender,
		onExit: opts.OnExit,
		log:    log.With("session", opts.ID, "kind", opts.Kind),
		killed: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Spawn starts the session's process. On failure the session moves straight
// to Exited and Run must not be called.
func (s *Session) Spawn(start func() (process.Adapter, error)) error {
	if s.State() != StateSpawning {
		return fmt.Errorf("session %s already spawned", s.ID)
	}
	a, err := start()
	if err != nil {
		s.state.Store(int32(StateExited))
		close(s.done)
		return err
	}
	s.adapter = a
	s.state.Store(int32(StateRunning))
	s.log.Info("session started", "pid", a.Pid())
	return nil
}

// Run pumps adapter events through the framer to the sender until the
// process exits or the session is killed. The exit envelope is always the
// last one sent. Run blocks; callers start it on its own goroutine.
func (s *Session) Run(ctx context.Context) {
	defer close(s.done)
	defer func() {
		s.state.Store(int32(StateExited))
		if s.onExit != nil {
			s.onExit(s)
		}
	}()

	var carry utf8Carry
	events := s.adapter.Events()
	for {
		select {
		case <-s.killed:
			return
		case <-ctx.Done():
			s.Kill()
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Exit != nil {
				for _, rest := range carry.flush() {
					s.sendChunk(ctx, rest.stream, rest.data)
				}
				s.log.Info("session exited", "code", ev.Exit.Code, "signal", ev.Exit.Signal)
				// Control messages racing the exit envelope see Exited first.
				s.state.Store(int32(StateExited))
				s.send(ctx, protocol.FrameExit(s.Kind, s.ID, *ev.Exit))
				return
			}
			s.sendChunk(ctx, ev.Stream, carry.push(ev.Stream, ev.Data))
		}
	}
}

func (s *Session) sendChunk(ctx context.Context, stream process.Stream, data []byte) {
	if len(data) == 0 {
		return
	}
	env, ok := protocol.Frame(s.Kind, s.ID, stream, data)
	if !ok {
		s.log.Warn("dropping output from unexpected stream", "stream", stream)
		return
	}
	s.send(ctx, env)
}

// send drops envelopes once the session is killed; transport errors are
// not the session's concern.
func (s *Session) send(ctx context.Context, env protocol.Envelope) {
	select {
	case <-s.killed:
		return
	default:
	}
	if err := s.sender.Send(ctx, env); err != nil {
		s.log.Debug("dropping envelope", "type", env.Type, "err", err)
	}
}

// Kill terminates the process and stops the pump without waiting for
// buffered output. It is idempotent.
func (s *Session) Kill() {
	s.killOnce.Do(func() {
		close(s.killed)
		if s.adapter != nil {
			s.adapter.Kill()
		}
		s.log.Debug("session killed")
	})
}

// Write forwards input to the process.
func (s *Session) Write(p []byte) error {
	if !s.Running() {
		return ErrNotRunning
	}
	return adapterErr(s.adapter.Write(p))
}

// Resize changes the terminal geometry of an interactive session.
func (s *Session) Resize(cols, rows int) error {
	if !s.Running() {
		return ErrNotRunning
	}
	return adapterErr(s.adapter.Resize(cols, rows))
}

// adapterErr reports a process that has already been reaped, while its
// output is still draining, as a session that is no longer running.
func adapterErr(err error) error {
	if errors.Is(err, process.ErrNotRunning) {
		return ErrNotRunning
	}
	return err
}

// Size reports the terminal geometry of an interactive session.
func (s *Session) Size() (cols, rows int, err error) {
	if !s.Running() {
		return 0, 0, ErrNotRunning
	}
	return s.adapter.Size()
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Running reports whether the session is live and not killed.
func (s *Session) Running() bool {
	if s.State() != StateRunning {
		return false
	}
	select {
	case <-s.killed:
		return false
	default:
		return true
	}
}

// ProcessAlive reports whether the underlying process is still running.
func (s *Session) ProcessAlive() bool {
	return s.adapter != nil && s.adapter.Alive()
}

// Done is closed when the pump has finished (or the spawn failed).
func (s *Session) Done() <-chan struct{} { return s.done }

// utf8Carry holds back an incomplete trailing UTF-8 sequence per stream so a
// multi-byte character split across reads reaches the client whole.
type utf8Carry struct {
	pending map[process.Stream][]byte
}

type carried struct {
	stream process.Stream
	data   []byte
}

func (c *utf8Carry) push(stream process.Stream, data []byte) []byte {
	buf := data
	if prev := c.pending[stream]; len(prev) > 0 {
		buf = append(prev, data...)
		delete(c.pending, stream)
	}
	cut := completePrefix(buf)
	if cut < len(buf) {
		if c.pending == nil {
			c.pending = make(map[process.Stream][]byte)
		}
		c.pending[stream] = append([]byte(nil), buf[cut:]...)
	}
	return buf[:cut]
}

func (c *utf8Carry) flush() []carried {
	var out []carried
	for stream, data := range c.pending {
		out = append(out, carried{stream: stream, data: data})
	}
	c.pending = nil
	return out
}

// completePrefix returns the length of the longest prefix of b that does not
// end inside a multi-byte sequence.
func completePrefix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}
