// Package process wraps the external processes behind gateway sessions.
//
// Two variants share one contract: plain processes (log tails and one-shot
// commands) read through pipes with stdout and stderr kept apart, and
// pseudo-terminal processes (interactive shells) produce one merged stream
// and accept resize requests. Output is delivered in order on a bounded
// channel followed by exactly one exit event.
package process

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Stream tags an output chunk with the descriptor it was read from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
	TTY    Stream = "tty"
)

const (
	readBufSize  = 32 * 1024
	eventBuffer  = 32
	inputBuffer  = 256
	drainTimeout = 2 * time.Second
)

// DefaultKillGrace is how long Kill waits before escalating to SIGKILL when
// the Spec does not say otherwise.
const DefaultKillGrace = 3 * time.Second

var (
	ErrNotRunning     = errors.New("process not running")
	ErrInputFull      = errors.New("input queue full")
	ErrInvalidSize    = errors.New("invalid terminal size")
	ErrNotInteractive = errors.New("process is not attached to a terminal")
)

// ExitStatus describes how a process ended. Code is -1 when the process was
// terminated by a signal, in which case Signal names it (e.g. "SIGTERM").
type ExitStatus struct {
	Code   int
	Signal string
}

// Event is one item on an adapter's output channel: either a data chunk
// tagged with its stream, or the final exit status.
type Event struct {
	Stream Stream
	Data   []byte
	Exit   *ExitStatus
}

// Spec describes the process to start.
type Spec struct {
	Path string
	Args []string
	// Env entries are appended to the gateway's own environment.
	Env []string
	Dir string
	// KillGrace is the delay between the polite termination signal and
	// SIGKILL. Zero means DefaultKillGrace.
	KillGrace time.Duration
}

func (s Spec) command() *exec.Cmd {
	cmd := exec.Command(s.Path, s.Args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Dir = s.Dir
	return cmd
}

// Adapter is the uniform surface over a running external process.
type Adapter interface {
	// Events yields output chunks in production order, then one exit event,
	// then closes. After Kill, pending output is discarded and the exit
	// event may be dropped.
	Events() <-chan Event
	// Write queues bytes for the process's input.
	Write(p []byte) error
	// Resize changes the terminal geometry. It is a no-op for plain
	// processes.
	Resize(cols, rows int) error
	// Size reports the current terminal geometry.
	Size() (cols, rows int, err error)
	// Kill terminates the process. It is idempotent and never blocks on
	// the output stream.
	Kill()
	Alive() bool
	Pid() int
	Interactive() bool
}

// Launcher starts adapters backed by real OS processes.
type Launcher struct{}

// Plain starts a pipe-backed process.
func (Launcher) Plain(spec Spec) (Adapter, error) { return StartPlain(spec) }

// PTY starts a pseudo-terminal-backed process.
func (Launcher) PTY(spec Spec, cols, rows int) (Adapter, error) { return StartPTY(spec, cols, rows) }

// proc holds the lifecycle shared by both variants: reader goroutines feed
// events, a writer goroutine drains the input queue, and a waiter reaps the
// process and emits the exit event once the readers are done.
type proc struct {
	cmd      *exec.Cmd
	stdin    io.Writer
	events   chan Event
	inputCh  chan []byte
	done     chan struct{} // closed by Kill
	exited   chan struct{} // closed when Wait returns
	alive    atomic.Bool
	killSig  syscall.Signal
	grace    time.Duration
	killOnce sync.Once
	relOnce  sync.Once
	closers  []io.Closer
	readers  sync.WaitGroup
	log      *slog.Logger
}

func newProc(cmd *exec.Cmd, spec Spec, killSig syscall.Signal) *proc {
	grace := spec.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	p := &proc{
		cmd:     cmd,
		events:  make(chan Event, eventBuffer),
		inputCh: make(chan []byte, inputBuffer),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
		killSig: killSig,
		grace:   grace,
		log:     slog.With("pid", cmd.Process.Pid, "cmd", spec.Path),
	}
	p.alive.Store(true)
	return p
}

func (p *proc) Events() <-chan Event { return p.events }

func (p *proc) Alive() bool { return p.alive.Load() }

func (p *proc) Pid() int { return p.cmd.Process.Pid }

// Write never blocks: a full input queue is reported to the caller.
func (p *proc) Write(b []byte) error {
	if !p.alive.Load() {
		return ErrNotRunning
	}
	select {
	case <-p.done:
		return ErrNotRunning
	default:
	}
	data := make([]byte, len(b))
	copy(data, b)
	select {
	case p.inputCh <- data:
		return nil
	default:
		return ErrInputFull
	}
}

func (p *proc) Kill() {
	p.killOnce.Do(func() {
		close(p.done)
		if p.alive.Load() {
			p.signal(p.killSig)
			go p.escalate()
		}
		p.release()
	})
}

// signal delivers sig to the whole process group so helpers spawned by the
// child do not keep the pipes open.
func (p *proc) signal(sig syscall.Signal) {
	pid := p.cmd.Process.Pid
	if err := syscall.Kill(-pid, sig); err != nil {
		if err := p.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.log.Debug("signal failed", "signal", unix.SignalName(sig), "err", err)
		}
	}
}

func (p *proc) escalate() {
	t := time.NewTimer(p.grace)
	defer t.Stop()
	select {
	case <-p.exited:
	case <-t.C:
		p.log.Warn("process ignored termination signal, sending SIGKILL")
		p.signal(syscall.SIGKILL)
	}
}

// release closes the read ends, the input side and (for ptys) the master.
func (p *proc) release() {
	p.relOnce.Do(func() {
		for _, c := range p.closers {
			_ = c.Close()
		}
	})
}

// read forwards chunks from r until EOF, an error, or Kill.
func (p *proc) read(r io.Reader, stream Stream) {
	defer p.readers.Done()
	buf := make([]byte, readBufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case p.events <- Event{Stream: stream, Data: data}:
			case <-p.done:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && !isEIO(err) {
				p.log.Debug("read error", "stream", stream, "err", err)
			}
			return
		}
	}
}

func (p *proc) writeLoop() {
	for {
		select {
		case data := <-p.inputCh:
			if _, err := p.stdin.Write(data); err != nil {
				p.log.Debug("input write error", "err", err)
				return
			}
		case <-p.exited:
			return
		case <-p.done:
			return
		}
	}
}

// wait reaps the process, lets the readers drain, then emits the exit event.
func (p *proc) wait() {
	waitErr := p.cmd.Wait()
	status := exitStatus(p.cmd.ProcessState, waitErr)
	p.alive.Store(false)
	close(p.exited)

	drained := make(chan struct{})
	go func() {
		p.readers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		// A descendant still holds the output open.
		p.log.Warn("output not drained after exit, closing")
		p.release()
		<-drained
	}

	p.log.Debug("process exited", "code", status.Code, "signal", status.Signal)
	select {
	case p.events <- Event{Exit: &status}:
	case <-p.done:
	}
	close(p.events)
	p.release()
}

func exitStatus(state *os.ProcessState, err error) ExitStatus {
	if state == nil {
		return ExitStatus{Code: -1}
	}
	st := ExitStatus{Code: state.ExitCode()}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		st.Signal = unix.SignalName(ws.Signal())
		if st.Signal == "" {
			st.Signal = fmt.Sprintf("signal %d", int(ws.Signal()))
		}
	}
	return st
}

func checkSize(cols, rows int) error {
	if cols <= 0 || rows <= 0 || cols > 0xFFFF || rows > 0xFFFF {
		return fmt.Errorf("%w: %dx%d", ErrInvalidSize, cols, rows)
	}
	return nil
}

// isEIO returns true if err is an EIO (errno 5) wrapped in an *os.PathError.
// Reading a pty master after the slave side has closed yields EIO on Linux.
func isEIO(err error) bool {
	var pe *os.PathError
	if errors.As(err, &pe) {
		if errno, ok := pe.Err.(syscall.Errno); ok {
			return errno == syscall.EIO
		}
	}
	return false
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
