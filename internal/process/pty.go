package process

import (
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// DefaultCols and DefaultRows are the geometry a shell starts with when the
// client has not asked for one.
const (
	DefaultCols = 80
	DefaultRows = 30
)

type ptyProcess struct {
	*proc
	mu     sync.Mutex // guards master against use after release
	master *os.File
	closed bool
	cols   int
	rows   int
}

// StartPTY spawns spec attached to a new pseudo-terminal of the given size.
// The child becomes a session leader; Kill sends SIGHUP, which interactive
// shells honour where they ignore SIGTERM.
func StartPTY(spec Spec, cols, rows int) (Adapter, error) {
	if err := checkSize(cols, rows); err != nil {
		return nil, err
	}
	cmd := spec.command()

	master, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, fmt.Errorf("opening PTY for %s: %w", spec.Path, err)
	}

	p := newProc(cmd, spec, syscall.SIGHUP)
	t := &ptyProcess{proc: p, master: master, cols: cols, rows: rows}
	p.stdin = master
	p.closers = []io.Closer{closerFunc(t.closeMaster)}

	p.readers.Add(1)
	go p.read(master, TTY)
	go p.writeLoop()
	go p.wait()

	p.log.Debug("pty process started", "cols", cols, "rows", rows)
	return t, nil
}

func (t *ptyProcess) closeMaster() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.master.Close()
}

// Resize rejects out-of-range geometry without touching the process.
func (t *ptyProcess) Resize(cols, rows int) error {
	if err := checkSize(cols, rows); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || !t.alive.Load() {
		return ErrNotRunning
	}
	if err := pty.Setsize(t.master, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return fmt.Errorf("resizing pty: %w", err)
	}
	t.cols, t.rows = cols, rows
	return nil
}

// Size queries the terminal itself rather than the stored geometry.
func (t *ptyProcess) Size() (int, int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return t.cols, t.rows, ErrNotRunning
	}
	rows, cols, err := pty.Getsize(t.master)
	if err != nil {
		return t.cols, t.rows, fmt.Errorf("querying pty size: %w", err)
	}
	return cols, rows, nil
}

func (t *ptyProcess) Interactive() bool { return true }
