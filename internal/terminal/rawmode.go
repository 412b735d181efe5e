package terminal

import (
	"errors"
	"os"

	"github.com/mattn/go-isatty"
	"golang.org/x/term"
)

// ErrNotTerminal is returned when stdin is not an interactive terminal.
var ErrNotTerminal = errors.New("stdin is not a terminal")

// RawModeGuard restores the terminal state captured by EnableRawMode.
type RawModeGuard struct {
	fd       int
	oldState *term.State
}

// IsInteractive reports whether both stdin and stdout are terminals.
func IsInteractive() bool {
	return isTerminal(os.Stdin) && isTerminal(os.Stdout)
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// EnableRawMode puts stdin into raw mode so keystrokes reach the remote
// shell unprocessed.
func EnableRawMode() (*RawModeGuard, error) {
	if !isTerminal(os.Stdin) {
		return nil, ErrNotTerminal
	}
	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return &RawModeGuard{fd: fd, oldState: oldState}, nil
}

// Restore is safe on a nil guard.
func (g *RawModeGuard) Restore() {
	if g == nil {
		return
	}
	_ = term.Restore(g.fd, g.oldState)
}
