package terminal

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"
)

// Size returns the geometry of the terminal on stdout.
func Size() (cols, rows int, err error) {
	return term.GetSize(int(os.Stdout.Fd()))
}

// ResizeSignal returns a channel that fires on SIGWINCH and a cleanup function.
func ResizeSignal() (<-chan os.Signal, func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGWINCH)
	return ch, func() { signal.Stop(ch) }
}
