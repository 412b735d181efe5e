// Package statusbar draws a one-line status bar on the bottom row of the
// local terminal while a remote shell is attached.
package statusbar

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// StatusBar describes the attached shell. The remote pty is kept one row
// shorter than the local terminal so the bar never covers shell output.
type StatusBar struct {
	Pod     string
	Context string
	Status  string
	Started time.Time
	Rows    int
	Cols    int
	Enabled bool
}

func New(pod, context string, cols, rows int) *StatusBar {
	return &StatusBar{
		Pod:     pod,
		Context: context,
		Status:  "connected",
		Started: time.Now(),
		Rows:    rows,
		Cols:    cols,
		Enabled: rows >= 5,
	}
}

// PtySize returns the size to request for the remote pty.
func (s *StatusBar) PtySize() (cols, rows int) {
	if s.Enabled {
		return s.Cols, s.Rows - 1
	}
	return s.Cols, s.Rows
}

// Teardown resets modes a remote program may have left on (alternate
// screen, hidden cursor, mouse and focus reporting) and clears the bar.
func (s *StatusBar) Teardown() []byte {
	out := []byte("\x1b[?1049l\x1b[?25h\x1b[?1004l\x1b[?1000l\x1b[?1006l")
	if s.Enabled {
		out = append(out, "\x1b7"...)
		out = append(out, fmt.Sprintf("\x1b[%d;1H", s.Rows)...)
		out = append(out, "\x1b[2K\x1b8"...)
	}
	return out
}

// Draw renders the bar in reverse video on the last row, preserving the
// cursor position.
func (s *StatusBar) Draw() []byte {
	if !s.Enabled {
		return nil
	}
	content := fmt.Sprintf(" [kubeintel] %s/%s | %s | %s | Ctrl+] quit",
		s.Context, s.Pod, s.Status, formatDuration(time.Since(s.Started)))
	if len(content) >= s.Cols {
		content = content[:s.Cols]
	} else {
		content = fmt.Sprintf("%-*s", s.Cols, content)
	}
	return fmt.Appendf(nil, "\x1b7\x1b[%d;1H\x1b[7m%s\x1b[0m\x1b8", s.Rows, content)
}

// Resize updates dimensions and redraws.
func (s *StatusBar) Resize(cols, rows int) []byte {
	s.Cols = cols
	s.Rows = rows
	s.Enabled = rows >= 5
	return s.Draw()
}

func formatDuration(d time.Duration) string {
	secs := int64(d.Seconds())
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm", secs/60)
	default:
		return fmt.Sprintf("%dh%dm", secs/3600, (secs%3600)/60)
	}
}

// Writer forwards shell output and keeps the bar drawn after it. All
// terminal writes go through one mutex so output and redraws never
// interleave.
type Writer struct {
	mu  sync.Mutex
	w   io.Writer
	bar *StatusBar
}

func NewWriter(w io.Writer, bar *StatusBar) *Writer {
	return &Writer{w: w, bar: bar}
}

func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.w.Write(p)
	if err != nil {
		return n, err
	}
	if draw := w.bar.Draw(); draw != nil {
		_, _ = w.w.Write(draw)
	}
	return n, nil
}

// Redraw refreshes the bar, e.g. to advance the elapsed time.
func (w *Writer) Redraw() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if draw := w.bar.Draw(); draw != nil {
		_, _ = w.w.Write(draw)
	}
}

// Resize applies a new local terminal size and returns the pty size to
// request.
func (w *Writer) Resize(cols, rows int) (ptyCols, ptyRows int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if draw := w.bar.Resize(cols, rows); draw != nil {
		_, _ = w.w.Write(draw)
	}
	return w.bar.PtySize()
}

// Close sets the final status and tears the bar down.
func (w *Writer) Close(status string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.bar.Status = status
	_, _ = w.w.Write(w.bar.Teardown())
}
