package terminal

// ANSIFilter removes ANSI/VT100 escape sequences from a stream of output
// chunks. A sequence split across chunks is held back until it completes.
type ANSIFilter struct {
	pending []byte
}

// Filter returns p with escape sequences removed.
func (f *ANSIFilter) Filter(p []byte) []byte {
	buf := append(f.pending, p...)
	f.pending = nil
	out := make([]byte, 0, len(buf))
	for i := 0; i < len(buf); {
		if buf[i] != 0x1b {
			out = append(out, buf[i])
			i++
			continue
		}
		n, ok := escapeLen(buf[i:])
		if !ok {
			f.pending = append([]byte(nil), buf[i:]...)
			break
		}
		i += n
	}
	return out
}

// escapeLen measures the escape sequence at the start of b. ok is false
// when b ends before the sequence does.
func escapeLen(b []byte) (n int, ok bool) {
	if len(b) < 2 {
		return 0, false
	}
	switch b[1] {
	case '[': // CSI
		for j := 2; j < len(b); j++ {
			if b[j] >= 0x40 && b[j] <= 0x7e {
				return j + 1, true
			}
		}
	case ']': // OSC, ended by BEL or ST
		for j := 2; j < len(b); j++ {
			if b[j] == 0x07 {
				return j + 1, true
			}
			if b[j] == 0x1b && j+1 < len(b) && b[j+1] == '\\' {
				return j + 2, true
			}
		}
	default:
		return 2, true
	}
	return 0, false
}

// StripANSI removes escape sequences from a complete string. An unfinished
// trailing sequence is dropped.
func StripANSI(s string) string {
	var f ANSIFilter
	return string(f.Filter([]byte(s)))
}
