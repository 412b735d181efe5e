package process

import (
	"fmt"
	"io"
	"os"
	"syscall"
)

type plainProcess struct {
	*proc
}

// StartPlain spawns spec with stdin, stdout and stderr connected to pipes.
// The child gets its own process group so Kill reaches anything it forks.
func StartPlain(spec Spec) (Adapter, error) {
	cmd := spec.command()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var opened []*os.File
	closeAll := func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}
	pipe := func() (*os.File, *os.File, error) {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, nil, fmt.Errorf("creating pipe: %w", err)
		}
		opened = append(opened, r, w)
		return r, w, nil
	}

	inR, inW, err := pipe()
	if err != nil {
		closeAll()
		return nil, err
	}
	outR, outW, err := pipe()
	if err != nil {
		closeAll()
		return nil, err
	}
	errR, errW, err := pipe()
	if err != nil {
		closeAll()
		return nil, err
	}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = inR, outW, errW

	if err := cmd.Start(); err != nil {
		closeAll()
		return nil, fmt.Errorf("starting %s: %w", spec.Path, err)
	}
	// The child holds its own copies now.
	_ = inR.Close()
	_ = outW.Close()
	_ = errW.Close()

	p := newProc(cmd, spec, syscall.SIGTERM)
	p.stdin = inW
	p.closers = []io.Closer{outR, errR, inW}

	p.readers.Add(2)
	go p.read(outR, Stdout)
	go p.read(errR, Stderr)
	go p.writeLoop()
	go p.wait()

	p.log.Debug("process started")
	return &plainProcess{proc: p}, nil
}

// Resize validates the geometry but has nothing to apply it to.
func (p *plainProcess) Resize(cols, rows int) error {
	return checkSize(cols, rows)
}

func (p *plainProcess) Size() (int, int, error) {
	return 0, 0, ErrNotInteractive
}

func (p *plainProcess) Interactive() bool { return false }
