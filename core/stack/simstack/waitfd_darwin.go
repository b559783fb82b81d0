//go:build darwin
// +build darwin

package simstack

import (
	"golang.org/x/sys/unix"
)

// waitFD is a non-blocking pipe; readable while it holds unread bytes.
type waitFD struct {
	r, w int
}

func newWaitFD() (*waitFD, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, err
	}
	for _, fd := range p {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, err
		}
	}
	return &waitFD{r: p[0], w: p[1]}, nil
}

func (w *waitFD) fd() int { return w.r }

func (w *waitFD) notify() error {
	_, err := unix.Write(w.w, []byte{1})
	return err
}

func (w *waitFD) drain() error {
	var buf [64]byte
	for {
		_, err := unix.Read(w.r, buf[:])
		if err == unix.EAGAIN {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (w *waitFD) close() error {
	err := unix.Close(w.w)
	if cerr := unix.Close(w.r); err == nil {
		err = cerr
	}
	return err
}
