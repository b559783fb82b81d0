//go:build linux
// +build linux

package simstack

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// waitFD is an eventfd; readable while its counter is non-zero.
type waitFD struct {
	efd int
}

func newWaitFD() (*waitFD, error) {
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &waitFD{efd: efd}, nil
}

func (w *waitFD) fd() int { return w.efd }

func (w *waitFD) notify() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(w.efd, buf[:])
	return err
}

func (w *waitFD) drain() error {
	var buf [8]byte
	_, err := unix.Read(w.efd, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (w *waitFD) close() error {
	return unix.Close(w.efd)
}
