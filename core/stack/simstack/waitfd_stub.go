//go:build !linux && !darwin
// +build !linux,!darwin

package simstack

import "errors"

type waitFD struct{}

func newWaitFD() (*waitFD, error) {
	return nil, errors.New("simstack: wait descriptor not supported on this platform")
}

func (w *waitFD) fd() int { return -1 }
func (w *waitFD) notify() error { return nil }
func (w *waitFD) drain() error { return nil }
func (w *waitFD) close() error { return nil }
