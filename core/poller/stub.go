//go:build !linux && !darwin
// +build !linux,!darwin

package poller

// NewPoller reports that no multiplexer is available on this platform.
func NewPoller() (Poller, error) {
	return nil, ErrUnsupported
}
