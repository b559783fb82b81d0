package stack

import (
	"errors"
	"strings"
)

// Kind categorizes failures crossing the agent boundary.
type Kind string

const (
	KindResolution Kind = "resolution" // required primitive not provided
	KindProtocol   Kind = "protocol"   // caller state does not match lifecycle
	KindStack      Kind = "stack"      // stack primitive failed
)

var (
	ErrNotFound          = errors.New("stack not registered")
	ErrAlreadyRegistered = errors.New("stack already registered")
	ErrInvalidHandle     = errors.New("invalid stack handle")

	// ErrZocketGone is wrapped by stack libraries when a zocket no longer
	// exists, for instance because its stack was freed.
	ErrZocketGone = errors.New("zocket does not exist")
)

// Error is the structured error returned by agent operations.
type Error struct {
	Cause error
	Kind  Kind
	Op    string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(string(e.Kind))
	b.WriteString("] ")
	b.WriteString(e.Op)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind with an empty Op,
// or the same kind and op.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Op == "" || t.Op == e.Op)
}

// Resolution wraps err as a resolution failure for op.
func Resolution(op string, err error) error {
	return &Error{Kind: KindResolution, Op: op, Cause: err}
}

// Protocol wraps err as a protocol violation for op.
func Protocol(op string, err error) error {
	return &Error{Kind: KindProtocol, Op: op, Cause: err}
}

// Failed wraps a stack primitive failure for op. A nil err yields nil.
func Failed(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindStack, Op: op, Cause: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
