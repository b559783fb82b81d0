package agent

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/searchktools/stack-agent/core/stack"
)

// StackArgs names a stack.
type StackArgs struct {
	Stack stack.Handle `json:"stack"`
}

// DurationArgs names a stack and a drain duration in milliseconds.
type DurationArgs struct {
	Stack      stack.Handle `json:"stack"`
	DurationMs int64        `json:"duration_ms"`
}

// ReceiveArgs asks for up to MaxFragments datagrams on Zocket.
// ReservedLen is the caller's reserved-word count.
type ReceiveArgs struct {
	Zocket       stack.Zocket `json:"zocket"`
	MaxFragments int          `json:"max_fragments"`
	ReservedLen  int          `json:"reserved_len"`
}

// FinalizeArgs releases a pending message. BytesConsumed is used only by
// ZeroCopyFinalizePartial.
type FinalizeArgs struct {
	Zocket        stack.Zocket `json:"zocket"`
	Token         uuid.UUID    `json:"token"`
	BytesConsumed int          `json:"bytes_consumed"`
}

// Status is the reply of operations that return nothing but success.
type Status struct {
	OK bool `json:"ok"`
}

// CountReply carries an event count.
type CountReply struct {
	Count int `json:"count"`
}

var errWire = errors.New("agent: malformed wire message")

func (a *StackArgs) MarshalWire() ([]byte, error) {
	return appendUint(nil, 1, uint64(a.Stack)), nil
}

func (a *StackArgs) UnmarshalWire(b []byte) error {
	var h uint64
	if err := consumeUints(b, &h); err != nil {
		return err
	}
	a.Stack = stack.Handle(h)
	return nil
}

func (a *DurationArgs) MarshalWire() ([]byte, error) {
	b := appendUint(nil, 1, uint64(a.Stack))
	return appendInt(b, 2, a.DurationMs), nil
}

func (a *DurationArgs) UnmarshalWire(b []byte) error {
	var h, d uint64
	if err := consumeUints(b, &h, &d); err != nil {
		return err
	}
	a.Stack = stack.Handle(h)
	a.DurationMs = protowire.DecodeZigZag(d)
	return nil
}

func (a *ReceiveArgs) MarshalWire() ([]byte, error) {
	b := appendUint(nil, 1, uint64(a.Zocket))
	b = appendInt(b, 2, int64(a.MaxFragments))
	return appendInt(b, 3, int64(a.ReservedLen)), nil
}

func (a *ReceiveArgs) UnmarshalWire(b []byte) error {
	var z, m, r uint64
	if err := consumeUints(b, &z, &m, &r); err != nil {
		return err
	}
	a.Zocket = stack.Zocket(z)
	a.MaxFragments = int(protowire.DecodeZigZag(m))
	a.ReservedLen = int(protowire.DecodeZigZag(r))
	return nil
}

func (a *FinalizeArgs) MarshalWire() ([]byte, error) {
	b := appendUint(nil, 1, uint64(a.Zocket))
	b = appendInt(b, 2, int64(a.BytesConsumed))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	return protowire.AppendBytes(b, a.Token[:]), nil
}

func (a *FinalizeArgs) UnmarshalWire(b []byte) error {
	*a = FinalizeArgs{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", errWire, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: token: %v", errWire, protowire.ParseError(n))
			}
			tok, err := uuid.FromBytes(v)
			if err != nil {
				return fmt.Errorf("%w: token: %v", errWire, err)
			}
			a.Token = tok
			b = b[n:]
		case (num == 1 || num == 2) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", errWire, protowire.ParseError(n))
			}
			if num == 1 {
				a.Zocket = stack.Zocket(v)
			} else {
				a.BytesConsumed = int(protowire.DecodeZigZag(v))
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", errWire, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

func (s *Status) MarshalWire() ([]byte, error) {
	v := uint64(0)
	if s.OK {
		v = 1
	}
	return appendUint(nil, 1, v), nil
}

func (s *Status) UnmarshalWire(b []byte) error {
	var v uint64
	if err := consumeUints(b, &v); err != nil {
		return err
	}
	s.OK = v != 0
	return nil
}

func (c *CountReply) MarshalWire() ([]byte, error) {
	return appendInt(nil, 1, int64(c.Count)), nil
}

func (c *CountReply) UnmarshalWire(b []byte) error {
	var v uint64
	if err := consumeUints(b, &v); err != nil {
		return err
	}
	c.Count = int(protowire.DecodeZigZag(v))
	return nil
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	return appendUint(b, num, protowire.EncodeZigZag(v))
}

// consumeUints decodes varint fields 1..len(dst) into dst. Missing fields
// stay zero and unknown fields are skipped.
func consumeUints(b []byte, dst ...*uint64) error {
	for _, d := range dst {
		*d = 0
	}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", errWire, protowire.ParseError(n))
		}
		b = b[n:]

		if typ == protowire.VarintType && num >= 1 && int(num) <= len(dst) {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", errWire, num, protowire.ParseError(n))
			}
			*dst[num-1] = v
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", errWire, num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}
