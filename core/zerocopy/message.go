package zerocopy

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/searchktools/stack-agent/core/stack"
)

// Fragment is one received datagram.
type Fragment struct {
	Len  int    `json:"len"`
	Data []byte `json:"data,omitempty"`
}

// Message is the caller's view of one zero-copy receive. Token is uuid.Nil
// when nothing was received or the message has been finalized.
type Message struct {
	Zocket        stack.Zocket             `json:"zocket"`
	Token         uuid.UUID                `json:"token"`
	FragmentCount int                      `json:"fragment_count"`
	LeftCount     int                      `json:"left_count"`
	Flags         int                      `json:"flags"`
	Reserved      [stack.ReservedLen]int32 `json:"reserved"`
	Fragments     []Fragment               `json:"fragments,omitempty"`
}

// TotalBytes returns the summed fragment lengths.
func (m *Message) TotalBytes() int {
	n := 0
	for _, f := range m.Fragments {
		n += f.Len
	}
	return n
}

// Field numbers of the wire form.
const (
	fieldZocket        protowire.Number = 1
	fieldToken         protowire.Number = 2
	fieldFragmentCount protowire.Number = 3
	fieldLeftCount     protowire.Number = 4
	fieldFlags         protowire.Number = 5
	fieldReserved      protowire.Number = 6
	fieldFragment      protowire.Number = 7

	fieldFragmentLen  protowire.Number = 1
	fieldFragmentData protowire.Number = 2
)

var ErrMalformed = errors.New("zerocopy: malformed message")

// MarshalWire encodes m in protobuf wire format. Fragment contents are
// written only when FragmentCount is positive.
func (m *Message) MarshalWire() ([]byte, error) {
	b := make([]byte, 0, 64+m.TotalBytes())

	b = protowire.AppendTag(b, fieldZocket, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Zocket))
	if m.Token != uuid.Nil {
		b = protowire.AppendTag(b, fieldToken, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Token[:])
	}
	b = appendInt(b, fieldFragmentCount, m.FragmentCount)
	b = appendInt(b, fieldLeftCount, m.LeftCount)
	b = appendInt(b, fieldFlags, m.Flags)

	var packed []byte
	for _, r := range m.Reserved {
		packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(int64(r)))
	}
	b = protowire.AppendTag(b, fieldReserved, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)

	if m.FragmentCount > 0 {
		for _, f := range m.Fragments {
			var fb []byte
			fb = appendInt(fb, fieldFragmentLen, f.Len)
			fb = protowire.AppendTag(fb, fieldFragmentData, protowire.BytesType)
			fb = protowire.AppendBytes(fb, f.Data)

			b = protowire.AppendTag(b, fieldFragment, protowire.BytesType)
			b = protowire.AppendBytes(b, fb)
		}
	}
	return b, nil
}

// UnmarshalWire decodes the form written by MarshalWire. Fragment data is
// copied out of b.
func (m *Message) UnmarshalWire(b []byte) error {
	*m = Message{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldZocket && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: zocket: %v", ErrMalformed, protowire.ParseError(n))
			}
			m.Zocket = stack.Zocket(v)
			b = b[n:]

		case num == fieldToken && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: token: %v", ErrMalformed, protowire.ParseError(n))
			}
			tok, err := uuid.FromBytes(v)
			if err != nil {
				return fmt.Errorf("%w: token: %v", ErrMalformed, err)
			}
			m.Token = tok
			b = b[n:]

		case (num == fieldFragmentCount || num == fieldLeftCount || num == fieldFlags) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			x := int(protowire.DecodeZigZag(v))
			switch num {
			case fieldFragmentCount:
				m.FragmentCount = x
			case fieldLeftCount:
				m.LeftCount = x
			default:
				m.Flags = x
			}
			b = b[n:]

		case num == fieldReserved && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: reserved: %v", ErrMalformed, protowire.ParseError(n))
			}
			if err := m.decodeReserved(v); err != nil {
				return err
			}
			b = b[n:]

		case num == fieldFragment && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: fragment: %v", ErrMalformed, protowire.ParseError(n))
			}
			f, err := decodeFragment(v)
			if err != nil {
				return err
			}
			m.Fragments = append(m.Fragments, f)
			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if m.FragmentCount != len(m.Fragments) {
		return fmt.Errorf("%w: %d fragments for count %d", ErrMalformed, len(m.Fragments), m.FragmentCount)
	}
	return nil
}

func (m *Message) decodeReserved(b []byte) error {
	i := 0
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return fmt.Errorf("%w: reserved: %v", ErrMalformed, protowire.ParseError(n))
		}
		if i >= stack.ReservedLen {
			return fmt.Errorf("%w: reserved: more than %d words", ErrReservedMismatch, stack.ReservedLen)
		}
		m.Reserved[i] = int32(protowire.DecodeZigZag(v))
		i++
		b = b[n:]
	}
	if i != stack.ReservedLen {
		return fmt.Errorf("%w: reserved: %d words", ErrReservedMismatch, i)
	}
	return nil
}

func decodeFragment(b []byte) (Fragment, error) {
	var f Fragment
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return f, fmt.Errorf("%w: fragment: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldFragmentLen && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return f, fmt.Errorf("%w: fragment len: %v", ErrMalformed, protowire.ParseError(n))
			}
			f.Len = int(protowire.DecodeZigZag(v))
			b = b[n:]
		case num == fieldFragmentData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return f, fmt.Errorf("%w: fragment data: %v", ErrMalformed, protowire.ParseError(n))
			}
			f.Data = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return f, fmt.Errorf("%w: fragment field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if f.Len != len(f.Data) {
		return f, fmt.Errorf("%w: fragment len %d with %d bytes", ErrMalformed, f.Len, len(f.Data))
	}
	return f, nil
}

func appendInt(b []byte, num protowire.Number, v int) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(v)))
}
