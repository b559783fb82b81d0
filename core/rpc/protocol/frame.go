package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame represents an RPC protocol frame
//
// Frame Format (18-byte header + variable data):
// +--------+--------+--------+--------+--------+--------+--------+--------+
// | Magic (4 bytes) | Ver | Type | Flags | Rsvd | RequestID (4 bytes) |
// +--------+--------+--------+--------+--------+--------+--------+--------+
// | MetaLen (2 bytes) | PayloadLen (4 bytes)                              |
// +--------+--------+--------+--------+--------+--------+--------+--------+
// | Metadata (variable)      | Payload (variable)                        |
// +--------+--------+--------+--------+--------+--------+--------+--------+
//
// Payloads carry whole zero-copy batches, so their length is 32 bits.

const (
	// Magic number for the agent protocol: "SAG\0"
	Magic uint32 = 0x53414700

	// Protocol version
	Version byte = 0x02

	// Header size (fixed)
	HeaderSize = 18

	// MaxPayload bounds a single payload.
	MaxPayload = 16 << 20
)

// Frame types
const (
	TypeRequest  byte = 0x01 // Unary request
	TypeResponse byte = 0x02 // Unary response
	TypeError    byte = 0x06 // Error response
	TypePing     byte = 0x07 // Keepalive ping
	TypePong     byte = 0x08 // Keepalive pong
)

var (
	ErrInvalidMagic   = errors.New("invalid magic number")
	ErrInvalidVersion = errors.New("unsupported protocol version")
	ErrFrameTooLarge  = errors.New("frame too large")
)

// Frame represents a complete RPC frame
type Frame struct {
	Magic     uint32 // Magic number
	Version   byte   // Protocol version
	Type      byte   // Message type
	Flags     byte   // Flags
	Reserved  byte   // Reserved for future use
	RequestID uint32 // Unique request identifier
	Metadata  []byte // Metadata (service and method)
	Payload   []byte // Payload data
}

// NewFrame creates a new frame
func NewFrame(typ byte, requestID uint32) *Frame {
	return &Frame{
		Magic:     Magic,
		Version:   Version,
		Type:      typ,
		RequestID: requestID,
	}
}

// Encode encodes the frame to bytes
func (f *Frame) Encode() ([]byte, error) {
	metaLen := len(f.Metadata)
	payloadLen := len(f.Payload)
	if metaLen > 0xffff || payloadLen > MaxPayload {
		return nil, fmt.Errorf("%w: metadata %d, payload %d", ErrFrameTooLarge, metaLen, payloadLen)
	}

	buf := make([]byte, FrameSize(metaLen, payloadLen))

	binary.BigEndian.PutUint32(buf[0:4], f.Magic)
	buf[4] = f.Version
	buf[5] = f.Type
	buf[6] = f.Flags
	buf[7] = f.Reserved
	binary.BigEndian.PutUint32(buf[8:12], f.RequestID)
	binary.BigEndian.PutUint16(buf[12:14], uint16(metaLen))
	binary.BigEndian.PutUint32(buf[14:18], uint32(payloadLen))

	copy(buf[HeaderSize:], f.Metadata)
	copy(buf[HeaderSize+metaLen:], f.Payload)
	return buf, nil
}

// DecodeHeader decodes only the frame header
func DecodeHeader(buf []byte) (*Frame, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("buffer too small: need %d, got %d", HeaderSize, len(buf))
	}

	frame := &Frame{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Type:      buf[5],
		Flags:     buf[6],
		Reserved:  buf[7],
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
	}

	if frame.Magic != Magic {
		return nil, ErrInvalidMagic
	}
	if frame.Version != Version {
		return nil, ErrInvalidVersion
	}

	return frame, nil
}

// Decode decodes a complete frame from bytes
func Decode(buf []byte) (*Frame, error) {
	frame, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}

	metaLen, payloadLen := lengths(buf)
	if payloadLen > MaxPayload {
		return nil, ErrFrameTooLarge
	}
	expectedLen := FrameSize(metaLen, payloadLen)
	if len(buf) < expectedLen {
		return nil, fmt.Errorf("buffer too small: need %d, got %d", expectedLen, len(buf))
	}

	if metaLen > 0 {
		frame.Metadata = make([]byte, metaLen)
		copy(frame.Metadata, buf[HeaderSize:HeaderSize+metaLen])
	}
	if payloadLen > 0 {
		frame.Payload = make([]byte, payloadLen)
		copy(frame.Payload, buf[HeaderSize+metaLen:expectedLen])
	}

	return frame, nil
}

// FrameSize returns the total size of a frame given metadata and payload lengths
func FrameSize(metaLen, payloadLen int) int {
	return HeaderSize + metaLen + payloadLen
}

// GetFrameSize returns the total size from a header buffer
func GetFrameSize(headerBuf []byte) (int, error) {
	if len(headerBuf) < HeaderSize {
		return 0, fmt.Errorf("buffer too small for header")
	}
	metaLen, payloadLen := lengths(headerBuf)
	if payloadLen > MaxPayload {
		return 0, ErrFrameTooLarge
	}
	return FrameSize(metaLen, payloadLen), nil
}

// ReadFrame reads one complete frame from r.
func ReadFrame(r io.Reader) (*Frame, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	if _, err := DecodeHeader(header); err != nil {
		return nil, err
	}
	size, err := GetFrameSize(header)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, size)
	copy(buf, header)
	if _, err := io.ReadFull(r, buf[HeaderSize:]); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return Decode(buf)
}

// WriteFrame encodes f and writes it to w in one call.
func WriteFrame(w io.Writer, f *Frame) error {
	buf, err := f.Encode()
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

func lengths(header []byte) (metaLen, payloadLen int) {
	return int(binary.BigEndian.Uint16(header[12:14])), int(binary.BigEndian.Uint32(header[14:18]))
}
