package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

// WireMessage is implemented by hand-encoded types that write protobuf
// wire format without generated code.
type WireMessage interface {
	MarshalWire() ([]byte, error)
	UnmarshalWire([]byte) error
}

// ProtobufCodec implements Protocol Buffers encoding/decoding for generated
// messages and WireMessage types.
type ProtobufCodec struct{}

func (c *ProtobufCodec) Encode(v interface{}) ([]byte, error) {
	switch msg := v.(type) {
	case proto.Message:
		return proto.Marshal(msg)
	case WireMessage:
		return msg.MarshalWire()
	}
	return nil, fmt.Errorf("value must implement proto.Message or WireMessage, got %T", v)
}

func (c *ProtobufCodec) Decode(data []byte, v interface{}) error {
	switch msg := v.(type) {
	case proto.Message:
		return proto.Unmarshal(data, msg)
	case WireMessage:
		return msg.UnmarshalWire(data)
	}
	return fmt.Errorf("value must implement proto.Message or WireMessage, got %T", v)
}

func (c *ProtobufCodec) Name() string {
	return "protobuf"
}
