package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/searchktools/stack-agent/core/stack"
)

// Metadata names the method a request frame targets.
type Metadata struct {
	Service string `json:"service"`
	Method  string `json:"method"`
}

// EncodeMetadata encodes request metadata
func EncodeMetadata(service, method string) ([]byte, error) {
	return json.Marshal(Metadata{Service: service, Method: method})
}

// DecodeMetadata decodes request metadata
func DecodeMetadata(data []byte) (Metadata, error) {
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("invalid metadata: %w", err)
	}
	if meta.Service == "" || meta.Method == "" {
		return meta, errors.New("invalid metadata: missing service or method")
	}
	return meta, nil
}

// ErrorPayload is the body of a TypeError frame. Kind and Op are set when
// the failure was a classified stack error.
type ErrorPayload struct {
	Kind    string `json:"kind,omitempty"`
	Op      string `json:"op,omitempty"`
	Message string `json:"message"`
}

// EncodeError builds the payload for err.
func EncodeError(err error) []byte {
	p := ErrorPayload{Message: err.Error()}
	var se *stack.Error
	if errors.As(err, &se) {
		p.Kind = string(se.Kind)
		p.Op = se.Op
		if se.Cause != nil {
			p.Message = se.Cause.Error()
		}
	}
	data, mErr := json.Marshal(p)
	if mErr != nil {
		return []byte(err.Error())
	}
	return data
}

// DecodeError turns an error payload back into an error. Classified
// failures come back as *stack.Error with the same kind and op.
func DecodeError(data []byte) error {
	var p ErrorPayload
	if err := json.Unmarshal(data, &p); err != nil || p.Message == "" {
		return errors.New(string(data))
	}
	if p.Kind == "" {
		return errors.New(p.Message)
	}
	return &stack.Error{Kind: stack.Kind(p.Kind), Op: p.Op, Cause: errors.New(p.Message)}
}
