// Package wire converts envelopes to bytes and splits a byte stream
// into frames.
package wire

import (
	"fmt"

	"classlink/pkg/types"
)

// Codec encodes and decodes envelopes. It is a pure transform and safe
// for concurrent use.
type Codec struct {
	encoding Encoding
}

// NewCodec returns a codec for enc, falling back to JSON when nil.
func NewCodec(enc Encoding) *Codec {
	if enc == nil {
		enc = JSON
	}
	return &Codec{encoding: enc}
}

// Encoding returns the codec's encoding.
func (c *Codec) Encoding() Encoding {
	return c.encoding
}

// Encode serializes env into one payload.
func (c *Codec) Encode(env *types.Envelope) ([]byte, error) {
	if env == nil || env.Type == "" {
		return nil, fmt.Errorf("encode: envelope has no type")
	}
	fields, err := env.Fields()
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.Type, err)
	}
	data, err := c.encoding.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.Type, err)
	}
	return data, nil
}

// Decode parses one payload. Parse failures come back as *DecodeError.
func (c *Codec) Decode(data []byte) (*types.Envelope, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Size: 0, Err: ErrEmptyFrame}
	}
	fields, err := c.encoding.Unmarshal(data)
	if err != nil {
		return nil, &DecodeError{Size: len(data), Err: err}
	}
	env, err := types.FromFields(fields)
	if err != nil {
		return nil, &DecodeError{Size: len(data), Err: err}
	}
	return env, nil
}
