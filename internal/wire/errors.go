package wire

import (
	"errors"
	"fmt"
)

var (
	ErrMessageTooLarge = errors.New("message too large")
	ErrEmptyFrame      = errors.New("empty frame")
	ErrUnknownFraming  = errors.New("unknown framing mode")
	ErrUnknownEncoding = errors.New("unknown encoding")
)

// DecodeError reports a frame that arrived intact but could not be
// parsed. The stream itself is still usable.
type DecodeError struct {
	Size int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %d-byte frame: %v", e.Size, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
