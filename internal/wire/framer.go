package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// Framing modes accepted in configuration.
const (
	FramingLength = "length"
	FramingLegacy = "legacy"
)

const (
	// DefaultMaxMessageSize bounds a single length-prefixed frame (1MB).
	DefaultMaxMessageSize = 1024 * 1024
	// DefaultLegacyBufferSize matches the receive buffer desktop peers use.
	DefaultLegacyBufferSize = 1024

	headerSize = 4
)

// Framer splits a stream into message payloads.
type Framer interface {
	// ReadFrame blocks until one payload is available. io.EOF means the
	// peer closed cleanly.
	ReadFrame(r io.Reader) ([]byte, error)
	// WriteFrame writes one payload in a single call.
	WriteFrame(w io.Writer, payload []byte) error
}

// NewFramer resolves a config mode.
func NewFramer(mode string, maxSize, bufferSize int) (Framer, error) {
	switch strings.ToLower(mode) {
	case "", FramingLength:
		return &LengthPrefixed{MaxSize: maxSize}, nil
	case FramingLegacy:
		return &Legacy{BufferSize: bufferSize}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFraming, mode)
	}
}

// LengthPrefixed puts a 4-byte big-endian length before every payload,
// so coalesced or split TCP segments reassemble correctly.
type LengthPrefixed struct {
	MaxSize int
}

func (f *LengthPrefixed) maxSize() int {
	if f.MaxSize <= 0 {
		return DefaultMaxMessageSize
	}
	return f.MaxSize
}

func (f *LengthPrefixed) ReadFrame(r io.Reader) ([]byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length == 0 {
		return nil, ErrEmptyFrame
	}
	if int64(length) > int64(f.maxSize()) {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrMessageTooLarge, length, f.maxSize())
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

func (f *LengthPrefixed) WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyFrame
	}
	if len(payload) > f.maxSize() {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrMessageTooLarge, len(payload), f.maxSize())
	}

	frame := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(frame[:headerSize], uint32(len(payload)))
	copy(frame[headerSize:], payload)

	_, err := w.Write(frame)
	return err
}

// Legacy treats every read as exactly one message and writes payloads
// bare. It interoperates with peers that predate length prefixes, and
// inherits their limits: a payload larger than BufferSize arrives split
// and two quick sends may arrive merged, both surfacing as decode
// errors.
type Legacy struct {
	BufferSize int
}

func (f *Legacy) ReadFrame(r io.Reader) ([]byte, error) {
	size := f.BufferSize
	if size <= 0 {
		size = DefaultLegacyBufferSize
	}
	buf := make([]byte, size)

	n, err := r.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err == nil {
		// A zero-length read means the peer closed.
		err = io.EOF
	}
	return nil, err
}

func (f *Legacy) WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyFrame
	}
	_, err := w.Write(payload)
	return err
}
