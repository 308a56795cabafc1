package types

import "errors"

var (
	ErrInvalidPeerID    = errors.New("peer ID must be 1-64 characters: letters, digits, '_', '-', '.', ':'")
	ErrInvalidPayload   = errors.New("payload does not match message type")
	ErrEmptySubject     = errors.New("homework subject cannot be empty")
	ErrEmptyClass       = errors.New("class name cannot be empty")
	ErrEmptyContent     = errors.New("content cannot be empty")
	ErrContentTooLarge  = errors.New("content exceeds 64KB limit")
	ErrClassNameTooLong = errors.New("class name exceeds 100 characters")
)
