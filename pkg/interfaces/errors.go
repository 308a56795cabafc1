package interfaces

import "errors"

// ErrClosed is returned by a store after Close.
var ErrClosed = errors.New("store is closed")
