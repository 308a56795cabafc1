package server

import "errors"

var (
	ErrAlreadyRunning = errors.New("server is already running")
	ErrInvalidPort    = errors.New("port must be between 0 and 65535")
)
