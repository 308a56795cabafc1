package events

import "errors"

var (
	ErrQueueAlreadyRunning = errors.New("event queue is already running")
	ErrQueueNotRunning     = errors.New("event queue is not running")
	ErrQueueFull           = errors.New("event queue is full")
)
