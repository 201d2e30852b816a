package hub

import "errors"

var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
	ErrCommandQueueFull  = errors.New("hub command queue is full")
	ErrInvalidRoom       = errors.New("room id is required")
	ErrNilSubscriber     = errors.New("subscriber is nil")
)
