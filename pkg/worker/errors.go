package worker

import "github.com/c360/tsstream/errors"

var (
	ErrNilProcessor       = errors.New("worker: nil process function")
	ErrPoolNotStarted     = errors.New("worker: pool not started")
	ErrPoolAlreadyStarted = errors.New("worker: pool already started")
	ErrPoolStopped        = errors.New("worker: pool stopped")

	// ErrQueueFull is returned by Submit instead of blocking.
	ErrQueueFull = errors.New("worker: queue full")

	// ErrStopTimeout means Stop returned with workers still running.
	ErrStopTimeout = errors.New("worker: workers still running after stop timeout")
)
