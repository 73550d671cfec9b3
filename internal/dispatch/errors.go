package dispatch

import "errors"

var (
	ErrNotStarted     = errors.New("dispatcher not started")
	ErrStopped        = errors.New("dispatcher stopped")
	ErrAlreadyStarted = errors.New("dispatcher already started")
	ErrQueueFull      = errors.New("dispatch queue full")
	ErrStopTimeout    = errors.New("timeout waiting for dispatch workers to stop")
)

// internalErrorMessage is reported when the dispatch scaffolding itself faults.
const internalErrorMessage = "Internal Host Error"
