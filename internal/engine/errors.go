package engine

import "errors"

// ErrTooManyReads is returned when the reader admission queue is full.
var ErrTooManyReads = errors.New("engine: too many queued reads")
