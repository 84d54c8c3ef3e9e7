package pool

import (
	"errors"
	"fmt"
)

// Common errors returned by the pool.
var (
	// ErrPoolSaturated is returned when every worker is busy and the backlog is full.
	ErrPoolSaturated = errors.New("worker pool saturated")

	// ErrPoolClosed is returned when submitting to a pool that is shutting down.
	ErrPoolClosed = errors.New("worker pool closed")

	// ErrShutdownForced is returned by Shutdown when the grace period elapsed
	// before all work drained.
	ErrShutdownForced = errors.New("worker pool shutdown forced after grace period")

	// ErrNilTask is returned when a nil task is submitted.
	ErrNilTask = errors.New("nil task")
)

// RejectionError describes a refused submission together with the pool
// occupancy observed at the time.
type RejectionError struct {
	Workers int
	Queued  int
	Err     error
}

// Error implements the error interface.
func (e *RejectionError) Error() string {
	return fmt.Sprintf("task rejected: %v (workers=%d, queued=%d)", e.Err, e.Workers, e.Queued)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *RejectionError) Unwrap() error {
	return e.Err
}
