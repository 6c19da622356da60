package task

import "errors"

// Task manager errors.
var (
	// ErrTaskNotFound is returned when a task ID is unknown.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskTerminal is returned when acting on a completed/failed/cancelled task.
	ErrTaskTerminal = errors.New("task already in a terminal state")

	// ErrQueueFull is returned when the pending queue is at capacity.
	ErrQueueFull = errors.New("task queue full")

	// ErrManagerStopped is returned when submitting after shutdown.
	ErrManagerStopped = errors.New("task manager stopped")

	// ErrNilHandler is returned when submitting a task without a handler.
	ErrNilHandler = errors.New("task handler cannot be nil")

	// ErrInvalidTransition is returned when a status change violates the
	// task lifecycle.
	ErrInvalidTransition = errors.New("invalid status transition")
)
