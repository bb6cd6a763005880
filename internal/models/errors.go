package models

import "errors"

var (
	// ErrInvalidTransition is returned when a status change is not an edge of the job lifecycle.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrQueueWrite is returned when a durable enqueue or claim could not be committed.
	// Nothing from the failed call should be assumed scheduled.
	ErrQueueWrite = errors.New("queue write failed")

	// ErrDependencyNotSatisfied is returned when a dependent sub-job is enqueued
	// before all of its predecessors completed.
	ErrDependencyNotSatisfied = errors.New("dependency not satisfied")

	// ErrExternalExecution marks a container that exited unsuccessfully.
	ErrExternalExecution = errors.New("external execution failed")

	// ErrNotFound is returned when an id does not resolve in the entity store.
	ErrNotFound = errors.New("not found")

	// ErrQueueEmpty is returned by claim when no QUEUED entry exists.
	ErrQueueEmpty = errors.New("no queued jobs")

	// ErrInvalidRequest wraps submission and registration validation failures.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrAlreadyExists is returned when registering an email that is taken.
	ErrAlreadyExists = errors.New("already exists")
)
