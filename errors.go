package octoflow

import "errors"

var (
	// ErrEntityNotFound is returned by stores when a lookup misses.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrNotPublished is returned when starting an instance of a
	// definition that exists but was never published.
	ErrNotPublished = errors.New("workflow definition not published")

	// ErrInvalidTransition is returned for guarded state-machine moves
	// attempted from the wrong state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrTaskNotCompletable is returned when CompleteTask is called on a
	// task outside its completable states.
	ErrTaskNotCompletable = errors.New("task is not in a completable state")

	// ErrIterationBudget is returned when the continuation loop hits its
	// safety bound without settling, which points at a cyclic definition
	// with no termination condition.
	ErrIterationBudget = errors.New("continuation iteration budget exhausted")
)
