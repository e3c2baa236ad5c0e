package queue

import "errors"

// ErrNotFound indicates the referenced queue item does not exist.
var ErrNotFound = errors.New("queue item not found")

// ErrInvalidTransition indicates a status mutation was requested from a state
// that does not permit it.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrHasDependents indicates an item cannot be removed while a non-completed
// item still depends on it.
var ErrHasDependents = errors.New("queue item has active dependents")
