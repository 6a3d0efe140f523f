package app

import (
	"errors"
	"fmt"
)

// ErrNotInitialized and related errors describe lifecycle and routing failures.
var (
	ErrNotInitialized = errors.New("service not initialized")
	ErrNoRemote       = errors.New("no remote document store configured")
	ErrNotTaskLike    = errors.New("entity kind has no completion link")
)

// PropagationError reports a linked-entity write that failed. The originating
// mutation has been rolled back when it is returned.
type PropagationError struct {
	EntityID string
	LinkedID string
	Err      error
}

// Error implements error.
func (e *PropagationError) Error() string {
	return fmt.Sprintf("propagate %s to linked %s: %v", e.EntityID, e.LinkedID, e.Err)
}

// Unwrap returns the linked write failure.
func (e *PropagationError) Unwrap() error {
	return e.Err
}
