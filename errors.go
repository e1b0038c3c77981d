package cowverse

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("cowverse: not found")
	ErrCapacityExceeded = errors.New("cowverse: capacity exceeded")
	ErrInvalidArgument  = errors.New("cowverse: invalid argument")
	ErrCancelled        = errors.New("cowverse: cancelled")

	// ErrInvalidUpdate is returned when an update payload is not a mapping.
	ErrInvalidUpdate = fmt.Errorf("%w: update is not a mapping", ErrInvalidArgument)
)

// ItemError is a per-item failure inside a batch. Index refers to the
// position in the original request.
type ItemError struct {
	Index int
	Err   error
}

func (e ItemError) Error() string {
	return fmt.Sprintf("item %d: %v", e.Index, e.Err)
}

func (e ItemError) Unwrap() error { return e.Err }

func notFound(id string) error {
	return fmt.Errorf("%w: universe %s", ErrNotFound, id)
}
