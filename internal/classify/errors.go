package classify

import "errors"

var (
	ErrNotFound   = errors.New("classify: not found")
	ErrValidation = errors.New("classify: validation failed")

	// ErrConflict signals a status compare-and-set that lost its race even
	// after the single internal retry.
	ErrConflict = errors.New("classify: concurrent status update conflict")
)
