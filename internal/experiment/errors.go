package experiment

import (
	"errors"
	"strings"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNotEditable is returned when a test that has left draft is updated.
	// Clone it into a new draft instead.
	ErrNotEditable = errors.New("test can only be edited in draft")
)

// ValidationError lists every problem found in a test definition.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid test: " + strings.Join(e.Problems, "; ")
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
