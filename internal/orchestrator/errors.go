package orchestrator

import (
	"errors"
	"strings"
)

var ErrValidationFailed = errors.New("orchestrator: validation failed")

// ValidationError carries every integrity issue found in a payload.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Issues, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidationFailed)
}
