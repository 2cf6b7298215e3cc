package ledger

import (
	"errors"
	"fmt"
)

var ErrTampered = errors.New("ledger: tampering detected")

type TamperReason string

const (
	ReasonHashMismatch TamperReason = "hash_mismatch"
	ReasonBrokenLink   TamperReason = "broken_link"
	ReasonMissingEntry TamperReason = "missing_entry"
)

// TamperError locates the first position at which a chain stops verifying.
// Tampering happened at or before Position.
type TamperError struct {
	Module   string
	Position uint64
	Reason   TamperReason
	Expected string
	Actual   string
}

func (e *TamperError) Error() string {
	return fmt.Sprintf("TAMPERING DETECTED: %s ledger %s at position %d (expected %s, got %s)",
		e.Module, e.Reason, e.Position, e.Expected, e.Actual)
}

func (e *TamperError) Is(target error) bool {
	return target == ErrTampered
}

func AsTamperError(err error) *TamperError {
	var te *TamperError
	if errors.As(err, &te) {
		return te
	}
	return nil
}
