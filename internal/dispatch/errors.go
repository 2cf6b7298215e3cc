package dispatch

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownModule     = errors.New("dispatch: unknown module")
	ErrDispatchExhausted = errors.New("dispatch: retries exhausted")
)

// UnknownModuleError is a configuration error and is never retried.
type UnknownModuleError struct {
	Module string
}

func (e *UnknownModuleError) Error() string {
	return fmt.Sprintf("unknown module %q: no topic configured", e.Module)
}

func (e *UnknownModuleError) Is(target error) bool {
	return target == ErrUnknownModule
}

// ExhaustedError reports a delivery that failed on every attempt.
type ExhaustedError struct {
	Module   string
	Topic    string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("dispatch of %s to %s failed after %d attempts: %v", e.Module, e.Topic, e.Attempts, e.Err)
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrDispatchExhausted
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}
