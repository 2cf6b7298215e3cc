package outbox

import (
	"errors"
	"fmt"
)

// TamperingError reports a modification of rows that may only be inserted.
type TamperingError struct {
	TableName string
	Operation OperationType
	Message   string
}

func (e *TamperingError) Error() string {
	return fmt.Sprintf("TAMPERING DETECTED: %s operation on %s table %s",
		e.Operation, e.Message, e.TableName)
}

func NewTamperingError(tableName string, operation OperationType, message string) *TamperingError {
	return &TamperingError{
		TableName: tableName,
		Operation: operation,
		Message:   message,
	}
}

func IsTamperingError(err error) bool {
	return AsTamperingError(err) != nil
}

func AsTamperingError(err error) *TamperingError {
	var te *TamperingError
	if errors.As(err, &te) {
		return te
	}
	return nil
}
