package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("message not found")
	ErrAlreadyProcessed  = errors.New("message already processed")
	ErrEditWindowExpired = errors.New("edit window expired")

	// ErrCapacityExceeded never reaches API callers; the dispatcher defers the record.
	ErrCapacityExceeded = errors.New("daily capacity exceeded")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TransportError is a failed delivery attempt. It is recorded on the record, never returned to API callers.
type TransportError struct {
	Err     error
	Timeout bool
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("transport timeout: %v", e.Err)
	}
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
