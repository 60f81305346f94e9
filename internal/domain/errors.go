package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrScheduleNotFound       = errors.New("schedule not found")
	ErrOccurrenceNotFound     = errors.New("occurrence not found")
	ErrReconciliationConflict = errors.New("reconciliation conflict")
)

// ValidationError describes one rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidationErrors collects every violation found in one input.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Error()
	}
	return strings.Join(msgs, "; ")
}

// Err returns nil when nothing was collected.
func (e ValidationErrors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

func (e *ValidationErrors) Add(field, message string) {
	*e = append(*e, ValidationError{Field: field, Message: message})
}

// Merge flattens err into e. Non-validation errors are recorded under field.
func (e *ValidationErrors) Merge(field string, err error) {
	if err == nil {
		return
	}
	var many ValidationErrors
	if errors.As(err, &many) {
		*e = append(*e, many...)
		return
	}
	var one ValidationError
	if errors.As(err, &one) {
		*e = append(*e, one)
		return
	}
	e.Add(field, err.Error())
}

func IsValidation(err error) bool {
	var many ValidationErrors
	var one ValidationError
	return errors.As(err, &many) || errors.As(err, &one)
}

// NotFoundError matches ErrScheduleNotFound under errors.Is.
type NotFoundError struct {
	ScheduleID uuid.UUID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("schedule %s not found", e.ScheduleID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrScheduleNotFound
}

// TransientSinkError is returned when every publish attempt for a reminder failed.
type TransientSinkError struct {
	Sink     string
	Attempts int
	Err      error
}

func (e *TransientSinkError) Error() string {
	return fmt.Sprintf("sink %s failed after %d attempt(s): %v", e.Sink, e.Attempts, e.Err)
}

func (e *TransientSinkError) Unwrap() error {
	return e.Err
}
