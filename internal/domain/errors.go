package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation marks deterministic bad-input failures.
	ErrValidation = errors.New("validation failed")
	// ErrQuotaExceeded is returned when a creator already holds the maximum number of rooms.
	ErrQuotaExceeded = errors.New("maximum active groups per creator reached")
	// ErrNotFound is returned when a room id does not exist (including rooms just deleted).
	ErrNotFound = errors.New("group not found")
)

// ValidationError carries the individual field failures.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Error())
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Problems groups field messages by field name.
func (e *ValidationError) Problems() map[string][]string {
	out := make(map[string][]string, len(e.Fields))
	for _, f := range e.Fields {
		out[f.Field] = append(out[f.Field], f.Msg)
	}
	return out
}

// StorageError wraps a failure of the durable store: unreachable, timed out or
// otherwise not attributable to the caller's input. It is the only retryable kind.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }

// Storage wraps err as a StorageError unless it already is one, or is one of
// the deterministic kinds.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrQuotaExceeded) || errors.Is(err, ErrValidation) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// IsTransient reports whether err is a StorageError.
func IsTransient(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
