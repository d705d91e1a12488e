package core

import (
	"errors"
	"fmt"
)

// Field names reported by ValidationError.
const (
	FieldID       = "id"
	FieldTitle    = "title"
	FieldAmount   = "amount"
	FieldCategory = "category"
	FieldDate     = "date"
)

var (
	ErrValidation   = errors.New("validation failed")
	ErrAuthRequired = errors.New("authentication required")
	ErrWrite        = errors.New("write rejected")
	ErrNotFound     = errors.New("expense not found")
	ErrSubscription = errors.New("subscription failed")
)

// ValidationError describes malformed input caught before any store call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// WriteError wraps a backend rejection of a create, update or delete.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	if e.Err == nil {
		return e.Op + ": " + ErrWrite.Error()
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, ErrWrite, e.Err)
}

func (e *WriteError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrWrite}
	}
	return []error{ErrWrite, e.Err}
}

// SubscriptionError reports that a live feed broke after being established.
type SubscriptionError struct {
	UserID string
	Err    error
}

func (e *SubscriptionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s for user %s", ErrSubscription, e.UserID)
	}
	return fmt.Sprintf("%s for user %s: %v", ErrSubscription, e.UserID, e.Err)
}

func (e *SubscriptionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSubscription}
	}
	return []error{ErrSubscription, e.Err}
}

// NotFound builds the error returned when an update targets a missing id.
func NotFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}
