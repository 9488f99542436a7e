package engine

import (
	"errors"
	"fmt"

	"sitesign/internal/domain"
	"sitesign/internal/repo"
)

// ValidationError is a missing or malformed input. Nothing was attempted.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// PermissionError is a denied action. Nothing was changed.
type PermissionError struct {
	Action  string
	ActorID string
}

func (e PermissionError) Error() string {
	if e.ActorID == "" {
		return fmt.Sprintf("%s not permitted", e.Action)
	}
	return fmt.Sprintf("%s not permitted for %s", e.Action, e.ActorID)
}

// StateError is a transition the current state does not allow.
type StateError struct {
	Action string
	Status domain.Status
	Reason string
}

func (e StateError) Error() string {
	msg := fmt.Sprintf("cannot %s a %s request", e.Action, e.Status)
	if e.Status == "" {
		msg = fmt.Sprintf("cannot %s", e.Action)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// PersistenceError wraps a failed store write. The stored state is unchanged and the call
// may be retried.
type PersistenceError struct {
	Op  string
	Err error
}

func (e PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e PersistenceError) Unwrap() error {
	return e.Err
}

func invalid(field, msg string) error {
	return ValidationError{Field: field, Message: msg}
}

func denied(action, actor string) error {
	return PermissionError{Action: action, ActorID: actor}
}

// persist wraps a store failure. Lookup misses and errors already classified pass through.
func persist(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return err
	}
	var (
		pe PersistenceError
		ve ValidationError
		de PermissionError
		se StateError
	)
	if errors.As(err, &pe) || errors.As(err, &ve) || errors.As(err, &de) || errors.As(err, &se) {
		return err
	}
	return PersistenceError{Op: op, Err: err}
}
