package service

import (
	"errors"
	"fmt"

	"github.com/SDU-eScience/UCloud-sub028/internal/provider"
)

type ErrResourceNotFound struct {
	error
}

func NewErrResourceNotFound(id string, resourceType string) *ErrResourceNotFound {
	return &ErrResourceNotFound{fmt.Errorf("%s %s not found", resourceType, id)}
}

func NewErrJobNotFound(id string) *ErrResourceNotFound {
	return NewErrResourceNotFound(id, "job")
}

type ErrForbidden struct {
	error
}

func NewErrForbidden(reason string) *ErrForbidden {
	return &ErrForbidden{fmt.Errorf("forbidden: %s", reason)}
}

type ErrBadStateTransition struct {
	error
}

func NewErrBadStateTransition(cause error) *ErrBadStateTransition {
	return &ErrBadStateTransition{cause}
}

type ErrVerification struct {
	error
	Parameter string
}

func NewErrMissingParameter(name string) *ErrVerification {
	return &ErrVerification{fmt.Errorf("missing value for '%s'", name), name}
}

func NewErrIncorrectParameterType(name string) *ErrVerification {
	return &ErrVerification{fmt.Errorf("incorrect parameter type for '%s'", name), name}
}

type ErrConflict struct {
	error
}

func NewErrConflict(message string) *ErrConflict {
	return &ErrConflict{errors.New(message)}
}

// ErrJobException is a job failure that is neither a validation problem nor a
// provider failure, e.g. an unknown reservation.
type ErrJobException struct {
	error
}

func NewErrJobException(message string) *ErrJobException {
	return &ErrJobException{errors.New(message)}
}

// ErrInternal signals a broken invariant of the orchestrator itself.
type ErrInternal struct {
	error
}

func NewErrInternal(cause error) *ErrInternal {
	return &ErrInternal{fmt.Errorf("internal error: %w", cause)}
}

func (e *ErrResourceNotFound) Unwrap() error   { return e.error }
func (e *ErrForbidden) Unwrap() error          { return e.error }
func (e *ErrBadStateTransition) Unwrap() error { return e.error }
func (e *ErrVerification) Unwrap() error       { return e.error }
func (e *ErrConflict) Unwrap() error           { return e.error }
func (e *ErrJobException) Unwrap() error       { return e.error }
func (e *ErrInternal) Unwrap() error           { return e.error }

// IsProviderError reports whether err was reported by a provider rather than the
// orchestrator.
func IsProviderError(err error) bool {
	return provider.IsProviderError(err)
}
