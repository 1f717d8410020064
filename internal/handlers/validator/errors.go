package validator

import (
	"fmt"
)

type ErrInvalidRequest struct {
	error
	Field string
}

func NewErrInvalidRequest(field string, format string, args ...any) *ErrInvalidRequest {
	return &ErrInvalidRequest{fmt.Errorf(format, args...), field}
}

func (e *ErrInvalidRequest) Unwrap() error { return e.error }
