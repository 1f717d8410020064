package provider

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrUnhandledCall   = errors.New("unhandled provider call")
	ErrBadResponse     = errors.New("provider sent back a malformed response")
)

// Error is a failure reported by a provider. It is never produced for failures
// that originate in the orchestrator.
type Error struct {
	Provider   string
	Call       string
	StatusCode int
	Why        string
}

func NewError(provider string, call string, statusCode int, why string) *Error {
	return &Error{Provider: provider, Call: call, StatusCode: statusCode, Why: why}
}

func (e *Error) Error() string {
	if e.Why == "" {
		return fmt.Sprintf("provider %s failed %s with status %d", e.Provider, e.Call, e.StatusCode)
	}
	return fmt.Sprintf("provider %s failed %s: %s", e.Provider, e.Call, e.Why)
}

// Transient reports whether repeating the call may succeed.
func (e *Error) Transient() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == 0
}

func IsProviderError(err error) bool {
	var pErr *Error
	return errors.As(err, &pErr)
}
