package consultation

import (
	"errors"
	"fmt"
)

// Client-observable failure classes. Callers branch on them with errors.Is.
var (
	ErrNetwork    = errors.New("network error")
	ErrAuth       = errors.New("authentication required")
	ErrValidation = errors.New("validation error")
	ErrBackend    = errors.New("backend error")
)

// BackendError is a non-2xx response carrying the server's error payload.
type BackendError struct {
	StatusCode int
	Code       string
	Details    string
}

func (e *BackendError) Error() string {
	msg := fmt.Sprintf("backend returned %d", e.StatusCode)
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Details != "" {
		msg += ": " + e.Details
	}
	return msg
}

func (e *BackendError) Is(target error) bool {
	return target == ErrBackend
}

func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
