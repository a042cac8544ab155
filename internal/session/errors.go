package session

import (
	"errors"
	"fmt"

	"github.com/pavelanni/osce/internal/store"
)

// Not-found conditions. Each also matches store.ErrNotFound.
var (
	ErrSessionNotFound   = fmt.Errorf("session %w", store.ErrNotFound)
	ErrCaseNotFound      = fmt.Errorf("case %w", store.ErrNotFound)
	ErrTestOrderNotFound = fmt.Errorf("test order %w", store.ErrNotFound)
)

// ValidationError reports a request that fails an operation's preconditions.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// notFound maps a store miss onto the operation-level sentinel.
func notFound(err, sentinel error) error {
	if errors.Is(err, store.ErrNotFound) {
		return sentinel
	}
	return err
}
