package config

import (
	"errors"
	"fmt"
)

var (
	ErrMissingKey         = errors.New("missing environment key")
	ErrInvalidPlaceholder = errors.New("invalid placeholder")
	ErrInvalidEnvFile     = errors.New("invalid env file")
	ErrInvalidSettings    = errors.New("invalid settings")
)

// MissingKeyError names a placeholder that the Environment Source could not
// satisfy and the service whose descriptor referenced it.
type MissingKeyError struct {
	Key     string
	Service string // empty for top-level fields
	Field   string // dotted path, e.g. "services.app.environment.DATABASE_URL"
	Message string // from ${KEY:?message}
}

func (e *MissingKeyError) Error() string {
	msg := fmt.Sprintf("missing environment key %q", e.Key)
	if e.Service != "" {
		msg += fmt.Sprintf(" referenced by service %q", e.Service)
	}
	if e.Field != "" {
		msg += fmt.Sprintf(" (%s)", e.Field)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *MissingKeyError) Unwrap() error {
	return ErrMissingKey
}

// PlaceholderError reports malformed ${...} syntax.
type PlaceholderError struct {
	Field string
	Value string
}

func (e *PlaceholderError) Error() string {
	return fmt.Sprintf("%s: unterminated or malformed placeholder in %q", e.Field, e.Value)
}

func (e *PlaceholderError) Unwrap() error {
	return ErrInvalidPlaceholder
}
