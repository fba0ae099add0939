package engine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// Lookup errors
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrNotRunning    = errors.New("container is not running")

	// Image errors
	ErrImageUnresolved = errors.New("image unresolved")
	ErrPullFailed      = errors.New("image pull failed")
	ErrBuildFailed     = errors.New("build failed")

	// Start errors
	ErrMountNotDirectory  = errors.New("mount destination is not a directory")
	ErrMountIsDirectory   = errors.New("mount destination is a directory")
	ErrMountSourceMissing = errors.New("mount source does not exist")
	ErrPortInUse          = errors.New("host port is already in use")

	// Connection errors
	ErrUnavailable = errors.New("container engine unavailable")
	ErrUnsupported = errors.New("container engine version unsupported")
)

// Error wraps an engine failure with the operation and object it concerns.
type Error struct {
	Op      string // operation that failed
	Entity  string // container, network, volume, image
	ID      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	// name the class unless the message already carries it
	if e.Err != nil && !strings.Contains(msg, e.Err.Error()) {
		msg = e.Err.Error() + ": " + msg
	}
	if e.ID != "" {
		return fmt.Sprintf("%s %s %s: %s", e.Op, e.Entity, e.ID, msg)
	}
	if e.Entity != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Entity, msg)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new Error.
func NewError(op, entity, id, message string, err error) *Error {
	return &Error{
		Op:      op,
		Entity:  entity,
		ID:      id,
		Message: message,
		Err:     err,
	}
}

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
