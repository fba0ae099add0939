package launcher

import (
	"errors"
	"fmt"

	"github.com/sarth-shah20/stasis/internal/engine"
)

var (
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrUnknownService    = errors.New("unknown service")
	ErrRetriesExhausted  = errors.New("restart retries exhausted")
	ErrExited            = errors.New("container exited")
)

// Error is a launch failure of one service in one phase.
type Error struct {
	Service string
	Phase   State
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("service %q: %s: %v", e.Service, e.Phase, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// MountError names both sides of a rejected mount.
type MountError struct {
	Service string
	Source  string
	Target  string
	Err     error // engine.ErrMountSourceMissing, ErrMountNotDirectory or ErrMountIsDirectory
}

func (e *MountError) Error() string {
	switch {
	case errors.Is(e.Err, engine.ErrMountNotDirectory):
		return fmt.Sprintf("%v: %s is mounted on %s, which exists in the image and is not a directory", e.Err, e.Source, e.Target)
	case errors.Is(e.Err, engine.ErrMountIsDirectory):
		return fmt.Sprintf("%v: file %s is mounted on %s, which is a directory in the image", e.Err, e.Source, e.Target)
	}
	return fmt.Sprintf("%v: %s (mounted on %s)", e.Err, e.Source, e.Target)
}

func (e *MountError) Unwrap() error {
	return e.Err
}

// PortError is a host port that could not be claimed.
type PortError struct {
	Service string
	Port    string
	Holder  string
}

func (e *PortError) Error() string {
	return fmt.Sprintf("%v: %s for service %q is held by %s", engine.ErrPortInUse, e.Port, e.Service, e.Holder)
}

func (e *PortError) Unwrap() error {
	return engine.ErrPortInUse
}

// ExitError reports a supervised container's main process exiting.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%v with code %d", ErrExited, e.Code)
}

func (e *ExitError) Unwrap() error {
	return ErrExited
}

// terminal errors are never retried by the restart loop.
func terminal(err error) bool {
	return errors.Is(err, engine.ErrImageUnresolved) ||
		errors.Is(err, engine.ErrMountNotDirectory) ||
		errors.Is(err, engine.ErrMountIsDirectory) ||
		errors.Is(err, engine.ErrMountSourceMissing)
}
