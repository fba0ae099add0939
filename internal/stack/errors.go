package stack

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// Input errors
	ErrEmptyInput        = errors.New("descriptor is empty")
	ErrInvalidDescriptor = errors.New("invalid descriptor")
	ErrNoServices        = errors.New("descriptor must define at least one service")

	// Service errors
	ErrImageAndBuild    = errors.New("service declares both image and build")
	ErrNoImageOrBuild   = errors.New("service must declare image or build")
	ErrInvalidRestart   = errors.New("invalid restart policy")
	ErrInvalidPort      = errors.New("invalid port mapping")
	ErrInvalidReadiness = errors.New("invalid readiness declaration")

	// Stack invariants
	ErrDanglingNetwork     = errors.New("undefined network")
	ErrDanglingVolume      = errors.New("undefined volume")
	ErrDanglingDependency  = errors.New("undefined dependency")
	ErrCycle               = errors.New("dependency cycle detected")
	ErrDuplicateHostPort   = errors.New("host port claimed by more than one service")
	ErrMissingBuildContext = errors.New("build context is not a readable directory")
	ErrMissingBuildRecipe  = errors.New("build context has no build recipe")
)

// ValidationError carries the identity of whatever broke a stack invariant.
type ValidationError struct {
	Err      error
	Service  string   // offending service, when there is one
	Services []string // all services involved (cycles, port collisions)
	Ref      string   // dangling name, conflicting port, or path
	Message  string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	if e.Service != "" {
		fmt.Fprintf(&b, "service %q: ", e.Service)
	}
	b.WriteString(e.Err.Error())
	if e.Ref != "" {
		fmt.Fprintf(&b, " %q", e.Ref)
	}
	if len(e.Services) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(e.Services, ", "))
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func newValidationError(err error, service, ref, message string) *ValidationError {
	return &ValidationError{Err: err, Service: service, Ref: ref, Message: message}
}
