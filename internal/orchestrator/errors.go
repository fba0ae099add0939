package orchestrator

import (
	"errors"
	"fmt"

	"github.com/sarth-shah20/stasis/internal/config"
	"github.com/sarth-shah20/stasis/internal/discovery"
	"github.com/sarth-shah20/stasis/internal/engine"
	"github.com/sarth-shah20/stasis/internal/graph"
	"github.com/sarth-shah20/stasis/internal/launcher"
	"github.com/sarth-shah20/stasis/internal/provision"
	"github.com/sarth-shah20/stasis/internal/stack"
)

var ErrDependencyFailed = errors.New("dependency failed")

// DependencyError keeps a service from launching because a dependency
// failed or never reached its required condition.
type DependencyError struct {
	Service    string
	Dependency string
	Err        error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("service %q: %v: %q: %v", e.Service, ErrDependencyFailed, e.Dependency, e.Err)
}

func (e *DependencyError) Unwrap() []error {
	return []error{ErrDependencyFailed, e.Err}
}

// Class groups errors by what the operator has to fix.
type Class int

const (
	ClassNone Class = iota
	ClassConfig
	ClassProvision
	ClassResolution
	ClassMount
	ClassLaunch
	ClassDiscovery
	ClassReadiness
	ClassOther
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassConfig:
		return "configuration"
	case ClassProvision:
		return "provisioning"
	case ClassResolution:
		return "image resolution"
	case ClassMount:
		return "mount"
	case ClassLaunch:
		return "launch"
	case ClassDiscovery:
		return "discovery"
	case ClassReadiness:
		return "readiness"
	default:
		return "error"
	}
}

// ExitCode is the process exit status for the class.
func (c Class) ExitCode() int {
	switch c {
	case ClassNone:
		return 0
	case ClassConfig:
		return 2
	case ClassProvision:
		return 3
	case ClassResolution, ClassMount, ClassLaunch:
		return 4
	case ClassDiscovery:
		return 5
	case ClassReadiness:
		return 6
	default:
		return 1
	}
}

// Classify returns the class of err. When err joins several failures the
// earliest class in the list below wins.
func Classify(err error) Class {
	var ve *stack.ValidationError
	var le *launcher.Error

	switch {
	case err == nil:
		return ClassNone
	case errors.As(err, &ve),
		errors.Is(err, config.ErrMissingKey),
		errors.Is(err, config.ErrInvalidPlaceholder),
		errors.Is(err, config.ErrInvalidEnvFile),
		errors.Is(err, config.ErrInvalidSettings),
		errors.Is(err, stack.ErrEmptyInput),
		errors.Is(err, stack.ErrInvalidDescriptor),
		errors.Is(err, stack.ErrNoServices),
		errors.Is(err, graph.ErrUnresolvable),
		errors.Is(err, graph.ErrUnknownService):
		return ClassConfig
	case errors.Is(err, provision.ErrResourceConflict),
		errors.Is(err, provision.ErrExternalMissing):
		return ClassProvision
	case errors.Is(err, discovery.ErrReadinessTimeout):
		return ClassReadiness
	case errors.Is(err, discovery.ErrHostUnresolvable):
		return ClassDiscovery
	case errors.Is(err, engine.ErrImageUnresolved),
		errors.Is(err, engine.ErrPullFailed),
		errors.Is(err, engine.ErrBuildFailed):
		return ClassResolution
	case errors.Is(err, engine.ErrMountNotDirectory),
		errors.Is(err, engine.ErrMountIsDirectory),
		errors.Is(err, engine.ErrMountSourceMissing):
		return ClassMount
	case errors.As(err, &le),
		errors.Is(err, engine.ErrPortInUse),
		errors.Is(err, ErrDependencyFailed):
		return ClassLaunch
	default:
		return ClassOther
	}
}
