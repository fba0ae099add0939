package discovery

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sarth-shah20/stasis/internal/stack"
)

var (
	// ErrHostUnresolvable means the name is not visible from the caller's
	// context at all. The fix is to run the caller inside the network.
	ErrHostUnresolvable = errors.New("hostname not resolvable from calling context")
	// ErrConnectionRefused means the name resolved but nothing is listening
	// yet. The fix is to wait.
	ErrConnectionRefused = errors.New("connection refused")

	ErrNotReady         = errors.New("service not ready")
	ErrNotRunning       = errors.New("service is not running")
	ErrUnhealthy        = errors.New("service reported unhealthy")
	ErrReadinessTimeout = errors.New("readiness wait timed out")
	ErrInvalidURL       = errors.New("unrecognized connection string")
)

// UnresolvableError explains why host cannot be resolved from Caller.
type UnresolvableError struct {
	Caller string
	Host   string
	// Networks the target is reachable on.
	Networks []string
	Hint     string
}

func (e *UnresolvableError) Error() string {
	msg := fmt.Sprintf("%s: %q from %s", ErrHostUnresolvable, e.Host, e.Caller)
	if len(e.Networks) > 0 {
		msg += fmt.Sprintf(" (only reachable on %s)", strings.Join(e.Networks, ", "))
	}
	if e.Hint != "" {
		msg += "; " + e.Hint
	}
	return msg
}

func (e *UnresolvableError) Unwrap() error {
	return ErrHostUnresolvable
}

// ProbeError is a failed readiness probe against Addr.
type ProbeError struct {
	Kind  stack.ProbeKind
	Addr  string
	Err   error // ErrConnectionRefused, ErrHostUnresolvable or ErrNotReady
	Cause error
}

func (e *ProbeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s probe %s: %v: %v", e.Kind, e.Addr, e.Err, e.Cause)
	}
	return fmt.Sprintf("%s probe %s: %v", e.Kind, e.Addr, e.Err)
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}

// TimeoutError reports a dependency that never reached its condition. The
// service may still become ready; retrying is reasonable.
type TimeoutError struct {
	Service   string
	Condition stack.Condition
	Timeout   time.Duration
	Last      error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("service %q did not reach %s within %s", e.Service, e.Condition, e.Timeout)
	if e.Last != nil {
		msg += fmt.Sprintf(" (last: %v)", e.Last)
	}
	return msg
}

func (e *TimeoutError) Unwrap() error {
	return ErrReadinessTimeout
}
