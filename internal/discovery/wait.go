package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sarth-shah20/stasis/internal/engine"
	"github.com/sarth-shah20/stasis/internal/stack"
)

// Target is a running dependency to wait on.
type Target struct {
	Service     *stack.Service
	ContainerID string
	// Addr is the probe address, see ProbeAddress.
	Addr string
}

// Waiter blocks until a dependency reaches a condition or a deadline passes.
type Waiter struct {
	Engine  engine.Engine
	Prober  Prober
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewWaiter returns a Waiter probing with NetProber.
func NewWaiter(eng engine.Engine, timeout time.Duration, logger *slog.Logger) *Waiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Waiter{Engine: eng, Prober: NetProber{}, Timeout: timeout, Logger: logger}
}

// Wait returns nil once t satisfies cond. An exited or unhealthy container
// fails at once; otherwise the wait ends with a *TimeoutError.
func (w *Waiter) Wait(ctx context.Context, t Target, cond stack.Condition) error {
	if cond == stack.ConditionStarted || cond == "" {
		return nil
	}

	timeout := w.Timeout
	if r := t.Service.Readiness; cond == stack.ConditionReady && r != nil && r.Timeout > 0 {
		timeout = r.Timeout
	}
	interval := time.Second
	if r := t.Service.Readiness; cond == stack.ConditionReady && r != nil && r.Interval > 0 {
		interval = r.Interval
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last error
	for attempt := 1; ; attempt++ {
		err := w.check(waitCtx, t, cond)
		if err == nil {
			w.Logger.Debug("dependency satisfied", "service", t.Service.Name, "condition", cond, "attempts", attempt)
			return nil
		}
		if errors.Is(err, ErrUnhealthy) || errors.Is(err, ErrNotRunning) {
			return err
		}
		last = err
		w.Logger.Debug("dependency not ready", "service", t.Service.Name, "attempt", attempt, "error", err)

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &TimeoutError{Service: t.Service.Name, Condition: cond, Timeout: timeout, Last: last}
		case <-ticker.C:
		}
	}
}

func (w *Waiter) check(ctx context.Context, t Target, cond stack.Condition) error {
	info, err := w.Engine.InspectContainer(ctx, t.ContainerID)
	if err != nil {
		return err
	}
	if !info.Running() {
		return fmt.Errorf("%w: %s exited with code %d", ErrNotRunning, t.Service.Name, info.ExitCode)
	}

	switch cond {
	case stack.ConditionHealthy:
		switch info.Health {
		case "healthy":
			return nil
		case "unhealthy":
			return fmt.Errorf("%w: %s", ErrUnhealthy, t.Service.Name)
		default:
			return fmt.Errorf("%w: health %q", ErrNotReady, info.Health)
		}
	case stack.ConditionReady:
		r := t.Service.Readiness
		if r == nil {
			return fmt.Errorf("%w: no readiness probe for %s", ErrNotReady, t.Service.Name)
		}
		if t.Addr == "" {
			return fmt.Errorf("%w: no probe address for %s", ErrNotReady, t.Service.Name)
		}
		return w.Prober.Probe(ctx, Probe{Kind: r.Kind, Addr: t.Addr, Path: r.Path, Env: t.Service.Environment})
	default:
		return nil
	}
}
