// Package orchestrator ties parsing, ordering, provisioning, launching and
// readiness together into the stack-level operations.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sarth-shah20/stasis/internal/config"
	"github.com/sarth-shah20/stasis/internal/discovery"
	"github.com/sarth-shah20/stasis/internal/engine"
	"github.com/sarth-shah20/stasis/internal/graph"
	"github.com/sarth-shah20/stasis/internal/launcher"
	"github.com/sarth-shah20/stasis/internal/provision"
	"github.com/sarth-shah20/stasis/internal/stack"
)

// Config carries the tunables of one orchestrator.
type Config struct {
	PullTimeout      time.Duration
	BuildTimeout     time.Duration
	ReadinessTimeout time.Duration
	StopTimeout      time.Duration
	Backoff          launcher.Backoff
	MaxRetries       int

	Output   *launcher.Output
	Observer launcher.Observer
	// Prober runs readiness probes; nil means discovery.NetProber.
	Prober discovery.Prober
	// Ports is shared by every launch of this orchestrator; nil means a
	// fresh registry probing real host ports.
	Ports *launcher.PortRegistry
}

// ConfigFromSettings maps orchestrator settings onto a Config.
func ConfigFromSettings(s *config.Settings) Config {
	return Config{
		PullTimeout:      s.Timeouts.Pull,
		BuildTimeout:     s.Timeouts.Build,
		ReadinessTimeout: s.Timeouts.Readiness,
		StopTimeout:      s.Timeouts.Stop,
		Backoff: launcher.Backoff{
			Kind:    s.Restart.Backoff,
			Initial: s.Restart.Initial,
			Max:     s.Restart.Max,
		},
		MaxRetries: s.Restart.MaxRetries,
	}
}

// Orchestrator runs stack operations against one engine.
type Orchestrator struct {
	engine engine.Engine
	cfg    Config
	ports  *launcher.PortRegistry
	logger *slog.Logger
}

func New(eng engine.Engine, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prober == nil {
		cfg.Prober = discovery.NetProber{}
	}
	ports := cfg.Ports
	if ports == nil {
		ports = launcher.NewPortRegistry()
	}
	return &Orchestrator{engine: eng, cfg: cfg, ports: ports, logger: logger}
}

func (o *Orchestrator) newLauncher(project string, supervised bool) *launcher.Launcher {
	return launcher.New(o.engine, o.ports, launcher.Options{
		Project:      project,
		PullTimeout:  o.cfg.PullTimeout,
		BuildTimeout: o.cfg.BuildTimeout,
		StopTimeout:  o.cfg.StopTimeout,
		Backoff:      o.cfg.Backoff,
		MaxRetries:   o.cfg.MaxRetries,
		Supervised:   supervised,
		Output:       o.cfg.Output,
		Observer:     o.cfg.Observer,
		Logger:       o.logger,
	})
}

func (o *Orchestrator) waiter() *discovery.Waiter {
	w := discovery.NewWaiter(o.engine, o.cfg.ReadinessTimeout, o.logger)
	w.Prober = o.cfg.Prober
	return w
}

// =============================================================================
// Up
// =============================================================================

// UpOptions select what Up launches and how.
type UpOptions struct {
	// Services limits the launch to these services and their dependencies.
	Services []string
	// Foreground creates containers without an engine restart policy so
	// Supervise can apply it.
	Foreground bool
	// Recreate replaces containers even when their spec is unchanged.
	Recreate bool
}

// Result is the outcome of Up.
type Result struct {
	Project   string
	Order     []string
	Provision *provision.Report
	Instances map[string]*launcher.Instance
	Registry  *discovery.Registry

	launcher *launcher.Launcher
}

// Failed lists the services that did not reach Running, in launch order.
func (r *Result) Failed() []string {
	var out []string
	for _, name := range r.Order {
		if inst := r.Instances[name]; inst != nil && inst.State() != launcher.Running {
			out = append(out, name)
		}
	}
	return out
}

// Err joins the failure of every service that did not reach Running.
func (r *Result) Err() error {
	var errs []error
	for _, name := range r.Failed() {
		if err := r.Instances[name].Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Up provisions the stack's resources and launches its services. Services
// sharing no dependency edge launch concurrently; a service starts only
// after every dependency reached the declared condition. Dependents of a
// failed service fail with ErrDependencyFailed and never reach Starting.
// Independent services are unaffected.
func (o *Orchestrator) Up(ctx context.Context, st *stack.Stack, opts UpOptions) (*Result, error) {
	names, err := graph.Closure(st, opts.Services)
	if err != nil {
		return nil, err
	}
	sub := graph.Subset(st, names)
	order, err := graph.Order(sub)
	if err != nil {
		return nil, err
	}

	o.logger.Info("bringing stack up", "project", st.Name, "services", len(order))

	report := provision.New(o.engine, st.Name, o.logger).Ensure(ctx, sub)
	for _, out := range report.Outcomes {
		o.logger.Debug("resource", "kind", out.Kind, "name", out.EngineName, "status", out.Status)
	}

	l := o.newLauncher(st.Name, opts.Foreground)
	res := &Result{
		Project:   st.Name,
		Order:     order,
		Provision: report,
		Instances: make(map[string]*launcher.Instance, len(order)),
		Registry:  discovery.NewRegistry(st),
		launcher:  l,
	}

	done := make(map[string]chan struct{}, len(order))
	for _, name := range order {
		inst, err := l.Prepare(st, name)
		if err != nil {
			return nil, err
		}
		inst.Recreate = opts.Recreate
		res.Instances[name] = inst
		done[name] = make(chan struct{})
	}

	waiter := o.waiter()
	var g errgroup.Group
	for _, name := range order {
		g.Go(func() error {
			defer close(done[name])
			o.launchOne(ctx, res, waiter, done, name)
			return nil
		})
	}
	_ = g.Wait()

	if failed := res.Failed(); len(failed) > 0 {
		o.logger.Warn("stack partially up", "project", st.Name, "failed", failed)
	} else {
		o.logger.Info("stack up", "project", st.Name)
	}
	return res, res.Err()
}

func (o *Orchestrator) launchOne(ctx context.Context, res *Result, waiter *discovery.Waiter, done map[string]chan struct{}, name string) {
	l := res.launcher
	inst := res.Instances[name]
	svc := inst.Service

	if err := res.Provision.Blocked(svc); err != nil {
		_ = l.Fail(inst, err)
		return
	}

	for _, dep := range svc.DependsOn {
		select {
		case <-done[dep.Service]:
		case <-ctx.Done():
			_ = l.Fail(inst, ctx.Err())
			return
		}

		upstream := res.Instances[dep.Service]
		if upstream.State() != launcher.Running {
			_ = l.Fail(inst, &DependencyError{Service: name, Dependency: dep.Service, Err: upstream.Err()})
			return
		}

		target := discovery.Target{
			Service:     upstream.Service,
			ContainerID: upstream.ContainerID(),
			Addr:        discovery.ProbeAddress(upstream.Service, upstream.Addresses()),
		}
		if err := waiter.Wait(ctx, target, dep.Condition); err != nil {
			_ = l.Fail(inst, &DependencyError{Service: name, Dependency: dep.Service, Err: err})
			return
		}
	}

	if err := l.Launch(ctx, inst); err != nil {
		return
	}
	res.Registry.Register(name, inst.Addresses())
}

// Supervise applies restart policies to every running service of res until
// ctx is cancelled. It is the foreground half of Up.
func (o *Orchestrator) Supervise(ctx context.Context, res *Result) error {
	var g errgroup.Group
	errs := make([]error, len(res.Order))
	for i, name := range res.Order {
		inst := res.Instances[name]
		if inst.State() != launcher.Running {
			continue
		}
		g.Go(func() error {
			errs[i] = res.launcher.Supervise(ctx, inst)
			if errs[i] != nil {
				res.Registry.Unregister(name)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Follow streams the output of every running service through the
// configured Output until ctx is done or every stream ends. A restarted
// container is picked up again as long as ctx lives.
func (o *Orchestrator) Follow(ctx context.Context, res *Result) {
	var g errgroup.Group
	for _, name := range res.Order {
		inst := res.Instances[name]
		g.Go(func() error {
			w := o.cfg.Output.For(name)
			defer launcher.Flush(w)

			var last string
			for {
				id := inst.ContainerID()
				if id != "" && id != last && inst.State() == launcher.Running {
					last = id
					if err := o.engine.Logs(ctx, id, true, w, w); err != nil && ctx.Err() == nil {
						o.logger.Debug("log stream ended", "service", name, "error", err)
					}
					continue
				}
				switch inst.State() {
				case launcher.Stopped, launcher.Failed:
					return nil
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(250 * time.Millisecond):
				}
			}
		})
	}
	_ = g.Wait()
}

// =============================================================================
// Down
// =============================================================================

// DownOptions control teardown.
type DownOptions struct {
	// RemoveVolumes also deletes the stack's named volumes.
	RemoveVolumes bool
}

// Down stops services in reverse dependency order, removes leftover
// project containers, then networks, and volumes only when asked.
func (o *Orchestrator) Down(ctx context.Context, st *stack.Stack, opts DownOptions) error {
	order, err := graph.Order(st)
	if err != nil {
		order = st.ServiceNames()
	}

	l := o.newLauncher(st.Name, false)
	var errs []error
	for _, name := range graph.Reverse(order) {
		o.logger.Info("stopping service", "service", name)
		if err := l.Stop(ctx, st.Name, name); err != nil {
			errs = append(errs, err)
		}
	}

	leftovers, err := o.engine.ListContainers(ctx, map[string]string{engine.LabelProject: st.Name})
	if err != nil {
		errs = append(errs, err)
	}
	for _, c := range leftovers {
		o.logger.Info("removing container", "container", c.Name)
		if err := o.engine.RemoveContainer(ctx, c.ID); err != nil && !engine.IsNotFound(err) {
			errs = append(errs, err)
		}
	}

	if err := provision.New(o.engine, st.Name, o.logger).Teardown(ctx, st, opts.RemoveVolumes); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// =============================================================================
// Rebuild
// =============================================================================

// Rebuild builds (or re-pulls) the service's image and replaces its
// container. Volumes are kept.
func (o *Orchestrator) Rebuild(ctx context.Context, st *stack.Stack, service string) (*launcher.Instance, error) {
	if _, ok := st.Service(service); !ok {
		return nil, fmt.Errorf("%w: %s", graph.ErrUnknownService, service)
	}
	sub := graph.Subset(st, []string{service})
	report := provision.New(o.engine, st.Name, o.logger).Ensure(ctx, sub)

	l := o.newLauncher(st.Name, false)
	inst, err := l.Prepare(st, service)
	if err != nil {
		return nil, err
	}
	inst.Recreate = true
	inst.Pull = true

	svc, _ := sub.Service(service)
	if err := report.Blocked(svc); err != nil {
		return inst, l.Fail(inst, err)
	}
	if err := l.Launch(ctx, inst); err != nil {
		return inst, err
	}
	// dependents keep connections to the old container
	if deps := graph.Dependents(st)[service]; len(deps) > 0 {
		o.logger.Warn("dependents were not restarted", "service", service, "dependents", deps)
	}
	return inst, nil
}
