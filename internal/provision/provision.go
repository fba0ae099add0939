// Package provision creates or reuses the networks and volumes a stack
// references before any service that needs them starts.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sarth-shah20/stasis/internal/engine"
	"github.com/sarth-shah20/stasis/internal/stack"
)

var (
	ErrResourceConflict = errors.New("existing resource is incompatible")
	ErrExternalMissing  = errors.New("external resource does not exist")
)

// ResourceError names the resource that could not be provisioned. It is a
// configuration error: retrying will not help.
type ResourceError struct {
	Kind       string // network or volume
	Name       string // name in the descriptor
	EngineName string
	Reason     string
	Err        error
}

func (e *ResourceError) Error() string {
	msg := fmt.Sprintf("%s %q (%s): %v", e.Kind, e.Name, e.EngineName, e.Err)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

// Status is the provisioning outcome of one resource.
type Status string

const (
	StatusCreated  Status = "created"
	StatusExisting Status = "existing"
	StatusFailed   Status = "failed"
)

// Outcome records what happened to one network or volume.
type Outcome struct {
	Kind       string
	Name       string
	EngineName string
	Status     Status
	Err        error
}

// Report is the result of one Ensure pass.
type Report struct {
	Outcomes []Outcome
}

func (r *Report) find(kind, name string) *Outcome {
	for i := range r.Outcomes {
		if r.Outcomes[i].Kind == kind && r.Outcomes[i].Name == name {
			return &r.Outcomes[i]
		}
	}
	return nil
}

// Count returns how many resources ended in status s.
func (r *Report) Count(s Status) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == s {
			n++
		}
	}
	return n
}

// Err joins every failure in the report.
func (r *Report) Err() error {
	var errs []error
	for _, o := range r.Outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errors.Join(errs...)
}

// Blocked returns the provisioning error of the first failed resource svc
// needs, or nil when the service may proceed.
func (r *Report) Blocked(svc *stack.Service) error {
	for _, n := range svc.Networks {
		if o := r.find("network", n); o != nil && o.Status == StatusFailed {
			return o.Err
		}
	}
	for _, v := range svc.NamedVolumes() {
		if o := r.find("volume", v); o != nil && o.Status == StatusFailed {
			return o.Err
		}
	}
	return nil
}

// =============================================================================
// Provisioner
// =============================================================================

// Provisioner owns the stack's view of engine networks and volumes. Ensure
// and Teardown are serialized so concurrent callers never race a create.
type Provisioner struct {
	mu      sync.Mutex
	engine  engine.Engine
	project string
	logger  *slog.Logger
}

// New returns a Provisioner for one project.
func New(eng engine.Engine, project string, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{engine: eng, project: project, logger: logger}
}

// NetworkName is the engine name of a stack network.
func NetworkName(project string, n *stack.Network) string {
	if n.External {
		return n.Name
	}
	return project + "_" + n.Name
}

// VolumeName is the engine name of a stack volume.
func VolumeName(project string, v *stack.Volume) string {
	if v.External {
		return v.Name
	}
	return project + "_" + v.Name
}

// Ensure makes every network and volume referenced by a service exist.
// Existing compatible resources are reused untouched, so a second call
// against a provisioned stack creates nothing. A failure is recorded per
// resource and never stops the others.
func (p *Provisioner) Ensure(ctx context.Context, st *stack.Stack) *Report {
	p.mu.Lock()
	defer p.mu.Unlock()

	networks, volumes := referenced(st)
	report := &Report{}

	for _, n := range st.Networks {
		if !networks[n.Name] {
			continue
		}
		report.Outcomes = append(report.Outcomes, p.ensureNetwork(ctx, &n))
	}
	for _, v := range st.Volumes {
		if !volumes[v.Name] {
			continue
		}
		report.Outcomes = append(report.Outcomes, p.ensureVolume(ctx, &v))
	}
	return report
}

func referenced(st *stack.Stack) (networks, volumes map[string]bool) {
	networks, volumes = map[string]bool{}, map[string]bool{}
	for i := range st.Services {
		for _, n := range st.Services[i].Networks {
			networks[n] = true
		}
		for _, v := range st.Services[i].NamedVolumes() {
			volumes[v] = true
		}
	}
	return networks, volumes
}

func (p *Provisioner) ensureNetwork(ctx context.Context, n *stack.Network) Outcome {
	name := NetworkName(p.project, n)
	out := Outcome{Kind: "network", Name: n.Name, EngineName: name}
	fail := func(err error, reason string) Outcome {
		out.Status = StatusFailed
		out.Err = &ResourceError{Kind: "network", Name: n.Name, EngineName: name, Reason: reason, Err: err}
		p.logger.Error("network provisioning failed", "network", n.Name, "error", out.Err)
		return out
	}

	existing, err := p.engine.InspectNetwork(ctx, name)
	switch {
	case err == nil:
		if reason := p.networkConflict(n, existing); reason != "" {
			return fail(ErrResourceConflict, reason)
		}
		out.Status = StatusExisting
		p.logger.Debug("network exists", "network", name)
		return out
	case !engine.IsNotFound(err):
		return fail(err, "")
	case n.External:
		return fail(ErrExternalMissing, "external networks are never created")
	}

	err = p.engine.CreateNetwork(ctx, engine.NetworkSpec{
		Name:     name,
		Driver:   n.Driver,
		Internal: n.Internal,
		Labels:   p.labels(engine.LabelNetwork, n.Name, n.Labels),
	})
	if err != nil {
		return fail(err, "")
	}
	out.Status = StatusCreated
	p.logger.Info("network created", "network", name)
	return out
}

func (p *Provisioner) networkConflict(want *stack.Network, got *engine.NetworkInfo) string {
	if want.External {
		return ""
	}
	if owner, ok := got.Labels[engine.LabelProject]; ok && owner != p.project {
		return fmt.Sprintf("owned by project %q", owner)
	}
	if want.Driver != "" && got.Driver != want.Driver {
		return fmt.Sprintf("driver is %q, want %q", got.Driver, want.Driver)
	}
	if got.Internal != want.Internal {
		return fmt.Sprintf("internal is %t, want %t", got.Internal, want.Internal)
	}
	return ""
}

func (p *Provisioner) ensureVolume(ctx context.Context, v *stack.Volume) Outcome {
	name := VolumeName(p.project, v)
	out := Outcome{Kind: "volume", Name: v.Name, EngineName: name}
	fail := func(err error, reason string) Outcome {
		out.Status = StatusFailed
		out.Err = &ResourceError{Kind: "volume", Name: v.Name, EngineName: name, Reason: reason, Err: err}
		p.logger.Error("volume provisioning failed", "volume", v.Name, "error", out.Err)
		return out
	}

	existing, err := p.engine.InspectVolume(ctx, name)
	switch {
	case err == nil:
		if v.External {
			out.Status = StatusExisting
			return out
		}
		if owner, ok := existing.Labels[engine.LabelProject]; ok && owner != p.project {
			return fail(ErrResourceConflict, fmt.Sprintf("owned by project %q", owner))
		}
		if v.Driver != "" && existing.Driver != v.Driver {
			return fail(ErrResourceConflict, fmt.Sprintf("driver is %q, want %q", existing.Driver, v.Driver))
		}
		out.Status = StatusExisting
		p.logger.Debug("volume exists", "volume", name)
		return out
	case !engine.IsNotFound(err):
		return fail(err, "")
	case v.External:
		return fail(ErrExternalMissing, "external volumes are never created")
	}

	err = p.engine.CreateVolume(ctx, engine.VolumeSpec{
		Name:   name,
		Driver: v.Driver,
		Labels: p.labels(engine.LabelVolume, v.Name, v.Labels),
	})
	if err != nil {
		return fail(err, "")
	}
	out.Status = StatusCreated
	p.logger.Info("volume created", "volume", name)
	return out
}

func (p *Provisioner) labels(key, name string, extra map[string]string) map[string]string {
	labels := map[string]string{
		engine.LabelProject: p.project,
		engine.LabelManaged: "true",
		key:                 name,
	}
	for k, v := range extra {
		labels[k] = v
	}
	return labels
}

// Teardown removes the stack's networks, and its volumes only when
// removeVolumes is set. External resources are never touched and resources
// that are already gone are not an error.
func (p *Provisioner) Teardown(ctx context.Context, st *stack.Stack, removeVolumes bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for i := len(st.Networks) - 1; i >= 0; i-- {
		n := &st.Networks[i]
		if n.External {
			continue
		}
		name := NetworkName(p.project, n)
		if err := p.engine.RemoveNetwork(ctx, name); err != nil && !engine.IsNotFound(err) {
			errs = append(errs, err)
			continue
		}
		p.logger.Info("network removed", "network", name)
	}

	if !removeVolumes {
		return errors.Join(errs...)
	}
	for i := len(st.Volumes) - 1; i >= 0; i-- {
		v := &st.Volumes[i]
		if v.External {
			continue
		}
		name := VolumeName(p.project, v)
		if err := p.engine.RemoveVolume(ctx, name); err != nil && !engine.IsNotFound(err) {
			errs = append(errs, err)
			continue
		}
		p.logger.Info("volume removed", "volume", name)
	}
	return errors.Join(errs...)
}
