// Package launcher drives one service through the launch state machine:
// image resolution, container start with port and mount checks, and the
// restart loop.
package launcher

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sarth-shah20/stasis/internal/engine"
	"github.com/sarth-shah20/stasis/internal/provision"
	"github.com/sarth-shah20/stasis/internal/stack"
)

// Observer is told about every transition, restart and image resolution.
type Observer interface {
	Transition(service string, from, to State)
	Restarted(service string)
	ImageResolved(service, kind string, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) Transition(string, State, State)             {}
func (nopObserver) Restarted(string)                            {}
func (nopObserver) ImageResolved(string, string, time.Duration) {}

// Options configure a Launcher.
type Options struct {
	Project      string
	PullTimeout  time.Duration
	BuildTimeout time.Duration
	StopTimeout  time.Duration
	Backoff      Backoff
	// MaxRetries bounds "on-failure" policies that do not name a count.
	MaxRetries int
	// Supervised makes the launcher apply restart policies itself.
	// Containers are then created with restart "no".
	Supervised bool
	Output     *Output
	Observer   Observer
	Logger     *slog.Logger
}

// Launcher launches and stops service containers.
type Launcher struct {
	engine engine.Engine
	ports  *PortRegistry
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	instances map[string]*Instance

	sleep func(ctx context.Context, d time.Duration) error
}

func New(eng engine.Engine, ports *PortRegistry, opts Options) *Launcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if ports == nil {
		ports = NewPortRegistry()
	}
	return &Launcher{
		engine:    eng,
		ports:     ports,
		opts:      opts,
		logger:    opts.Logger,
		instances: map[string]*Instance{},
		sleep:     sleepCtx,
	}
}

// ContainerName is the engine name of a service's container.
func ContainerName(project, service string) string {
	return fmt.Sprintf("stasis-%s-%s", project, service)
}

// ImageTag is the tag given to images built for a service.
func ImageTag(project, service string) string {
	return fmt.Sprintf("%s-%s:latest", project, service)
}

// Ports returns the launcher's host-port registry.
func (l *Launcher) Ports() *PortRegistry {
	return l.ports
}

// Prepare registers a Pending instance of the named service, replacing any
// previous instance of it.
func (l *Launcher) Prepare(st *stack.Stack, name string) (*Instance, error) {
	svc, ok := st.Service(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}

	inst := &Instance{
		Service:       svc,
		Project:       st.Name,
		ContainerName: ContainerName(st.Name, svc.Name),
		networks:      map[string]string{},
		volumes:       map[string]string{},
		state:         Pending,
	}
	for _, n := range svc.Networks {
		if net, ok := st.Network(n); ok {
			inst.networks[n] = provision.NetworkName(st.Name, net)
		}
	}
	for _, v := range svc.NamedVolumes() {
		if vol, ok := st.Volume(v); ok {
			inst.volumes[v] = provision.VolumeName(st.Name, vol)
		}
	}

	l.mu.Lock()
	l.instances[name] = inst
	l.mu.Unlock()
	return inst, nil
}

// Instance returns the registered instance of name.
func (l *Launcher) Instance(name string) (*Instance, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	inst, ok := l.instances[name]
	return inst, ok
}

// Fail moves a pending instance to Failed without launching it.
func (l *Launcher) Fail(inst *Instance, err error) error {
	return l.fail(inst, inst.State(), err)
}

// Launch resolves the image and starts the container, retrying start
// failures per the restart policy. It returns once the service is Running
// or Failed.
func (l *Launcher) Launch(ctx context.Context, inst *Instance) error {
	if err := l.move(inst, ResolvingImage, nil); err != nil {
		return err
	}
	image, err := l.resolveImage(ctx, inst)
	if err != nil {
		return l.fail(inst, ResolvingImage, err)
	}
	inst.setImage(image)

	return l.startLoop(ctx, inst)
}

func (l *Launcher) startLoop(ctx context.Context, inst *Instance) error {
	for {
		if err := l.move(inst, Starting, nil); err != nil {
			return err
		}
		err := l.start(ctx, inst)
		if err == nil {
			return l.move(inst, Running, nil)
		}
		if ctx.Err() != nil {
			return l.fail(inst, Starting, ctx.Err())
		}
		if terminal(err) {
			return l.fail(inst, Starting, err)
		}
		if ok, exhausted := l.restartAllowed(inst, true); !ok {
			if exhausted {
				err = fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
			}
			return l.fail(inst, Starting, err)
		}
		if err := l.restart(ctx, inst, err); err != nil {
			return err
		}
	}
}

// Supervise watches a Running instance and applies its restart policy when
// the container exits. It returns nil when ctx is cancelled or the
// container exits cleanly without a restart.
func (l *Launcher) Supervise(ctx context.Context, inst *Instance) error {
	for {
		code, err := l.engine.WaitContainer(ctx, inst.ContainerID())
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return l.fail(inst, Running, err)
		}

		exit := &ExitError{Code: code}
		failed := code != 0
		ok, exhausted := l.restartAllowed(inst, failed)
		if !ok {
			l.ports.Release(inst.Service.Name)
			if !failed {
				return l.move(inst, Stopped, nil)
			}
			err := error(exit)
			if exhausted {
				err = fmt.Errorf("%w: %w", ErrRetriesExhausted, exit)
			}
			return l.fail(inst, Running, err)
		}

		if err := l.restart(ctx, inst, exit); err != nil {
			return err
		}
		if err := l.startLoop(ctx, inst); err != nil {
			return err
		}
	}
}

// Stop stops and removes the service's container and releases its ports.
// A container that is already gone is not an error.
func (l *Launcher) Stop(ctx context.Context, project, name string) error {
	target := ContainerName(project, name)
	inst, known := l.Instance(name)
	if known && inst.ContainerID() != "" {
		target = inst.ContainerID()
	}

	if err := l.engine.StopContainer(ctx, target, l.opts.StopTimeout); err != nil && !engine.IsNotFound(err) {
		return &Error{Service: name, Phase: Stopped, Err: err}
	}
	if err := l.engine.RemoveContainer(ctx, target); err != nil && !engine.IsNotFound(err) {
		return &Error{Service: name, Phase: Stopped, Err: err}
	}
	l.ports.Release(name)

	if known && CanTransition(inst.State(), Stopped) {
		return l.move(inst, Stopped, nil)
	}
	return nil
}

// =============================================================================
// Transitions
// =============================================================================

func (l *Launcher) move(inst *Instance, to State, cause error) error {
	from, err := inst.transition(to, cause)
	if err != nil {
		return err
	}

	attrs := []any{"service", inst.Service.Name, "from", from, "to", to}
	switch {
	case to == Failed:
		l.logger.Error("service state", append(attrs, "error", cause)...)
	case cause != nil:
		l.logger.Warn("service state", append(attrs, "error", cause)...)
	default:
		l.logger.Info("service state", attrs...)
	}
	l.opts.Observer.Transition(inst.Service.Name, from, to)
	return nil
}

func (l *Launcher) fail(inst *Instance, phase State, err error) error {
	var le *Error
	if !errors.As(err, &le) {
		err = &Error{Service: inst.Service.Name, Phase: phase, Err: err}
	}
	if mErr := l.move(inst, Failed, err); mErr != nil {
		return errors.Join(err, mErr)
	}
	return err
}

func (l *Launcher) restartAllowed(inst *Instance, failed bool) (ok, exhausted bool) {
	policy := inst.Service.Restart
	switch policy.Mode {
	case stack.RestartAlways, stack.RestartUnlessStopped:
		return true, false
	case stack.RestartOnFailure:
		if !failed {
			return false, false
		}
		limit := policy.MaxRetries
		if limit == 0 {
			limit = l.opts.MaxRetries
		}
		if inst.Restarts() < limit {
			return true, false
		}
		return false, limit > 0
	default:
		return false, false
	}
}

func (l *Launcher) restart(ctx context.Context, inst *Instance, cause error) error {
	n := inst.addRestart()
	if err := l.move(inst, Restarting, cause); err != nil {
		return err
	}
	l.opts.Observer.Restarted(inst.Service.Name)

	delay := l.opts.Backoff.Delay(n)
	l.logger.Info("restart scheduled", "service", inst.Service.Name, "attempt", n, "delay", delay)
	if err := l.sleep(ctx, delay); err != nil {
		return l.fail(inst, Restarting, err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// =============================================================================
// Resolving image
// =============================================================================

func (l *Launcher) resolveImage(ctx context.Context, inst *Instance) (string, error) {
	svc := inst.Service
	out := l.opts.Output.For(svc.Name)
	defer Flush(out)
	start := time.Now()

	if svc.UsesBuild() {
		tag := ImageTag(inst.Project, svc.Name)
		bctx, cancel := withTimeout(ctx, l.opts.BuildTimeout)
		defer cancel()

		l.logger.Info("building image", "service", svc.Name, "image", tag, "context", svc.Build.Context)
		err := l.engine.BuildImage(bctx, engine.BuildSpec{
			Context:    svc.Build.Context,
			Dockerfile: svc.Build.Dockerfile,
			Tag:        tag,
			Labels:     map[string]string{engine.LabelProject: inst.Project, engine.LabelService: svc.Name},
		}, out)
		if err != nil {
			if errors.Is(bctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return "", fmt.Errorf("%w: timed out after %s", engine.ErrBuildFailed, l.opts.BuildTimeout)
			}
			if !errors.Is(err, engine.ErrBuildFailed) {
				err = fmt.Errorf("%w: %w", engine.ErrBuildFailed, err)
			}
			return "", err
		}
		l.opts.Observer.ImageResolved(svc.Name, "build", time.Since(start))
		return tag, nil
	}

	// the lookup shares the pull's budget so a stuck daemon cannot hang it
	pctx, cancel := withTimeout(ctx, l.opts.PullTimeout)
	defer cancel()
	timedOut := func() bool { return errors.Is(pctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil }

	exists, err := l.engine.ImageExists(pctx, svc.Image)
	if err == nil && exists && !inst.Pull {
		l.logger.Debug("image present", "service", svc.Name, "image", svc.Image)
		return svc.Image, nil
	}
	if timedOut() {
		return "", fmt.Errorf("%w: %s timed out after %s", engine.ErrPullFailed, svc.Image, l.opts.PullTimeout)
	}

	l.logger.Info("pulling image", "service", svc.Name, "image", svc.Image)
	if err := l.engine.PullImage(pctx, svc.Image, out); err != nil {
		if timedOut() {
			return "", fmt.Errorf("%w: %s timed out after %s", engine.ErrPullFailed, svc.Image, l.opts.PullTimeout)
		}
		if !errors.Is(err, engine.ErrImageUnresolved) && !errors.Is(err, engine.ErrPullFailed) {
			err = fmt.Errorf("%w: %w", engine.ErrPullFailed, err)
		}
		return "", err
	}
	l.opts.Observer.ImageResolved(svc.Name, "pull", time.Since(start))
	return svc.Image, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// =============================================================================
// Starting
// =============================================================================

func (l *Launcher) start(ctx context.Context, inst *Instance) error {
	svc := inst.Service

	if err := checkBindSources(svc); err != nil {
		return err
	}

	spec := l.containerSpec(inst)
	adopted, err := l.adopt(ctx, inst, spec)
	if err != nil || adopted {
		return err
	}

	if err := l.ports.Claim(svc.Name, svc.Ports); err != nil {
		return err
	}

	id, err := l.engine.CreateContainer(ctx, spec)
	if err != nil {
		l.ports.Release(svc.Name)
		return err
	}
	if err := l.checkMountTargets(ctx, id, svc); err != nil {
		l.discard(ctx, id, svc.Name)
		return err
	}
	if err := l.engine.StartContainer(ctx, id); err != nil {
		l.discard(ctx, id, svc.Name)
		return mountFailure(svc, err)
	}

	info, err := l.engine.InspectContainer(ctx, id)
	if err != nil {
		return err
	}
	inst.setContainer(id, info.Addresses)
	return nil
}

// adopt keeps an existing running container created from the same spec.
// Any other container under the service's name is removed.
func (l *Launcher) adopt(ctx context.Context, inst *Instance, spec engine.ContainerSpec) (bool, error) {
	existing, err := l.engine.InspectContainer(ctx, spec.Name)
	if engine.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if existing.Running() && !inst.Recreate && existing.Labels[engine.LabelConfigHash] == spec.Labels[engine.LabelConfigHash] {
		if err := l.ports.Adopt(inst.Service.Name, inst.Service.Ports); err != nil {
			return false, err
		}
		l.logger.Info("container up to date", "service", inst.Service.Name, "container", existing.ID)
		inst.setContainer(existing.ID, existing.Addresses)
		return true, nil
	}

	l.logger.Debug("replacing container", "service", inst.Service.Name, "container", existing.ID, "state", existing.State)
	if existing.Running() {
		if err := l.engine.StopContainer(ctx, existing.ID, l.opts.StopTimeout); err != nil && !engine.IsNotFound(err) {
			return false, err
		}
	}
	if err := l.engine.RemoveContainer(ctx, existing.ID); err != nil && !engine.IsNotFound(err) {
		return false, err
	}
	// the old container's ports are free again
	l.ports.Release(inst.Service.Name)
	return false, nil
}

func (l *Launcher) discard(ctx context.Context, id, service string) {
	if err := l.engine.RemoveContainer(ctx, id); err != nil && !engine.IsNotFound(err) {
		l.logger.Warn("failed to remove container", "service", service, "container", id, "error", err)
	}
	l.ports.Release(service)
}

func (l *Launcher) containerSpec(inst *Instance) engine.ContainerSpec {
	svc := inst.Service

	networks := make(map[string][]string, len(inst.networks))
	for _, engineName := range inst.networks {
		networks[engineName] = []string{svc.Name}
	}

	mounts := make([]engine.MountSpec, 0, len(svc.Mounts))
	for _, m := range svc.Mounts {
		source := m.Source
		if m.Kind == stack.MountVolume {
			source = inst.volumes[m.Source]
		}
		mounts = append(mounts, engine.MountSpec{Kind: m.Kind, Source: source, Target: m.Target, ReadOnly: m.ReadOnly})
	}

	restart := svc.Restart
	if l.opts.Supervised {
		restart = stack.RestartPolicy{Mode: stack.RestartNo}
	}

	spec := engine.ContainerSpec{
		Name:        inst.ContainerName,
		Image:       inst.Image(),
		Command:     svc.Command,
		Entrypoint:  svc.Entrypoint,
		Env:         svc.EnvList(),
		Ports:       svc.Ports,
		Mounts:      mounts,
		Networks:    networks,
		Restart:     restart,
		HealthCheck: svc.HealthCheck,
	}

	labels := make(map[string]string, len(svc.Labels)+4)
	for k, v := range svc.Labels {
		labels[k] = v
	}
	labels[engine.LabelProject] = inst.Project
	labels[engine.LabelService] = svc.Name
	labels[engine.LabelManaged] = "true"
	labels[engine.LabelConfigHash] = configHash(spec)
	spec.Labels = labels
	return spec
}

func configHash(spec engine.ContainerSpec) string {
	b, err := json.Marshal(spec)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%x", sha256.Sum256(b))[:16]
}

func checkBindSources(svc *stack.Service) error {
	for _, m := range svc.Mounts {
		if m.Kind != stack.MountBind {
			continue
		}
		if _, err := os.Stat(m.Source); err != nil {
			if os.IsNotExist(err) {
				return &MountError{Service: svc.Name, Source: m.Source, Target: m.Target, Err: engine.ErrMountSourceMissing}
			}
			return err
		}
	}
	return nil
}

// checkMountTargets rejects a mount whose kind disagrees with what the
// image already has at its target: a directory over a file, or a file over
// a directory. The engine would otherwise fail the start with an opaque
// runtime error.
func (l *Launcher) checkMountTargets(ctx context.Context, id string, svc *stack.Service) error {
	for _, m := range svc.Mounts {
		sourceIsDir := true
		if m.Kind == stack.MountBind {
			fi, err := os.Stat(m.Source)
			if err != nil {
				return err
			}
			sourceIsDir = fi.IsDir()
		}

		info, err := l.engine.StatPath(ctx, id, m.Target)
		switch {
		case engine.IsNotFound(err):
			continue
		case errors.Is(err, engine.ErrMountNotDirectory), errors.Is(err, engine.ErrMountIsDirectory):
			return &MountError{Service: svc.Name, Source: m.Source, Target: m.Target, Err: err}
		case err != nil:
			return fmt.Errorf("checking mount target %s of %s: %w", m.Target, svc.Name, err)
		}

		if sourceIsDir && !info.IsDir {
			return &MountError{Service: svc.Name, Source: m.Source, Target: m.Target, Err: engine.ErrMountNotDirectory}
		}
		if !sourceIsDir && info.IsDir {
			return &MountError{Service: svc.Name, Source: m.Source, Target: m.Target, Err: engine.ErrMountIsDirectory}
		}
	}
	return nil
}

// mountFailure attributes a mount error returned by the engine at start to
// the mount it names. The error is returned unchanged when no single mount
// can be picked.
func mountFailure(svc *stack.Service, err error) error {
	if !errors.Is(err, engine.ErrMountNotDirectory) && !errors.Is(err, engine.ErrMountIsDirectory) &&
		!errors.Is(err, engine.ErrMountSourceMissing) {
		return err
	}
	var me *MountError
	if errors.As(err, &me) {
		return err
	}

	msg := err.Error()
	pick := func(match func(stack.Mount) bool) (stack.Mount, bool) {
		var found []stack.Mount
		for _, m := range svc.Mounts {
			if match(m) {
				found = append(found, m)
			}
		}
		if len(found) == 1 {
			return found[0], true
		}
		return stack.Mount{}, false
	}

	m, ok := pick(func(m stack.Mount) bool { return strings.Contains(msg, `"`+m.Target+`"`) })
	if !ok {
		m, ok = pick(func(m stack.Mount) bool { return m.Source != "" && strings.Contains(msg, m.Source) })
	}
	if !ok {
		m, ok = pick(func(stack.Mount) bool { return true })
	}
	if !ok {
		return err
	}
	return &MountError{Service: svc.Name, Source: m.Source, Target: m.Target, Err: err}
}
