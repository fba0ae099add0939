package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/sarth-shah20/stasis/internal/discovery"
	"github.com/sarth-shah20/stasis/internal/engine"
	"github.com/sarth-shah20/stasis/internal/graph"
	"github.com/sarth-shah20/stasis/internal/launcher"
	"github.com/sarth-shah20/stasis/internal/provision"
	"github.com/sarth-shah20/stasis/internal/stack"
)

// Exec runs cmd inside the running container of service, so it resolves
// names exactly as the service does. It returns the command's exit code.
func (o *Orchestrator) Exec(ctx context.Context, st *stack.Stack, service string, cmd []string, stdout, stderr io.Writer) (int, error) {
	if _, ok := st.Service(service); !ok {
		return 0, fmt.Errorf("%w: %s", graph.ErrUnknownService, service)
	}

	name := launcher.ContainerName(st.Name, service)
	info, err := o.engine.InspectContainer(ctx, name)
	if err != nil {
		if engine.IsNotFound(err) {
			return 0, fmt.Errorf("%w: %s has no container; run `stasis up %s` first", discovery.ErrNotRunning, service, service)
		}
		return 0, err
	}
	if !info.Running() {
		return 0, fmt.Errorf("%w: %s is %s", discovery.ErrNotRunning, service, info.State)
	}

	o.logger.Debug("exec", "service", service, "cmd", cmd)
	return o.engine.Exec(ctx, info.ID, cmd, stdout, stderr)
}

// Run starts a one-off container from the service's image with its
// environment, mounts and networks, runs cmd to completion and removes the
// container. The one-off does not answer to the service's name.
func (o *Orchestrator) Run(ctx context.Context, st *stack.Stack, service string, cmd []string, stdout, stderr io.Writer) (int, error) {
	svc, ok := st.Service(service)
	if !ok {
		return 0, fmt.Errorf("%w: %s", graph.ErrUnknownService, service)
	}

	sub := graph.Subset(st, []string{service})
	report := provision.New(o.engine, st.Name, o.logger).Ensure(ctx, sub)
	if err := report.Blocked(svc); err != nil {
		return 0, err
	}

	image, err := o.ensureImage(ctx, st.Name, svc)
	if err != nil {
		return 0, err
	}

	runID := uuid.NewString()
	spec := engine.ContainerSpec{
		Name:       fmt.Sprintf("%s-run-%s", launcher.ContainerName(st.Name, service), runID[:8]),
		Image:      image,
		Command:    cmd,
		Entrypoint: svc.Entrypoint,
		Env:        svc.EnvList(),
		Networks:   map[string][]string{},
		Restart:    stack.RestartPolicy{Mode: stack.RestartNo},
		Labels: map[string]string{
			engine.LabelProject: st.Name,
			engine.LabelService: service,
			engine.LabelManaged: "true",
			engine.LabelRunID:   runID,
		},
	}
	if len(cmd) == 0 {
		spec.Command = svc.Command
	}
	for _, n := range svc.Networks {
		if net, ok := st.Network(n); ok {
			spec.Networks[provision.NetworkName(st.Name, net)] = nil
		}
	}
	for _, m := range svc.Mounts {
		source := m.Source
		if m.Kind == stack.MountVolume {
			if vol, ok := st.Volume(m.Source); ok {
				source = provision.VolumeName(st.Name, vol)
			}
		}
		spec.Mounts = append(spec.Mounts, engine.MountSpec{Kind: m.Kind, Source: source, Target: m.Target, ReadOnly: m.ReadOnly})
	}

	id, err := o.engine.CreateContainer(ctx, spec)
	if err != nil {
		return 0, err
	}
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := o.engine.RemoveContainer(rmCtx, id); err != nil && !engine.IsNotFound(err) {
			o.logger.Warn("failed to remove one-off container", "container", spec.Name, "error", err)
		}
	}()

	if err := o.engine.StartContainer(ctx, id); err != nil {
		return 0, err
	}
	o.logger.Debug("one-off started", "service", service, "container", spec.Name, "run_id", runID)

	logsDone := make(chan struct{})
	go func() {
		defer close(logsDone)
		if err := o.engine.Logs(ctx, id, true, stdout, stderr); err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Debug("log stream ended", "container", spec.Name, "error", err)
		}
	}()

	code, err := o.engine.WaitContainer(ctx, id)
	select {
	case <-logsDone:
	case <-time.After(2 * time.Second):
	}
	return code, err
}

func (o *Orchestrator) ensureImage(ctx context.Context, project string, svc *stack.Service) (string, error) {
	image := svc.Image
	if svc.UsesBuild() {
		image = launcher.ImageTag(project, svc.Name)
	}
	if ok, err := o.engine.ImageExists(ctx, image); err == nil && ok {
		return image, nil
	}

	out := o.cfg.Output.For(svc.Name)
	defer launcher.Flush(out)
	if svc.UsesBuild() {
		return image, o.engine.BuildImage(ctx, engine.BuildSpec{
			Context:    svc.Build.Context,
			Dockerfile: svc.Build.Dockerfile,
			Tag:        image,
			Labels:     map[string]string{engine.LabelProject: project, engine.LabelService: svc.Name},
		}, out)
	}
	return image, o.engine.PullImage(ctx, image, out)
}

// =============================================================================
// Status
// =============================================================================

// ServiceStatus is one row of Status.
type ServiceStatus struct {
	Service   string
	Container string
	Image     string
	State     string
	Health    string
	Ports     []stack.Port
}

// Status reports every declared service and any other container labelled
// with the project, e.g. one-off runs.
func (o *Orchestrator) Status(ctx context.Context, st *stack.Stack) ([]ServiceStatus, error) {
	containers, err := o.engine.ListContainers(ctx, map[string]string{engine.LabelProject: st.Name})
	if err != nil {
		return nil, err
	}
	byName := make(map[string]engine.ContainerInfo, len(containers))
	for _, c := range containers {
		byName[c.Name] = c
	}

	var out []ServiceStatus
	for _, svc := range st.Services {
		name := launcher.ContainerName(st.Name, svc.Name)
		row := ServiceStatus{Service: svc.Name, Container: name, State: "not created", Ports: svc.Ports}
		if c, ok := byName[name]; ok {
			row.Image, row.State, row.Health = c.Image, c.State, c.Health
			delete(byName, name)
		}
		out = append(out, row)
	}
	for _, c := range containers {
		if _, ok := byName[c.Name]; !ok {
			continue
		}
		out = append(out, ServiceStatus{
			Service:   c.Labels[engine.LabelService],
			Container: c.Name,
			Image:     c.Image,
			State:     c.State,
			Health:    c.Health,
			Ports:     c.Ports,
		})
	}
	return out, nil
}
