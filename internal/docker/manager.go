// Package docker implements engine.Engine against a docker daemon.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/sarth-shah20/stasis/internal/engine"
	"github.com/sarth-shah20/stasis/internal/stack"
)

// MinAPIVersion is the oldest daemon API we talk to. 1.41 is docker 20.10,
// the first release with cgroup v2 and stable ContainerStatPath semantics.
const MinAPIVersion = "1.41"

// Manager handles all interactions with the Docker Daemon
type Manager struct {
	cli *client.Client
}

var _ engine.Engine = (*Manager)(nil)

// NewManager creates a new Docker client. An empty host falls back to
// DOCKER_HOST or the default unix socket.
func NewManager(host string) (*Manager, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, engine.NewError("NewManager", "", "", err.Error(), engine.ErrUnavailable)
	}
	return &Manager{cli: cli}, nil
}

// Ping checks the daemon is reachable and new enough.
func (m *Manager) Ping(ctx context.Context) error {
	if _, err := m.cli.Ping(ctx); err != nil {
		return engine.NewError("Ping", "", "", err.Error(), engine.ErrUnavailable)
	}

	v, err := m.cli.ServerVersion(ctx)
	if err != nil {
		return engine.NewError("Ping", "", "", err.Error(), engine.ErrUnavailable)
	}
	return CheckAPIVersion(v.APIVersion)
}

// CheckAPIVersion rejects daemons older than MinAPIVersion.
func CheckAPIVersion(apiVersion string) error {
	constraint, err := semver.NewConstraint(">= " + MinAPIVersion)
	if err != nil {
		return err
	}
	v, err := semver.NewVersion(apiVersion)
	if err != nil {
		return engine.NewError("Ping", "", "", fmt.Sprintf("unparseable API version %q", apiVersion), engine.ErrUnsupported)
	}
	if !constraint.Check(v) {
		return engine.NewError("Ping", "", "", fmt.Sprintf("daemon API %s is older than %s", apiVersion, MinAPIVersion), engine.ErrUnsupported)
	}
	return nil
}

// Close closes the Docker client connection.
func (m *Manager) Close() error {
	return m.cli.Close()
}

// =============================================================================
// Image Operations
// =============================================================================

// PullImage pulls ref and renders the daemon's JSON progress stream to out.
// The stream must be read to EOF, otherwise the pull is cancelled.
func (m *Manager) PullImage(ctx context.Context, ref string, out io.Writer) error {
	reader, err := m.cli.ImagePull(ctx, ref, types.ImagePullOptions{})
	if err != nil {
		return classifyPullError(ref, err)
	}
	defer reader.Close()

	if out == nil {
		out = io.Discard
	}
	if err := jsonmessage.DisplayJSONMessagesStream(reader, out, 0, false, nil); err != nil {
		return classifyPullError(ref, err)
	}
	return nil
}

// classifyPullError separates "this image will never resolve" from transient
// pull failures. Only the latter may be retried.
func classifyPullError(ref string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return engine.NewError("PullImage", "image", ref, err.Error(), engine.ErrPullFailed)
	}
	if errdefs.IsNotFound(err) || errdefs.IsUnauthorized(err) || errdefs.IsForbidden(err) {
		return engine.NewError("PullImage", "image", ref, err.Error(), engine.ErrImageUnresolved)
	}
	msg := err.Error()
	for _, s := range []string{"not found", "manifest unknown", "repository does not exist", "pull access denied", "unauthorized", "invalid reference format"} {
		if strings.Contains(msg, s) {
			return engine.NewError("PullImage", "image", ref, msg, engine.ErrImageUnresolved)
		}
	}
	return engine.NewError("PullImage", "image", ref, msg, engine.ErrPullFailed)
}

// BuildImage tars the build context and builds it on the daemon.
func (m *Manager) BuildImage(ctx context.Context, spec engine.BuildSpec, out io.Writer) error {
	dockerfile := spec.Dockerfile
	if filepath.IsAbs(dockerfile) {
		rel, err := filepath.Rel(spec.Context, dockerfile)
		if err != nil || strings.HasPrefix(rel, "..") {
			return engine.NewError("BuildImage", "image", spec.Tag, "build recipe must live inside the build context", engine.ErrBuildFailed)
		}
		dockerfile = rel
	}

	buildCtx, err := archive.TarWithOptions(spec.Context, &archive.TarOptions{})
	if err != nil {
		return engine.NewError("BuildImage", "image", spec.Tag, err.Error(), engine.ErrBuildFailed)
	}
	defer buildCtx.Close()

	resp, err := m.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{spec.Tag},
		Dockerfile:  filepath.ToSlash(dockerfile),
		Labels:      spec.Labels,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return engine.NewError("BuildImage", "image", spec.Tag, err.Error(), engine.ErrBuildFailed)
	}
	defer resp.Body.Close()

	if out == nil {
		out = io.Discard
	}
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, out, 0, false, nil); err != nil {
		return engine.NewError("BuildImage", "image", spec.Tag, err.Error(), engine.ErrBuildFailed)
	}
	return nil
}

// ImageExists checks if an image exists locally.
func (m *Manager) ImageExists(ctx context.Context, ref string) (bool, error) {
	if _, _, err := m.cli.ImageInspectWithRaw(ctx, ref); err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, engine.NewError("ImageExists", "image", ref, err.Error(), err)
	}
	return true, nil
}

// =============================================================================
// Network Operations
// =============================================================================

// InspectNetwork finds a network by exact name.
func (m *Manager) InspectNetwork(ctx context.Context, name string) (*engine.NetworkInfo, error) {
	// the name filter matches substrings, so check for an exact hit
	args := filters.NewArgs(filters.Arg("name", name))
	networks, err := m.cli.NetworkList(ctx, types.NetworkListOptions{Filters: args})
	if err != nil {
		return nil, engine.NewError("InspectNetwork", "network", name, err.Error(), err)
	}

	for _, n := range networks {
		if n.Name == name {
			return &engine.NetworkInfo{
				ID:       n.ID,
				Name:     n.Name,
				Driver:   n.Driver,
				Internal: n.Internal,
				Labels:   n.Labels,
			}, nil
		}
	}
	return nil, engine.NewError("InspectNetwork", "network", name, "network not found", engine.ErrNotFound)
}

// CreateNetwork creates a network, bridge unless a driver is given.
func (m *Manager) CreateNetwork(ctx context.Context, spec engine.NetworkSpec) error {
	driver := spec.Driver
	if driver == "" {
		driver = "bridge"
	}

	_, err := m.cli.NetworkCreate(ctx, spec.Name, types.NetworkCreate{
		Driver:   driver,
		Internal: spec.Internal,
		Labels:   spec.Labels,
	})
	if err != nil {
		if errdefs.IsConflict(err) || strings.Contains(err.Error(), "already exists") {
			return engine.NewError("CreateNetwork", "network", spec.Name, "network already exists", engine.ErrAlreadyExists)
		}
		return engine.NewError("CreateNetwork", "network", spec.Name, err.Error(), err)
	}
	return nil
}

// RemoveNetwork deletes a network.
func (m *Manager) RemoveNetwork(ctx context.Context, name string) error {
	if err := m.cli.NetworkRemove(ctx, name); err != nil {
		if client.IsErrNotFound(err) {
			return engine.NewError("RemoveNetwork", "network", name, "network not found", engine.ErrNotFound)
		}
		return engine.NewError("RemoveNetwork", "network", name, err.Error(), err)
	}
	return nil
}

// =============================================================================
// Volume Operations
// =============================================================================

// InspectVolume looks up a volume by name.
func (m *Manager) InspectVolume(ctx context.Context, name string) (*engine.VolumeInfo, error) {
	v, err := m.cli.VolumeInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, engine.NewError("InspectVolume", "volume", name, "volume not found", engine.ErrNotFound)
		}
		return nil, engine.NewError("InspectVolume", "volume", name, err.Error(), err)
	}
	return &engine.VolumeInfo{Name: v.Name, Driver: v.Driver, Labels: v.Labels}, nil
}

// CreateVolume creates a named volume, local unless a driver is given.
func (m *Manager) CreateVolume(ctx context.Context, spec engine.VolumeSpec) error {
	driver := spec.Driver
	if driver == "" {
		driver = "local"
	}

	_, err := m.cli.VolumeCreate(ctx, volume.CreateOptions{
		Name:   spec.Name,
		Driver: driver,
		Labels: spec.Labels,
	})
	if err != nil {
		return engine.NewError("CreateVolume", "volume", spec.Name, err.Error(), err)
	}
	return nil
}

// RemoveVolume deletes a volume. It is only called on explicit request.
func (m *Manager) RemoveVolume(ctx context.Context, name string) error {
	if err := m.cli.VolumeRemove(ctx, name, false); err != nil {
		if client.IsErrNotFound(err) {
			return engine.NewError("RemoveVolume", "volume", name, "volume not found", engine.ErrNotFound)
		}
		return engine.NewError("RemoveVolume", "volume", name, err.Error(), err)
	}
	return nil
}

// =============================================================================
// Container Operations
// =============================================================================

// CreateContainer creates (but does not start) a container. The container
// joins its first network at create time and the rest afterwards, which
// works on every API version since 1.41.
func (m *Manager) CreateContainer(ctx context.Context, spec engine.ContainerSpec) (string, error) {
	// 1. Port mapping (host -> container)
	portBindings := nat.PortMap{}
	exposedPorts := nat.PortSet{}
	for _, p := range spec.Ports {
		port, err := nat.NewPort(p.Protocol, strconv.Itoa(int(p.Container)))
		if err != nil {
			return "", engine.NewError("CreateContainer", "container", spec.Name, err.Error(), err)
		}
		exposedPorts[port] = struct{}{}
		if p.Host != 0 {
			portBindings[port] = append(portBindings[port], nat.PortBinding{
				HostIP:   p.HostIP,
				HostPort: strconv.Itoa(int(p.Host)),
			})
		}
	}

	// 2. Container config (inside)
	config := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Command,
		Entrypoint:   spec.Entrypoint,
		Env:          spec.Env,
		Labels:       spec.Labels,
		ExposedPorts: exposedPorts,
	}
	if hc := spec.HealthCheck; hc != nil {
		config.Healthcheck = &container.HealthConfig{
			Test:        hc.Test,
			Interval:    hc.Interval,
			Timeout:     hc.Timeout,
			Retries:     hc.Retries,
			StartPeriod: hc.StartPeriod,
		}
	}

	// 3. Host config (outside)
	hostConfig := &container.HostConfig{
		PortBindings: portBindings,
		RestartPolicy: container.RestartPolicy{
			Name:              restartMode(spec.Restart.Mode),
			MaximumRetryCount: spec.Restart.MaxRetries,
		},
	}
	for _, mnt := range spec.Mounts {
		t := mount.TypeVolume
		if mnt.Kind == stack.MountBind {
			t = mount.TypeBind
		}
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type:     t,
			Source:   mnt.Source,
			Target:   mnt.Target,
			ReadOnly: mnt.ReadOnly,
		})
	}

	// 4. Network config
	names := make([]string, 0, len(spec.Networks))
	for n := range spec.Networks {
		names = append(names, n)
	}
	sort.Strings(names)

	var networkConfig *network.NetworkingConfig
	if len(names) > 0 {
		networkConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				names[0]: {Aliases: spec.Networks[names[0]]},
			},
		}
	}

	resp, err := m.cli.ContainerCreate(ctx, config, hostConfig, networkConfig, nil, spec.Name)
	if err != nil {
		if errdefs.IsConflict(err) {
			return "", engine.NewError("CreateContainer", "container", spec.Name, "name already in use", engine.ErrAlreadyExists)
		}
		if client.IsErrNotFound(err) {
			return "", engine.NewError("CreateContainer", "container", spec.Name, err.Error(), engine.ErrNotFound)
		}
		return "", engine.NewError("CreateContainer", "container", spec.Name, err.Error(), err)
	}

	for _, n := range names[min(1, len(names)):] {
		if err := m.cli.NetworkConnect(ctx, n, resp.ID, &network.EndpointSettings{Aliases: spec.Networks[n]}); err != nil {
			_ = m.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
			return "", engine.NewError("CreateContainer", "network", n, err.Error(), err)
		}
	}

	return resp.ID, nil
}

func restartMode(mode stack.RestartMode) container.RestartPolicyMode {
	switch mode {
	case stack.RestartAlways:
		return container.RestartPolicyAlways
	case stack.RestartUnlessStopped:
		return container.RestartPolicyUnlessStopped
	case stack.RestartOnFailure:
		return container.RestartPolicyOnFailure
	}
	return container.RestartPolicyDisabled
}

// StartContainer starts a created container. Mount and port failures the
// daemon only detects at start time are mapped to their engine errors.
func (m *Manager) StartContainer(ctx context.Context, id string) error {
	if err := m.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return classifyStartError(id, err)
	}
	return nil
}

func classifyStartError(id string, err error) error {
	if client.IsErrNotFound(err) && !strings.Contains(err.Error(), "bind source path") {
		return engine.NewError("StartContainer", "container", id, "container not found", engine.ErrNotFound)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "not a directory"), strings.Contains(msg, "Are you trying to mount a directory onto a file"):
		return engine.NewError("StartContainer", "container", id, msg, engine.ErrMountNotDirectory)
	case strings.Contains(msg, "bind source path does not exist"):
		return engine.NewError("StartContainer", "container", id, msg, engine.ErrMountSourceMissing)
	case strings.Contains(msg, "port is already allocated"), strings.Contains(msg, "address already in use"):
		return engine.NewError("StartContainer", "container", id, msg, engine.ErrPortInUse)
	}
	return engine.NewError("StartContainer", "container", id, msg, err)
}

// StopContainer stops a running container, killing it after timeout.
func (m *Manager) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := m.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds}); err != nil {
		if client.IsErrNotFound(err) {
			return engine.NewError("StopContainer", "container", id, "container not found", engine.ErrNotFound)
		}
		return engine.NewError("StopContainer", "container", id, err.Error(), err)
	}
	return nil
}

// RemoveContainer deletes a container. Anonymous volumes are removed with
// it, named volumes never are.
func (m *Manager) RemoveContainer(ctx context.Context, id string) error {
	if err := m.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return engine.NewError("RemoveContainer", "container", id, "container not found", engine.ErrNotFound)
		}
		return engine.NewError("RemoveContainer", "container", id, err.Error(), err)
	}
	return nil
}

// InspectContainer returns state, health and per-network addresses.
func (m *Manager) InspectContainer(ctx context.Context, id string) (*engine.ContainerInfo, error) {
	resp, err := m.cli.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, engine.NewError("InspectContainer", "container", id, "container not found", engine.ErrNotFound)
		}
		return nil, engine.NewError("InspectContainer", "container", id, err.Error(), err)
	}

	info := &engine.ContainerInfo{
		ID:   resp.ID,
		Name: strings.TrimPrefix(resp.Name, "/"),
	}
	if resp.Config != nil {
		info.Image = resp.Config.Image
		info.Labels = resp.Config.Labels
	}
	if resp.State != nil {
		info.State = resp.State.Status
		info.ExitCode = resp.State.ExitCode
		if resp.State.Health != nil {
			info.Health = resp.State.Health.Status
		}
	}
	if ns := resp.NetworkSettings; ns != nil {
		info.Addresses = map[string]string{}
		for name, ep := range ns.Networks {
			if ep != nil && ep.IPAddress != "" {
				info.Addresses[name] = ep.IPAddress
			}
		}
		for port, bindings := range ns.Ports {
			for _, b := range bindings {
				host, _ := strconv.ParseUint(b.HostPort, 10, 16)
				info.Ports = append(info.Ports, stack.Port{
					HostIP:    b.HostIP,
					Host:      uint16(host),
					Container: uint16(port.Int()),
					Protocol:  port.Proto(),
				})
			}
		}
	}
	return info, nil
}

// ListContainers returns every container (running or not) carrying all of
// the given labels.
func (m *Manager) ListContainers(ctx context.Context, labels map[string]string) ([]engine.ContainerInfo, error) {
	filterArgs := filters.NewArgs()
	for k, v := range labels {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", k, v))
	}

	containers, err := m.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, engine.NewError("ListContainers", "container", "", err.Error(), err)
	}

	result := make([]engine.ContainerInfo, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			// c.Names[0] is "/stasis-<project>-<service>", strip the slash
			name = strings.TrimPrefix(c.Names[0], "/")
		}

		info := engine.ContainerInfo{
			ID:     c.ID,
			Name:   name,
			Image:  c.Image,
			State:  c.State,
			Labels: c.Labels,
		}
		for _, p := range c.Ports {
			info.Ports = append(info.Ports, stack.Port{
				HostIP:    p.IP,
				Host:      p.PublicPort,
				Container: p.PrivatePort,
				Protocol:  p.Type,
			})
		}
		if c.NetworkSettings != nil {
			info.Addresses = map[string]string{}
			for n, ep := range c.NetworkSettings.Networks {
				if ep != nil && ep.IPAddress != "" {
					info.Addresses[n] = ep.IPAddress
				}
			}
		}
		result = append(result, info)
	}
	return result, nil
}

// WaitContainer blocks until the container is no longer running.
func (m *Manager) WaitContainer(ctx context.Context, id string) (int, error) {
	statusCh, errCh := m.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if client.IsErrNotFound(err) {
			return 0, engine.NewError("WaitContainer", "container", id, "container not found", engine.ErrNotFound)
		}
		return 0, engine.NewError("WaitContainer", "container", id, err.Error(), err)
	case status := <-statusCh:
		return int(status.StatusCode), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// StatPath stats a path in the container's root filesystem. It works on
// created containers, so mount destinations can be checked before start.
func (m *Manager) StatPath(ctx context.Context, id, path string) (*engine.PathInfo, error) {
	stat, err := m.cli.ContainerStatPath(ctx, id, path)
	if err != nil {
		return nil, classifyStatError(path, err)
	}
	return &engine.PathInfo{Path: path, Mode: stat.Mode, IsDir: stat.Mode.IsDir()}, nil
}

// classifyStatError maps ContainerStatPath failures. The daemon mounts the
// container's volumes before it stats, so a directory bound over an image
// file already fails here.
func classifyStatError(path string, err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "not a directory"):
		return engine.NewError("StatPath", "path", path, msg, engine.ErrMountNotDirectory)
	case strings.Contains(msg, "is a directory"):
		return engine.NewError("StatPath", "path", path, msg, engine.ErrMountIsDirectory)
	case client.IsErrNotFound(err):
		return engine.NewError("StatPath", "path", path, "no such file or directory", engine.ErrNotFound)
	}
	return engine.NewError("StatPath", "path", path, msg, err)
}

// CopyFrom streams path out of the container as a tar archive.
func (m *Manager) CopyFrom(ctx context.Context, id, path string) (io.ReadCloser, error) {
	rc, _, err := m.cli.CopyFromContainer(ctx, id, path)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, engine.NewError("CopyFrom", "path", path, "no such file or directory", engine.ErrNotFound)
		}
		return nil, engine.NewError("CopyFrom", "container", id, err.Error(), err)
	}
	return rc, nil
}

// Logs copies the container's output, demultiplexing stdout and stderr.
func (m *Manager) Logs(ctx context.Context, id string, follow bool, stdout, stderr io.Writer) error {
	rc, err := m.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return engine.NewError("Logs", "container", id, "container not found", engine.ErrNotFound)
		}
		return engine.NewError("Logs", "container", id, err.Error(), err)
	}
	defer rc.Close()

	if _, err := stdcopy.StdCopy(stdout, stderr, rc); err != nil && !errors.Is(err, context.Canceled) {
		return engine.NewError("Logs", "container", id, err.Error(), err)
	}
	return nil
}

// Exec runs cmd inside a running container and returns its exit code. The
// command shares the container's network namespace, so service names on its
// networks resolve.
func (m *Manager) Exec(ctx context.Context, id string, cmd []string, stdout, stderr io.Writer) (int, error) {
	created, err := m.cli.ContainerExecCreate(ctx, id, types.ExecConfig{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return 0, engine.NewError("Exec", "container", id, "container not found", engine.ErrNotFound)
		}
		if errdefs.IsConflict(err) {
			return 0, engine.NewError("Exec", "container", id, err.Error(), engine.ErrNotRunning)
		}
		return 0, engine.NewError("Exec", "container", id, err.Error(), err)
	}

	attach, err := m.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return 0, engine.NewError("Exec", "container", id, err.Error(), err)
	}
	defer attach.Close()

	if _, err := stdcopy.StdCopy(stdout, stderr, attach.Reader); err != nil {
		return 0, engine.NewError("Exec", "container", id, err.Error(), err)
	}

	inspect, err := m.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return 0, engine.NewError("Exec", "container", id, err.Error(), err)
	}
	return inspect.ExitCode, nil
}
