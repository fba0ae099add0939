package engine

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sarth-shah20/stasis/internal/stack"
)

// Memory is an in-process Engine. It backs dry runs and lets tests script
// engine behaviour (pull failures, files baked into images, exits) without a
// daemon. All methods are safe for concurrent use.
type Memory struct {
	mu sync.Mutex

	images     map[string]bool
	networks   map[string]*NetworkInfo
	volumes    map[string]*VolumeInfo
	containers map[string]*memContainer
	nextIP     int
	calls      map[string]int

	// PullErrors fails PullImage for the given reference.
	PullErrors map[string]error
	// BuildErrors fails BuildImage for the given tag.
	BuildErrors map[string]error
	// StartErrors fails successive StartContainer calls for the named
	// container, one entry per attempt.
	StartErrors map[string][]error
	// ImageFiles lists paths that exist inside an image.
	ImageFiles map[string]map[string]PathInfo
	// VolumeFiles holds file contents per volume, relative to the volume root.
	VolumeFiles map[string]map[string][]byte
	// Health forces the reported health of the named container.
	Health map[string]string
	// ExecHook answers Exec; the default prints nothing and exits 0.
	ExecHook func(name string, cmd []string, stdout io.Writer) int
}

var _ Engine = (*Memory)(nil)

type memContainer struct {
	info   ContainerInfo
	spec   ContainerSpec
	exited chan struct{}
}

// NewMemory returns an empty in-memory engine.
func NewMemory() *Memory {
	return &Memory{
		images:      map[string]bool{},
		networks:    map[string]*NetworkInfo{},
		volumes:     map[string]*VolumeInfo{},
		containers:  map[string]*memContainer{},
		calls:       map[string]int{},
		PullErrors:  map[string]error{},
		BuildErrors: map[string]error{},
		StartErrors: map[string][]error{},
		ImageFiles:  map[string]map[string]PathInfo{},
		VolumeFiles: map[string]map[string][]byte{},
		Health:      map[string]string{},
	}
}

// Calls returns how many times op was invoked, e.g. "CreateNetwork".
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *Memory) record(op string) {
	m.calls[op]++
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
func (m *Memory) Close() error                   { return nil }

// =============================================================================
// Images
// =============================================================================

func (m *Memory) PullImage(ctx context.Context, ref string, out io.Writer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("PullImage")

	if err, ok := m.PullErrors[ref]; ok {
		return err
	}
	m.images[ref] = true
	if out != nil {
		fmt.Fprintf(out, "Pulled %s\n", ref)
	}
	return nil
}

func (m *Memory) BuildImage(ctx context.Context, spec BuildSpec, out io.Writer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("BuildImage")

	if err, ok := m.BuildErrors[spec.Tag]; ok {
		return err
	}
	m.images[spec.Tag] = true
	if out != nil {
		fmt.Fprintf(out, "Successfully tagged %s\n", spec.Tag)
	}
	return nil
}

func (m *Memory) ImageExists(ctx context.Context, ref string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.images[ref], nil
}

// =============================================================================
// Networks
// =============================================================================

func (m *Memory) InspectNetwork(ctx context.Context, name string) (*NetworkInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.networks[name]
	if !ok {
		return nil, NewError("InspectNetwork", "network", name, "network not found", ErrNotFound)
	}
	cp := *n
	return &cp, nil
}

func (m *Memory) CreateNetwork(ctx context.Context, spec NetworkSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CreateNetwork")

	if _, ok := m.networks[spec.Name]; ok {
		return NewError("CreateNetwork", "network", spec.Name, "network already exists", ErrAlreadyExists)
	}
	driver := spec.Driver
	if driver == "" {
		driver = "bridge"
	}
	m.networks[spec.Name] = &NetworkInfo{
		ID:       uuid.NewString(),
		Name:     spec.Name,
		Driver:   driver,
		Internal: spec.Internal,
		Labels:   spec.Labels,
	}
	return nil
}

func (m *Memory) RemoveNetwork(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("RemoveNetwork")

	if _, ok := m.networks[name]; !ok {
		return NewError("RemoveNetwork", "network", name, "network not found", ErrNotFound)
	}
	delete(m.networks, name)
	return nil
}

// =============================================================================
// Volumes
// =============================================================================

func (m *Memory) InspectVolume(ctx context.Context, name string) (*VolumeInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.volumes[name]
	if !ok {
		return nil, NewError("InspectVolume", "volume", name, "volume not found", ErrNotFound)
	}
	cp := *v
	return &cp, nil
}

func (m *Memory) CreateVolume(ctx context.Context, spec VolumeSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CreateVolume")

	if _, ok := m.volumes[spec.Name]; ok {
		return NewError("CreateVolume", "volume", spec.Name, "volume already exists", ErrAlreadyExists)
	}
	driver := spec.Driver
	if driver == "" {
		driver = "local"
	}
	m.volumes[spec.Name] = &VolumeInfo{Name: spec.Name, Driver: driver, Labels: spec.Labels}
	return nil
}

func (m *Memory) RemoveVolume(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("RemoveVolume")

	if _, ok := m.volumes[name]; !ok {
		return NewError("RemoveVolume", "volume", name, "volume not found", ErrNotFound)
	}
	delete(m.volumes, name)
	delete(m.VolumeFiles, name)
	return nil
}

// =============================================================================
// Containers
// =============================================================================

func (m *Memory) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CreateContainer")

	for _, c := range m.containers {
		if c.info.Name == spec.Name {
			return "", NewError("CreateContainer", "container", spec.Name, "name already in use", ErrAlreadyExists)
		}
	}
	if !m.images[spec.Image] {
		return "", NewError("CreateContainer", "image", spec.Image, "no such image", ErrNotFound)
	}
	for name := range spec.Networks {
		if _, ok := m.networks[name]; !ok {
			return "", NewError("CreateContainer", "network", name, "network not found", ErrNotFound)
		}
	}
	for _, mnt := range spec.Mounts {
		if mnt.Kind == stack.MountVolume {
			if _, ok := m.volumes[mnt.Source]; !ok {
				m.volumes[mnt.Source] = &VolumeInfo{Name: mnt.Source, Driver: "local"}
			}
		}
	}

	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	m.containers[id] = &memContainer{
		spec: spec,
		info: ContainerInfo{
			ID:     id,
			Name:   spec.Name,
			Image:  spec.Image,
			State:  "created",
			Labels: spec.Labels,
			Ports:  spec.Ports,
		},
		exited: make(chan struct{}),
	}
	return id, nil
}

func (m *Memory) container(op, id string) (*memContainer, error) {
	if c, ok := m.containers[id]; ok {
		return c, nil
	}
	for _, c := range m.containers {
		if c.info.Name == id {
			return c, nil
		}
	}
	return nil, NewError(op, "container", id, "container not found", ErrNotFound)
}

func (m *Memory) StartContainer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("StartContainer")

	c, err := m.container("StartContainer", id)
	if err != nil {
		return err
	}
	if c.spec.Stopped {
		return NewError("StartContainer", "container", id, "helper containers are never started", ErrUnsupported)
	}
	if errs := m.StartErrors[c.info.Name]; len(errs) > 0 {
		m.StartErrors[c.info.Name] = errs[1:]
		return errs[0]
	}
	if c.info.Running() {
		return nil
	}

	c.info.State = "running"
	c.info.ExitCode = 0
	c.exited = make(chan struct{})
	c.info.Addresses = map[string]string{}
	names := make([]string, 0, len(c.spec.Networks))
	for n := range c.spec.Networks {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		m.nextIP++
		c.info.Addresses[n] = fmt.Sprintf("172.30.%d.%d", m.nextIP/250, m.nextIP%250+2)
	}
	if h, ok := m.Health[c.info.Name]; ok {
		c.info.Health = h
	} else if c.spec.HealthCheck != nil {
		c.info.Health = "healthy"
	}
	return nil
}

// Exit simulates the container's main process exiting with code.
func (m *Memory) Exit(id string, code int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.container("Exit", id)
	if err != nil {
		return err
	}
	m.exit(c, code)
	return nil
}

func (m *Memory) exit(c *memContainer, code int) {
	if !c.info.Running() {
		return
	}
	c.info.State = "exited"
	c.info.ExitCode = code
	c.info.Addresses = nil
	close(c.exited)
}

func (m *Memory) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("StopContainer")

	c, err := m.container("StopContainer", id)
	if err != nil {
		return err
	}
	m.exit(c, 0)
	return nil
}

func (m *Memory) RemoveContainer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("RemoveContainer")

	c, err := m.container("RemoveContainer", id)
	if err != nil {
		return err
	}
	m.exit(c, 137)
	delete(m.containers, c.info.ID)
	return nil
}

func (m *Memory) InspectContainer(ctx context.Context, id string) (*ContainerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.container("InspectContainer", id)
	if err != nil {
		return nil, err
	}
	info := c.info
	return &info, nil
}

func (m *Memory) ListContainers(ctx context.Context, labels map[string]string) ([]ContainerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ContainerInfo
	for _, c := range m.containers {
		match := true
		for k, v := range labels {
			if c.info.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, c.info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) WaitContainer(ctx context.Context, id string) (int, error) {
	m.mu.Lock()
	c, err := m.container("WaitContainer", id)
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}
	if !c.info.Running() {
		code := c.info.ExitCode
		m.mu.Unlock()
		return code, nil
	}
	exited := c.exited
	m.mu.Unlock()

	select {
	case <-exited:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return c.info.ExitCode, nil
}

func (m *Memory) StatPath(ctx context.Context, id, p string) (*PathInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.container("StatPath", id)
	if err != nil {
		return nil, err
	}
	if info, ok := m.ImageFiles[c.info.Image][path.Clean(p)]; ok {
		return &info, nil
	}
	return nil, NewError("StatPath", "path", p, "no such file or directory", ErrNotFound)
}

func (m *Memory) CopyFrom(ctx context.Context, id, p string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.container("CopyFrom", id)
	if err != nil {
		return nil, err
	}
	for _, mnt := range c.spec.Mounts {
		if mnt.Kind != stack.MountVolume || path.Clean(mnt.Target) != path.Clean(p) {
			continue
		}
		return tarFiles(path.Base(p), m.VolumeFiles[mnt.Source])
	}
	return nil, NewError("CopyFrom", "path", p, "no volume mounted at path", ErrNotFound)
}

func tarFiles(root string, files map[string][]byte) (io.ReadCloser, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{Name: root + "/", Typeflag: tar.TypeDir, Mode: 0o755}); err != nil {
		return nil, err
	}
	for _, name := range names {
		data := files[name]
		hdr := &tar.Header{Name: path.Join(root, name), Mode: 0o644, Size: int64(len(data)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(data); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return io.NopCloser(&buf), nil
}

func (m *Memory) Logs(ctx context.Context, id string, follow bool, stdout, stderr io.Writer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record("Logs")
	_, err := m.container("Logs", id)
	return err
}

func (m *Memory) Exec(ctx context.Context, id string, cmd []string, stdout, stderr io.Writer) (int, error) {
	m.mu.Lock()
	m.record("Exec")
	c, err := m.container("Exec", id)
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}
	if !c.info.Running() {
		m.mu.Unlock()
		return 0, NewError("Exec", "container", id, "container is not running", ErrNotRunning)
	}
	name, hook := c.info.Name, m.ExecHook
	m.mu.Unlock()

	if hook == nil {
		return 0, nil
	}
	return hook(name, cmd, stdout), nil
}
