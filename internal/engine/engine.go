// Package engine defines the container-engine contract the orchestrator
// drives. internal/docker implements it against a docker daemon; Memory
// implements it in-process for dry runs and tests.
package engine

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/sarth-shah20/stasis/internal/stack"
)

// =============================================================================
// Labels
// =============================================================================

const (
	LabelProject = "stasis.project"
	LabelService = "stasis.service"
	LabelManaged = "stasis.managed"
	LabelNetwork = "stasis.network"
	LabelVolume  = "stasis.volume"
	LabelRunID   = "stasis.run"
	// LabelConfigHash fingerprints the spec a container was created from.
	LabelConfigHash = "stasis.config-hash"
)

// =============================================================================
// Specs
// =============================================================================

// ContainerSpec describes one container to create.
type ContainerSpec struct {
	Name       string
	Image      string
	Command    []string
	Entrypoint []string
	Env        []string
	Labels     map[string]string
	Ports      []stack.Port
	Mounts     []MountSpec
	// Networks maps an engine network name to the aliases the container
	// answers to on it.
	Networks    map[string][]string
	Restart     stack.RestartPolicy
	HealthCheck *stack.HealthCheck
	// Stopped keeps the container from ever running. Used for helper
	// containers that only expose a volume to CopyFrom.
	Stopped bool
}

// MountSpec attaches a volume (by engine name) or host path.
type MountSpec struct {
	Kind     stack.MountKind
	Source   string
	Target   string
	ReadOnly bool
}

// NetworkSpec describes a network to create.
type NetworkSpec struct {
	Name     string
	Driver   string
	Internal bool
	Labels   map[string]string
}

// VolumeSpec describes a volume to create.
type VolumeSpec struct {
	Name   string
	Driver string
	Labels map[string]string
}

// BuildSpec builds Context with Dockerfile and tags the result.
type BuildSpec struct {
	Context    string
	Dockerfile string
	Tag        string
	Labels     map[string]string
}

// =============================================================================
// Info
// =============================================================================

// ContainerInfo is what the engine reports about a container.
type ContainerInfo struct {
	ID     string
	Name   string
	Image  string
	State  string // created, running, exited, ...
	Health string // healthy, unhealthy, starting, or "" without a healthcheck
	// ExitCode is meaningful once State is exited.
	ExitCode int
	Labels   map[string]string
	// Addresses maps engine network name to the container's IP on it.
	Addresses map[string]string
	Ports     []stack.Port
}

// Running reports whether the container is up.
func (c *ContainerInfo) Running() bool {
	return c.State == "running"
}

// NetworkInfo is what the engine reports about a network.
type NetworkInfo struct {
	ID       string
	Name     string
	Driver   string
	Internal bool
	Labels   map[string]string
}

// VolumeInfo is what the engine reports about a volume.
type VolumeInfo struct {
	Name   string
	Driver string
	Labels map[string]string
}

// PathInfo describes a path inside a container's filesystem.
type PathInfo struct {
	Path  string
	Mode  os.FileMode
	IsDir bool
}

// =============================================================================
// Engine
// =============================================================================

// Engine is everything the orchestrator needs from a container runtime.
// Lookups of absent objects return errors matching ErrNotFound.
type Engine interface {
	Ping(ctx context.Context) error
	Close() error

	// Image operations. Progress is written to out.
	PullImage(ctx context.Context, ref string, out io.Writer) error
	BuildImage(ctx context.Context, spec BuildSpec, out io.Writer) error
	ImageExists(ctx context.Context, ref string) (bool, error)

	// Network operations
	InspectNetwork(ctx context.Context, name string) (*NetworkInfo, error)
	CreateNetwork(ctx context.Context, spec NetworkSpec) error
	RemoveNetwork(ctx context.Context, name string) error

	// Volume operations
	InspectVolume(ctx context.Context, name string) (*VolumeInfo, error)
	CreateVolume(ctx context.Context, spec VolumeSpec) error
	RemoveVolume(ctx context.Context, name string) error

	// Container operations
	CreateContainer(ctx context.Context, spec ContainerSpec) (id string, err error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (*ContainerInfo, error)
	ListContainers(ctx context.Context, labels map[string]string) ([]ContainerInfo, error)
	// WaitContainer blocks until the container stops and returns its exit code.
	WaitContainer(ctx context.Context, id string) (int, error)
	// StatPath inspects path in a created (not necessarily started) container.
	StatPath(ctx context.Context, id, path string) (*PathInfo, error)
	// CopyFrom streams path out of the container as a tar archive.
	CopyFrom(ctx context.Context, id, path string) (io.ReadCloser, error)
	Logs(ctx context.Context, id string, follow bool, stdout, stderr io.Writer) error
	Exec(ctx context.Context, id string, cmd []string, stdout, stderr io.Writer) (int, error)
}
