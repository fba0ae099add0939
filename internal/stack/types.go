// Package stack holds the validated, in-memory model of a stasis.yaml
// descriptor: services, networks, volumes and their relationships.
package stack

import (
	"fmt"
	"sort"
	"time"
)

// Stack is the full set of declared resources for one deployment. Services,
// Networks and Volumes keep their declaration order.
type Stack struct {
	Name     string
	Services []Service
	Networks []Network
	Volumes  []Volume
}

// Service is one deployable unit.
type Service struct {
	Name        string
	Image       string
	Build       *Build
	Command     []string
	Entrypoint  []string
	Ports       []Port
	Environment map[string]string
	Mounts      []Mount
	Networks    []string
	DependsOn   []Dependency
	Restart     RestartPolicy
	Readiness   *Readiness
	HealthCheck *HealthCheck
	Labels      map[string]string
}

// Build is a build source: a context directory holding a build recipe.
type Build struct {
	Context    string
	Dockerfile string
}

// Port maps a host port onto a container port. Host 0 means "not published".
type Port struct {
	HostIP    string
	Host      uint16
	Container uint16
	Protocol  string
}

func (p Port) String() string {
	s := fmt.Sprintf("%d/%s", p.Container, p.Protocol)
	if p.Host != 0 {
		s = fmt.Sprintf("%d:%s", p.Host, s)
		if p.HostIP != "" {
			s = p.HostIP + ":" + s
		}
	}
	return s
}

// MountKind says whether a mount's source is a named volume or a host path.
type MountKind string

const (
	MountVolume MountKind = "volume"
	MountBind   MountKind = "bind"
)

// Mount attaches a named volume or host path at Target.
type Mount struct {
	Kind     MountKind
	Source   string
	Target   string
	ReadOnly bool
}

// RestartMode is one of the four policies a service can declare.
type RestartMode string

const (
	RestartNo            RestartMode = "no"
	RestartAlways        RestartMode = "always"
	RestartUnlessStopped RestartMode = "unless-stopped"
	RestartOnFailure     RestartMode = "on-failure"
)

// RestartPolicy pairs a mode with the on-failure retry ceiling (0 means the
// orchestrator default).
type RestartPolicy struct {
	Mode       RestartMode
	MaxRetries int
}

func (r RestartPolicy) String() string {
	if r.Mode == RestartOnFailure && r.MaxRetries > 0 {
		return fmt.Sprintf("%s:%d", r.Mode, r.MaxRetries)
	}
	return string(r.Mode)
}

// Condition is the state a dependency must reach before a dependent starts.
type Condition string

const (
	ConditionStarted Condition = "service_started"
	ConditionHealthy Condition = "service_healthy"
	ConditionReady   Condition = "service_ready"
)

// Dependency is one depends_on edge.
type Dependency struct {
	Service   string
	Condition Condition
}

// ProbeKind selects the protocol used to decide "accepting connections".
type ProbeKind string

const (
	ProbeTCP      ProbeKind = "tcp"
	ProbePostgres ProbeKind = "postgres"
	ProbeMySQL    ProbeKind = "mysql"
	ProbeRedis    ProbeKind = "redis"
	ProbeHTTP     ProbeKind = "http"
)

// Readiness declares how a service reports readiness beyond "process started".
type Readiness struct {
	Kind     ProbeKind     `yaml:"kind"`
	Port     uint16        `yaml:"port"`
	Path     string        `yaml:"path,omitempty"`
	Interval time.Duration `yaml:"interval,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
}

// HealthCheck is passed through to the engine.
type HealthCheck struct {
	Test        []string
	Interval    time.Duration
	Timeout     time.Duration
	Retries     int
	StartPeriod time.Duration
}

// Network is a name-resolution and reachability boundary.
type Network struct {
	Name     string
	Driver   string
	Internal bool
	External bool
	Labels   map[string]string
}

// Volume is persistent storage that outlives any service instance.
type Volume struct {
	Name     string
	Driver   string
	External bool
	Labels   map[string]string
}

// Service returns the named service.
func (s *Stack) Service(name string) (*Service, bool) {
	for i := range s.Services {
		if s.Services[i].Name == name {
			return &s.Services[i], true
		}
	}
	return nil, false
}

// ServiceNames returns service names in declaration order.
func (s *Stack) ServiceNames() []string {
	names := make([]string, len(s.Services))
	for i, svc := range s.Services {
		names[i] = svc.Name
	}
	return names
}

// Network returns the named network.
func (s *Stack) Network(name string) (*Network, bool) {
	for i := range s.Networks {
		if s.Networks[i].Name == name {
			return &s.Networks[i], true
		}
	}
	return nil, false
}

// Volume returns the named volume.
func (s *Stack) Volume(name string) (*Volume, bool) {
	for i := range s.Volumes {
		if s.Volumes[i].Name == name {
			return &s.Volumes[i], true
		}
	}
	return nil, false
}

// NamedVolumes lists the named volumes the service mounts.
func (svc *Service) NamedVolumes() []string {
	var names []string
	for _, m := range svc.Mounts {
		if m.Kind == MountVolume && m.Source != "" {
			names = append(names, m.Source)
		}
	}
	return names
}

// HostPorts lists the published host ports as "port/protocol".
func (svc *Service) HostPorts() []string {
	var ports []string
	for _, p := range svc.Ports {
		if p.Host != 0 {
			ports = append(ports, fmt.Sprintf("%d/%s", p.Host, p.Protocol))
		}
	}
	return ports
}

// Dependencies returns the names of services svc depends on.
func (svc *Service) Dependencies() []string {
	names := make([]string, len(svc.DependsOn))
	for i, d := range svc.DependsOn {
		names[i] = d.Service
	}
	return names
}

// EnvList renders the environment as sorted KEY=VALUE pairs.
func (svc *Service) EnvList() []string {
	keys := make([]string, 0, len(svc.Environment))
	for k := range svc.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, len(keys))
	for i, k := range keys {
		env[i] = k + "=" + svc.Environment[k]
	}
	return env
}

// UsesBuild reports whether the image comes from a build source.
func (svc *Service) UsesBuild() bool {
	return svc.Build != nil
}
