package stack

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"

	"github.com/sarth-shah20/stasis/internal/config"
)

// DefaultNetwork is joined by services that declare no networks.
const DefaultNetwork = "default"

const (
	keyDependsOn = "depends_on"
	keyReadiness = "x-readiness"
)

// ParseOptions locate the descriptor on disk.
type ParseOptions struct {
	// WorkingDir anchors relative build contexts and bind-mount sources.
	WorkingDir string
	// ProjectName overrides the descriptor's top-level name.
	ProjectName string
}

// Parse turns descriptor content into a validated Stack. Placeholders are
// resolved from env first; a Stack is returned only if every invariant holds.
func Parse(content []byte, env *config.EnvSource, opts ParseOptions) (*Stack, error) {
	if strings.TrimSpace(string(content)) == "" {
		return nil, ErrEmptyInput
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, newValidationError(ErrInvalidDescriptor, "", "", err.Error())
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, newValidationError(ErrInvalidDescriptor, "", "", "top level must be a mapping")
	}

	resolved, err := config.Resolve(&doc, env)
	if err != nil {
		return nil, err
	}
	root := resolved.Content[0]

	raw, err := extract(root)
	if err != nil {
		return nil, err
	}

	name := config.ProjectName(opts.ProjectName, raw.name, filepath.Base(opts.WorkingDir))

	project, err := loadProject(root, name, opts.WorkingDir)
	if err != nil {
		return nil, err
	}

	st, err := convert(project, raw, env, opts.WorkingDir)
	if err != nil {
		return nil, err
	}
	st.Name = name

	if err := Validate(st); err != nil {
		return nil, err
	}
	return st, nil
}

// =============================================================================
// Raw extraction
// =============================================================================

// rawDescriptor holds what compose-go either drops or would reject: declaration
// order, depends_on conditions and readiness declarations.
type rawDescriptor struct {
	name      string
	services  []string
	networks  []string
	volumes   []string
	deps      map[string][]Dependency
	readiness map[string]*Readiness
	// attached networks per service, in declaration order
	attached map[string][]string
}

func extract(root *yaml.Node) (*rawDescriptor, error) {
	raw := &rawDescriptor{
		deps:      map[string][]Dependency{},
		readiness: map[string]*Readiness{},
		attached:  map[string][]string{},
	}

	if n := lookup(root, "name"); n != nil {
		raw.name = n.Value
	}
	raw.networks = mappingKeys(lookup(root, "networks"))
	raw.volumes = mappingKeys(lookup(root, "volumes"))

	services := lookup(root, "services")
	if services == nil || services.Kind != yaml.MappingNode || len(services.Content) == 0 {
		return nil, ErrNoServices
	}

	for i := 0; i+1 < len(services.Content); i += 2 {
		name := services.Content[i].Value
		body := services.Content[i+1]
		raw.services = append(raw.services, name)
		if body.Kind != yaml.MappingNode {
			continue
		}

		if n := lookup(body, keyDependsOn); n != nil {
			deps, err := parseDependsOn(name, n)
			if err != nil {
				return nil, err
			}
			raw.deps[name] = deps
		}

		if n := lookup(body, "networks"); n != nil {
			if n.Kind == yaml.SequenceNode {
				for _, c := range n.Content {
					raw.attached[name] = append(raw.attached[name], c.Value)
				}
			} else {
				raw.attached[name] = mappingKeys(n)
			}
		}

		if n := lookup(body, keyReadiness); n != nil {
			var r Readiness
			if err := n.Decode(&r); err != nil {
				return nil, newValidationError(ErrInvalidReadiness, name, "", err.Error())
			}
			raw.readiness[name] = &r
		}

		// compose-go validates depends_on against its own condition set and
		// would reject service_ready; both keys are handled here instead.
		remove(body, keyDependsOn)
		remove(body, keyReadiness)
	}
	return raw, nil
}

func parseDependsOn(service string, n *yaml.Node) ([]Dependency, error) {
	var deps []Dependency
	switch n.Kind {
	case yaml.SequenceNode:
		for _, c := range n.Content {
			deps = append(deps, Dependency{Service: c.Value, Condition: ConditionStarted})
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			d := Dependency{Service: n.Content[i].Value, Condition: ConditionStarted}
			if c := lookup(n.Content[i+1], "condition"); c != nil && c.Value != "" {
				d.Condition = Condition(c.Value)
			}
			switch d.Condition {
			case ConditionStarted, ConditionHealthy, ConditionReady:
			default:
				return nil, newValidationError(ErrInvalidDescriptor, service, string(d.Condition), "unknown depends_on condition")
			}
			deps = append(deps, d)
		}
	default:
		return nil, newValidationError(ErrInvalidDescriptor, service, "", "depends_on must be a list or a mapping")
	}
	return deps, nil
}

func lookup(m *yaml.Node, key string) *yaml.Node {
	if m == nil || m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func remove(m *yaml.Node, key string) {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			m.Content = append(m.Content[:i], m.Content[i+2:]...)
			return
		}
	}
}

// declaredFirst orders names by their position in declared. Names missing
// from declared keep their relative order at the end.
func declaredFirst(names, declared []string) []string {
	if len(declared) == 0 {
		return names
	}
	out := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, d := range declared {
		if slices.Contains(names, d) && !seen[d] {
			out = append(out, d)
			seen[d] = true
		}
	}
	for _, n := range names {
		if !seen[n] {
			out = append(out, n)
		}
	}
	return out
}

func mappingKeys(m *yaml.Node) []string {
	if m == nil || m.Kind != yaml.MappingNode {
		return nil
	}
	keys := make([]string, 0, len(m.Content)/2)
	for i := 0; i+1 < len(m.Content); i += 2 {
		keys = append(keys, m.Content[i].Value)
	}
	return keys
}

// =============================================================================
// compose-go loading
// =============================================================================

func loadProject(root *yaml.Node, name, workingDir string) (*types.Project, error) {
	var dict map[string]interface{}
	if err := root.Decode(&dict); err != nil {
		return nil, newValidationError(ErrInvalidDescriptor, "", "", err.Error())
	}
	content, err := yaml.Marshal(root)
	if err != nil {
		return nil, newValidationError(ErrInvalidDescriptor, "", "", err.Error())
	}

	project, err := loader.LoadWithContext(context.Background(), types.ConfigDetails{
		WorkingDir: workingDir,
		ConfigFiles: []types.ConfigFile{
			{
				Filename: "stasis.yaml",
				Content:  content,
				Config:   dict,
			},
		},
		Environment: types.Mapping{},
	}, func(o *loader.Options) {
		o.SetProjectName(name, true)
		// placeholders were already resolved against the Environment Source
		o.SkipInterpolation = true
		o.SkipNormalization = true
		o.SkipConsistencyCheck = true
		o.SkipExtends = true
		o.ResolvePaths = false
	})
	if err != nil {
		return nil, newValidationError(ErrInvalidDescriptor, "", "", err.Error())
	}
	return project, nil
}

// =============================================================================
// Conversion
// =============================================================================

func convert(project *types.Project, raw *rawDescriptor, env *config.EnvSource, workingDir string) (*Stack, error) {
	st := &Stack{}

	usesDefault := false
	for _, name := range raw.services {
		svc, ok := project.Services[name]
		if !ok {
			return nil, newValidationError(ErrInvalidDescriptor, name, "", "service dropped by loader")
		}
		converted, err := convertService(svc, env, workingDir)
		if err != nil {
			return nil, err
		}
		converted.DependsOn = raw.deps[name]
		converted.Readiness = raw.readiness[name]
		converted.Networks = declaredFirst(converted.Networks, raw.attached[name])
		defaultReadiness(&converted)
		if len(converted.Networks) == 0 {
			converted.Networks = []string{DefaultNetwork}
			usesDefault = true
		}
		st.Services = append(st.Services, converted)
	}

	for _, name := range raw.networks {
		n := project.Networks[name]
		st.Networks = append(st.Networks, Network{
			Name:     name,
			Driver:   n.Driver,
			Internal: n.Internal,
			External: bool(n.External),
			Labels:   copyLabels(n.Labels),
		})
	}
	if _, declared := st.Network(DefaultNetwork); usesDefault && !declared {
		st.Networks = append(st.Networks, Network{Name: DefaultNetwork})
	}

	for _, name := range raw.volumes {
		v := project.Volumes[name]
		st.Volumes = append(st.Volumes, Volume{
			Name:     name,
			Driver:   v.Driver,
			External: bool(v.External),
			Labels:   copyLabels(v.Labels),
		})
	}

	return st, nil
}

func convertService(svc types.ServiceConfig, env *config.EnvSource, workingDir string) (Service, error) {
	out := Service{
		Name:   svc.Name,
		Image:  svc.Image,
		Labels: copyLabels(svc.Labels),
	}
	if len(svc.Command) > 0 {
		out.Command = []string(svc.Command)
	}
	if len(svc.Entrypoint) > 0 {
		out.Entrypoint = []string(svc.Entrypoint)
	}

	if svc.Build != nil {
		out.Build = &Build{
			Context:    absPath(workingDir, svc.Build.Context),
			Dockerfile: svc.Build.Dockerfile,
		}
		if out.Build.Dockerfile == "" {
			out.Build.Dockerfile = "Dockerfile"
		}
	}

	for _, p := range svc.Ports {
		port, err := convertPort(svc.Name, p)
		if err != nil {
			return Service{}, err
		}
		out.Ports = append(out.Ports, port)
	}

	if len(svc.Environment) > 0 {
		out.Environment = make(map[string]string, len(svc.Environment))
		for k, v := range svc.Environment {
			if v != nil {
				out.Environment[k] = *v
				continue
			}
			// "- KEY" without a value is taken from the Environment Source
			value, ok := env.Lookup(k)
			if !ok {
				return Service{}, &config.MissingKeyError{Key: k, Service: svc.Name, Field: "services." + svc.Name + ".environment"}
			}
			out.Environment[k] = value
		}
	}

	for _, v := range svc.Volumes {
		switch v.Type {
		case types.VolumeTypeBind:
			out.Mounts = append(out.Mounts, Mount{Kind: MountBind, Source: absPath(workingDir, v.Source), Target: v.Target, ReadOnly: v.ReadOnly})
		case types.VolumeTypeVolume, "":
			out.Mounts = append(out.Mounts, Mount{Kind: MountVolume, Source: v.Source, Target: v.Target, ReadOnly: v.ReadOnly})
		default:
			return Service{}, newValidationError(ErrInvalidDescriptor, svc.Name, v.Type, "unsupported mount type")
		}
	}

	for name := range svc.Networks {
		out.Networks = append(out.Networks, name)
	}
	sort.Strings(out.Networks)

	restart, err := ParseRestart(svc.Restart)
	if err != nil {
		return Service{}, newValidationError(ErrInvalidRestart, svc.Name, svc.Restart, "")
	}
	out.Restart = restart

	if hc := svc.HealthCheck; hc != nil && !hc.Disable && len(hc.Test) > 0 {
		out.HealthCheck = &HealthCheck{Test: []string(hc.Test)}
		if hc.Interval != nil {
			out.HealthCheck.Interval = time.Duration(*hc.Interval)
		}
		if hc.Timeout != nil {
			out.HealthCheck.Timeout = time.Duration(*hc.Timeout)
		}
		if hc.StartPeriod != nil {
			out.HealthCheck.StartPeriod = time.Duration(*hc.StartPeriod)
		}
		if hc.Retries != nil {
			out.HealthCheck.Retries = int(*hc.Retries)
		}
	}

	return out, nil
}

func convertPort(service string, p types.ServicePortConfig) (Port, error) {
	if p.Target == 0 || p.Target > 65535 {
		return Port{}, newValidationError(ErrInvalidPort, service, strconv.FormatUint(uint64(p.Target), 10), "container port out of range")
	}
	port := Port{
		HostIP:    p.HostIP,
		Container: uint16(p.Target),
		Protocol:  p.Protocol,
	}
	if port.Protocol == "" {
		port.Protocol = "tcp"
	}
	if p.Published != "" {
		host, err := strconv.ParseUint(p.Published, 10, 16)
		if err != nil || host == 0 {
			return Port{}, newValidationError(ErrInvalidPort, service, p.Published, "host port out of range")
		}
		port.Host = uint16(host)
	}
	return port, nil
}

var defaultProbePorts = map[ProbeKind]uint16{
	ProbePostgres: 5432,
	ProbeMySQL:    3306,
	ProbeRedis:    6379,
}

func defaultReadiness(svc *Service) {
	r := svc.Readiness
	if r == nil {
		return
	}
	if r.Kind == "" {
		r.Kind = ProbeTCP
	}
	if r.Port == 0 {
		if p, ok := defaultProbePorts[r.Kind]; ok {
			r.Port = p
		} else if len(svc.Ports) > 0 {
			r.Port = svc.Ports[0].Container
		}
	}
	if r.Interval == 0 {
		r.Interval = time.Second
	}
	if r.Kind == ProbeHTTP && r.Path == "" {
		r.Path = "/"
	}
}

// ParseRestart accepts no, always, unless-stopped, on-failure and on-failure:N.
func ParseRestart(s string) (RestartPolicy, error) {
	mode, count, hasCount := strings.Cut(s, ":")
	switch RestartMode(mode) {
	case "", RestartNo:
		if hasCount {
			break
		}
		return RestartPolicy{Mode: RestartNo}, nil
	case RestartAlways, RestartUnlessStopped:
		if hasCount {
			break
		}
		return RestartPolicy{Mode: RestartMode(mode)}, nil
	case RestartOnFailure:
		p := RestartPolicy{Mode: RestartOnFailure}
		if hasCount {
			n, err := strconv.Atoi(count)
			if err != nil || n < 0 {
				break
			}
			p.MaxRetries = n
		}
		return p, nil
	}
	return RestartPolicy{}, fmt.Errorf("%w: %q", ErrInvalidRestart, s)
}

func absPath(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func copyLabels(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
