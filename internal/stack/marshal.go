package stack

import (
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Marshal renders st back into descriptor form. Placeholders have already
// been resolved, so every literal "$" is escaped and Parse(Marshal(st))
// describes the same Stack.
func Marshal(st *Stack) ([]byte, error) {
	root := mapping()
	if st.Name != "" {
		put(root, "name", str(st.Name))
	}

	services := mapping()
	for i := range st.Services {
		put(services, st.Services[i].Name, marshalService(&st.Services[i]))
	}
	put(root, "services", services)

	if len(st.Networks) > 0 {
		networks := mapping()
		for _, n := range st.Networks {
			body := mapping()
			if n.Driver != "" {
				put(body, "driver", str(n.Driver))
			}
			if n.Internal {
				put(body, "internal", boolean(true))
			}
			if n.External {
				put(body, "external", boolean(true))
			}
			putLabels(body, n.Labels)
			put(networks, n.Name, body)
		}
		put(root, "networks", networks)
	}

	if len(st.Volumes) > 0 {
		volumes := mapping()
		for _, v := range st.Volumes {
			body := mapping()
			if v.Driver != "" {
				put(body, "driver", str(v.Driver))
			}
			if v.External {
				put(body, "external", boolean(true))
			}
			putLabels(body, v.Labels)
			put(volumes, v.Name, body)
		}
		put(root, "volumes", volumes)
	}

	return yaml.Marshal(root)
}

func marshalService(svc *Service) *yaml.Node {
	body := mapping()

	if svc.Image != "" {
		put(body, "image", str(svc.Image))
	}
	if b := svc.Build; b != nil {
		build := mapping()
		put(build, "context", str(b.Context))
		put(build, "dockerfile", str(b.Dockerfile))
		put(body, "build", build)
	}
	if len(svc.Entrypoint) > 0 {
		put(body, "entrypoint", strList(svc.Entrypoint))
	}
	if len(svc.Command) > 0 {
		put(body, "command", strList(svc.Command))
	}

	if len(svc.Ports) > 0 {
		ports := sequence()
		for _, p := range svc.Ports {
			ports.Content = append(ports.Content, str(p.String()))
		}
		put(body, "ports", ports)
	}

	if len(svc.Environment) > 0 {
		env := mapping()
		keys := make([]string, 0, len(svc.Environment))
		for k := range svc.Environment {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			put(env, k, str(svc.Environment[k]))
		}
		put(body, "environment", env)
	}

	if len(svc.Mounts) > 0 {
		mounts := sequence()
		for _, m := range svc.Mounts {
			mount := mapping()
			put(mount, "type", str(string(m.Kind)))
			if m.Source != "" {
				put(mount, "source", str(m.Source))
			}
			put(mount, "target", str(m.Target))
			if m.ReadOnly {
				put(mount, "read_only", boolean(true))
			}
			mounts.Content = append(mounts.Content, mount)
		}
		put(body, "volumes", mounts)
	}

	if len(svc.Networks) > 0 {
		put(body, "networks", strList(svc.Networks))
	}

	if len(svc.DependsOn) > 0 {
		deps := mapping()
		for _, d := range svc.DependsOn {
			cond := mapping()
			put(cond, "condition", str(string(d.Condition)))
			put(deps, d.Service, cond)
		}
		put(body, keyDependsOn, deps)
	}

	put(body, "restart", str(svc.Restart.String()))

	if hc := svc.HealthCheck; hc != nil {
		check := mapping()
		put(check, "test", strList(hc.Test))
		if hc.Interval > 0 {
			put(check, "interval", str(hc.Interval.String()))
		}
		if hc.Timeout > 0 {
			put(check, "timeout", str(hc.Timeout.String()))
		}
		if hc.StartPeriod > 0 {
			put(check, "start_period", str(hc.StartPeriod.String()))
		}
		if hc.Retries > 0 {
			put(check, "retries", integer(hc.Retries))
		}
		put(body, "healthcheck", check)
	}

	if r := svc.Readiness; r != nil {
		probe := mapping()
		put(probe, "kind", str(string(r.Kind)))
		put(probe, "port", integer(int(r.Port)))
		if r.Path != "" {
			put(probe, "path", str(r.Path))
		}
		if r.Interval > 0 {
			put(probe, "interval", str(r.Interval.String()))
		}
		if r.Timeout > 0 {
			put(probe, "timeout", str(r.Timeout.String()))
		}
		put(body, keyReadiness, probe)
	}

	putLabels(body, svc.Labels)
	return body
}

func putLabels(body *yaml.Node, labels map[string]string) {
	if len(labels) == 0 {
		return
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	m := mapping()
	for _, k := range keys {
		put(m, k, str(labels[k]))
	}
	put(body, "labels", m)
}

// =============================================================================
// Node helpers
// =============================================================================

func mapping() *yaml.Node  { return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"} }
func sequence() *yaml.Node { return &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"} }

func put(m *yaml.Node, key string, value *yaml.Node) {
	m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, value)
}

// str escapes "$" so the resolver does not see a placeholder on re-parse.
func str(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: strings.ReplaceAll(s, "$", "$$")}
}

func strList(values []string) *yaml.Node {
	seq := sequence()
	for _, v := range values {
		seq.Content = append(seq.Content, str(v))
	}
	return seq
}

func integer(n int) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.Itoa(n)}
}

func boolean(b bool) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(b)}
}
