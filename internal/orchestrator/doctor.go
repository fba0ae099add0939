package orchestrator

import (
	"errors"
	"sort"

	"github.com/sarth-shah20/stasis/internal/config"
	"github.com/sarth-shah20/stasis/internal/discovery"
	"github.com/sarth-shah20/stasis/internal/stack"
)

// Finding is a connection string that will not resolve where it is used.
type Finding struct {
	// Context is "host" or the service whose environment holds the value.
	Context string
	Key     string
	Value   string
	Err     error
}

// Doctor checks every connection string in the stack's service
// environments from that service's networks, and every connection string
// in env from the host. Host-side tools reading .env are the usual
// offenders: a service name there never resolves.
func Doctor(st *stack.Stack, env *config.EnvSource) []Finding {
	registry := discovery.NewRegistry(st)
	var findings []Finding

	for i := range st.Services {
		svc := &st.Services[i]
		for _, key := range sortedKeys(svc.Environment) {
			value := svc.Environment[key]
			if !discovery.LooksLikeConnectionString(value) {
				continue
			}
			if _, err := registry.CheckURL(discovery.FromService(svc.Name), value); err != nil {
				findings = append(findings, Finding{Context: svc.Name, Key: key, Value: value, Err: err})
			}
		}
	}

	if env != nil {
		for _, key := range env.Keys() {
			value, _ := env.Lookup(key)
			if !discovery.LooksLikeConnectionString(value) {
				continue
			}
			_, err := registry.CheckURL(discovery.FromHost(), value)
			if errors.Is(err, discovery.ErrHostUnresolvable) {
				findings = append(findings, Finding{Context: "host", Key: key, Value: value, Err: err})
			}
		}
	}
	return findings
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
