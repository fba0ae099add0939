// Package discovery scopes service-name resolution to shared networks and
// decides when a dependency is ready.
package discovery

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/go-sql-driver/mysql"

	"github.com/sarth-shah20/stasis/internal/stack"
)

// Caller is the execution context a name is resolved from.
type Caller struct {
	service string
}

// FromHost is a process on the host machine, outside every stack network.
func FromHost() Caller { return Caller{} }

// FromService is a process running inside the named service's container.
func FromService(name string) Caller { return Caller{service: name} }

// Service returns the calling service, or "" for the host.
func (c Caller) Service() string { return c.service }

func (c Caller) String() string {
	if c.service == "" {
		return "the host"
	}
	return fmt.Sprintf("service %q", c.service)
}

// Address is the outcome of a resolution.
type Address struct {
	Host    string
	Port    string
	Service string // target service, empty for names outside the stack
	Network string // shared network the name resolved on
	IP      string // container IP on Network, once the target runs
}

// External reports a name that is not a stack service and is therefore left
// to ordinary DNS.
func (a Address) External() bool {
	return a.Service == ""
}

// Registry knows which service sits on which network and, once running, at
// which address.
type Registry struct {
	mu    sync.RWMutex
	stack *stack.Stack
	addrs map[string]map[string]string // service -> network -> ip
}

// NewRegistry returns a registry for st with no running services.
func NewRegistry(st *stack.Stack) *Registry {
	return &Registry{stack: st, addrs: map[string]map[string]string{}}
}

// Register records a running service's per-network addresses, keyed by
// stack network name.
func (r *Registry) Register(service string, addrs map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := make(map[string]string, len(addrs))
	for k, v := range addrs {
		cp[k] = v
	}
	r.addrs[service] = cp
}

// Unregister forgets a stopped service.
func (r *Registry) Unregister(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.addrs, service)
}

// Addresses returns the registered addresses of service.
func (r *Registry) Addresses(service string) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cp := make(map[string]string, len(r.addrs[service]))
	for k, v := range r.addrs[service] {
		cp[k] = v
	}
	return cp
}

// Resolve resolves host the way the caller's context would. A stack service
// name only resolves for a caller sharing one of its networks; the host is
// never on any of them. There is no fallback to a host-level address.
func (r *Registry) Resolve(caller Caller, host string) (Address, error) {
	target, ok := r.stack.Service(host)
	if !ok {
		return Address{Host: host}, nil
	}

	if caller.service == "" {
		return Address{}, &UnresolvableError{
			Caller:   caller.String(),
			Host:     host,
			Networks: target.Networks,
			Hint:     hostHint(target),
		}
	}

	from, ok := r.stack.Service(caller.service)
	if !ok {
		return Address{}, &UnresolvableError{Caller: caller.String(), Host: host, Hint: "calling service is not part of the stack"}
	}

	network, shared := sharedNetwork(from, target)
	if !shared {
		return Address{}, &UnresolvableError{
			Caller:   caller.String(),
			Host:     host,
			Networks: target.Networks,
			Hint:     fmt.Sprintf("attach %q to one of these networks", caller.service),
		}
	}

	addr := Address{Host: host, Service: target.Name, Network: network}
	r.mu.RLock()
	addr.IP = r.addrs[target.Name][network]
	r.mu.RUnlock()
	return addr, nil
}

func sharedNetwork(a, b *stack.Service) (string, bool) {
	if a.Name == b.Name && len(a.Networks) > 0 {
		return a.Networks[0], true
	}
	for _, n := range a.Networks {
		for _, m := range b.Networks {
			if n == m {
				return n, true
			}
		}
	}
	return "", false
}

func hostHint(target *stack.Service) string {
	hint := "run the client inside the network with `stasis run` or `stasis exec`"
	if ports := target.HostPorts(); len(ports) > 0 {
		port, _, _ := strings.Cut(ports[0], "/")
		hint += fmt.Sprintf(", or use localhost:%s from the host", port)
	}
	return hint
}

// CheckURL applies Resolve to the host of a connection string. URLs
// (postgres://, mysql://, redis://, http://), MySQL DSNs and libpq
// key=value strings are understood.
func (r *Registry) CheckURL(caller Caller, raw string) (Address, error) {
	host, port, err := ParseConnectionString(raw)
	if err != nil {
		return Address{}, err
	}
	addr, err := r.Resolve(caller, host)
	addr.Port = port
	return addr, err
}

// LooksLikeConnectionString reports whether v is worth checking with CheckURL.
func LooksLikeConnectionString(v string) bool {
	_, _, err := ParseConnectionString(v)
	return err == nil
}

// ParseConnectionString extracts host and port from a connection string.
func ParseConnectionString(raw string) (host, port string, err error) {
	raw = strings.TrimSpace(raw)

	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil || u.Hostname() == "" {
			return "", "", fmt.Errorf("%w: %q", ErrInvalidURL, raw)
		}
		return u.Hostname(), u.Port(), nil
	}

	if strings.Contains(raw, "@tcp(") || strings.Contains(raw, "@unix(") {
		cfg, err := mysql.ParseDSN(raw)
		if err != nil || cfg.Net != "tcp" {
			return "", "", fmt.Errorf("%w: %q", ErrInvalidURL, raw)
		}
		h, p, err := net.SplitHostPort(cfg.Addr)
		if err != nil {
			return cfg.Addr, "", nil
		}
		return h, p, nil
	}

	if strings.Contains(raw, "host=") {
		for _, field := range strings.Fields(raw) {
			k, v, _ := strings.Cut(field, "=")
			switch k {
			case "host":
				host = strings.Trim(v, "'")
			case "port":
				port = strings.Trim(v, "'")
			}
		}
		if host != "" {
			if _, err := strconv.Atoi(port); port != "" && err != nil {
				return "", "", fmt.Errorf("%w: %q", ErrInvalidURL, raw)
			}
			return host, port, nil
		}
	}

	return "", "", fmt.Errorf("%w: %q", ErrInvalidURL, raw)
}
