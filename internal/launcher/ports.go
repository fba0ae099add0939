package launcher

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/sarth-shah20/stasis/internal/stack"
)

// PortRegistry hands out host ports. Claims are all-or-nothing and guarded
// by a mutex so two services cannot race for one port; the probe catches
// listeners outside the stack.
type PortRegistry struct {
	mu     sync.Mutex
	owners map[string]string // "port/proto" -> service

	// Probe checks that nothing outside the registry holds p.
	Probe func(p stack.Port) error
}

func NewPortRegistry() *PortRegistry {
	return &PortRegistry{owners: map[string]string{}, Probe: listenProbe}
}

// Claim reserves every published port of service, or none of them.
func (r *PortRegistry) Claim(service string, ports []stack.Port) error {
	return r.claim(service, ports, true)
}

func (r *PortRegistry) claim(service string, ports []stack.Port, probe bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var fresh []string
	for _, p := range ports {
		if p.Host == 0 {
			continue
		}
		key := portKey(p)
		if owner, ok := r.owners[key]; ok {
			if owner == service {
				continue
			}
			r.rollback(fresh)
			return &PortError{Service: service, Port: key, Holder: fmt.Sprintf("service %q", owner)}
		}
		if probe && r.Probe != nil {
			if err := r.Probe(p); err != nil {
				r.rollback(fresh)
				return &PortError{Service: service, Port: key, Holder: "a process outside the stack"}
			}
		}
		r.owners[key] = service
		fresh = append(fresh, key)
	}
	return nil
}

func (r *PortRegistry) rollback(keys []string) {
	for _, k := range keys {
		delete(r.owners, k)
	}
}

// Release frees every port held by service.
func (r *PortRegistry) Release(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k, owner := range r.owners {
		if owner == service {
			delete(r.owners, k)
		}
	}
}

// Owner returns the service holding "port/proto".
func (r *PortRegistry) Owner(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[key]
	return owner, ok
}

func portKey(p stack.Port) string {
	proto := p.Protocol
	if proto == "" {
		proto = "tcp"
	}
	return fmt.Sprintf("%d/%s", p.Host, proto)
}

func listenProbe(p stack.Port) error {
	addr := net.JoinHostPort(p.HostIP, strconv.Itoa(int(p.Host)))
	if p.Protocol == "udp" {
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}

// Adopt records ports already bound by the service's own running container.
// Only other services' claims are checked.
func (r *PortRegistry) Adopt(service string, ports []stack.Port) error {
	return r.claim(service, ports, false)
}
