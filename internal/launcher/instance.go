package launcher

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sarth-shah20/stasis/internal/stack"
)

// Instance is one launch of a service.
type Instance struct {
	Service       *stack.Service
	Project       string
	ContainerName string
	// Recreate replaces a running container even if its spec is unchanged.
	Recreate bool
	// Pull fetches the image even when it is already present.
	Pull bool

	networks map[string]string // stack network -> engine network
	volumes  map[string]string // stack volume -> engine volume

	mu          sync.Mutex
	image       string
	containerID string
	addresses   map[string]string // stack network -> ip
	state       State
	history     []Transition
	restarts    int
	err         error
}

func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// History returns every transition so far, oldest first.
func (i *Instance) History() []Transition {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]Transition(nil), i.history...)
}

// Reached reports whether the instance ever entered s.
func (i *Instance) Reached(s State) bool {
	for _, t := range i.History() {
		if t.To == s {
			return true
		}
	}
	return false
}

// Err is the error that moved the instance to Failed.
func (i *Instance) Err() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.err
}

func (i *Instance) Restarts() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.restarts
}

func (i *Instance) Image() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.image
}

func (i *Instance) ContainerID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.containerID
}

// Env is the resolved environment injected into the container.
func (i *Instance) Env() []string {
	return i.Service.EnvList()
}

// Networks returns the stack networks the instance is attached to.
func (i *Instance) Networks() []string {
	out := make([]string, 0, len(i.networks))
	for n := range i.networks {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// EngineNetwork maps a stack network name to its engine name.
func (i *Instance) EngineNetwork(name string) (string, bool) {
	n, ok := i.networks[name]
	return n, ok
}

// Addresses maps stack network names to the container's IP on each.
func (i *Instance) Addresses() map[string]string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make(map[string]string, len(i.addresses))
	for k, v := range i.addresses {
		out[k] = v
	}
	return out
}

func (i *Instance) transition(to State, cause error) (State, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	from := i.state
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s: %s -> %s", ErrIllegalTransition, i.Service.Name, from, to)
	}
	i.state = to
	i.history = append(i.history, Transition{From: from, To: to, At: time.Now(), Err: cause})
	if to == Failed {
		i.err = cause
	}
	return from, nil
}

func (i *Instance) setImage(image string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.image = image
}

func (i *Instance) addRestart() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.restarts++
	return i.restarts
}

// setContainer records the container and translates engine network names
// back to stack names.
func (i *Instance) setContainer(id string, engineAddrs map[string]string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.containerID = id
	i.addresses = map[string]string{}
	for stackName, engineName := range i.networks {
		if ip, ok := engineAddrs[engineName]; ok {
			i.addresses[stackName] = ip
		}
	}
}
