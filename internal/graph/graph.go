// Package graph derives launch and teardown order from depends_on edges.
package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sarth-shah20/stasis/internal/stack"
)

var (
	ErrUnresolvable   = errors.New("dependency graph cannot be resolved")
	ErrUnknownService = errors.New("unknown service")
)

// UnresolvableError names the services that never became ready to place.
type UnresolvableError struct {
	Stuck []string
}

func (e *UnresolvableError) Error() string {
	return fmt.Sprintf("%s: stuck services %s", ErrUnresolvable, strings.Join(e.Stuck, ", "))
}

func (e *UnresolvableError) Unwrap() error {
	return ErrUnresolvable
}

// Levels groups services into launch waves using Kahn's algorithm. Every
// service lands in a later wave than all of its dependencies and each wave
// keeps declaration order.
//
// The stack is expected to be acyclic already; the loop is still bounded by
// the number of services so a cycle surfaces as ErrUnresolvable.
func Levels(st *stack.Stack) ([][]string, error) {
	placed := make(map[string]bool, len(st.Services))
	var levels [][]string

	for round := 0; round <= len(st.Services) && len(placed) < len(st.Services); round++ {
		var wave []string
		for _, svc := range st.Services {
			if placed[svc.Name] || !ready(svc, placed) {
				continue
			}
			wave = append(wave, svc.Name)
		}
		if len(wave) == 0 {
			break
		}
		for _, name := range wave {
			placed[name] = true
		}
		levels = append(levels, wave)
	}

	if len(placed) < len(st.Services) {
		var stuck []string
		for _, svc := range st.Services {
			if !placed[svc.Name] {
				stuck = append(stuck, svc.Name)
			}
		}
		return nil, &UnresolvableError{Stuck: stuck}
	}
	return levels, nil
}

func ready(svc stack.Service, placed map[string]bool) bool {
	for _, dep := range svc.DependsOn {
		if !placed[dep.Service] {
			return false
		}
	}
	return true
}

// Order flattens Levels into a single launch order.
func Order(st *stack.Stack) ([]string, error) {
	levels, err := Levels(st)
	if err != nil {
		return nil, err
	}
	order := make([]string, 0, len(st.Services))
	for _, wave := range levels {
		order = append(order, wave...)
	}
	return order, nil
}

// Reverse returns order back to front, which is teardown order.
func Reverse(order []string) []string {
	out := make([]string, len(order))
	for i, name := range order {
		out[len(order)-1-i] = name
	}
	return out
}

// Dependents maps every service to the services that directly depend on it,
// in declaration order.
func Dependents(st *stack.Stack) map[string][]string {
	out := make(map[string][]string, len(st.Services))
	for _, svc := range st.Services {
		for _, dep := range svc.DependsOn {
			out[dep.Service] = append(out[dep.Service], svc.Name)
		}
	}
	return out
}

// Closure returns the named services plus everything they transitively depend
// on, in declaration order. An empty selection means the whole stack.
func Closure(st *stack.Stack, names []string) ([]string, error) {
	if len(names) == 0 {
		return st.ServiceNames(), nil
	}

	want := map[string]bool{}
	var visit func(name string) error
	visit = func(name string) error {
		if want[name] {
			return nil
		}
		svc, ok := st.Service(name)
		if !ok {
			return fmt.Errorf("%w %q", ErrUnknownService, name)
		}
		want[name] = true
		for _, dep := range svc.Dependencies() {
			if err := visit(dep); err != nil {
				return err
			}
		}
		return nil
	}
	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}

	var out []string
	for _, svc := range st.Services {
		if want[svc.Name] {
			out = append(out, svc.Name)
		}
	}
	return out, nil
}

// Subset returns a copy of st restricted to the named services. Pass a Closure
// so that every dependency stays inside the subset.
func Subset(st *stack.Stack, names []string) *stack.Stack {
	keep := make(map[string]bool, len(names))
	for _, n := range names {
		keep[n] = true
	}
	out := &stack.Stack{Name: st.Name, Networks: st.Networks, Volumes: st.Volumes}
	for _, svc := range st.Services {
		if keep[svc.Name] {
			out.Services = append(out.Services, svc)
		}
	}
	return out
}
