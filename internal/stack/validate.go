package stack

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// Validate checks every stack invariant and returns all violations joined.
// Checks run in declaration order so the error text is stable.
func Validate(st *Stack) error {
	if len(st.Services) == 0 {
		return ErrNoServices
	}

	var errs []error
	seen := make(map[string]bool, len(st.Services))
	for i := range st.Services {
		svc := &st.Services[i]
		if seen[svc.Name] {
			errs = append(errs, newValidationError(ErrInvalidDescriptor, svc.Name, "", "service declared twice"))
		}
		seen[svc.Name] = true
		errs = append(errs, validateService(st, svc)...)
	}

	errs = append(errs, validateHostPorts(st)...)

	// cycles are only meaningful once every edge points somewhere real
	if len(errs) == 0 {
		if err := detectCycle(st); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func validateService(st *Stack, svc *Service) []error {
	var errs []error

	switch {
	case svc.Image != "" && svc.Build != nil:
		errs = append(errs, newValidationError(ErrImageAndBuild, svc.Name, "", ""))
	case svc.Image == "" && svc.Build == nil:
		errs = append(errs, newValidationError(ErrNoImageOrBuild, svc.Name, "", ""))
	case svc.Build != nil:
		if err := checkBuildContext(svc); err != nil {
			errs = append(errs, err)
		}
	}

	switch svc.Restart.Mode {
	case RestartNo, RestartAlways, RestartUnlessStopped, RestartOnFailure:
	default:
		errs = append(errs, newValidationError(ErrInvalidRestart, svc.Name, string(svc.Restart.Mode), ""))
	}

	for _, n := range svc.Networks {
		if _, ok := st.Network(n); !ok {
			errs = append(errs, newValidationError(ErrDanglingNetwork, svc.Name, n, ""))
		}
	}

	for _, v := range svc.NamedVolumes() {
		if _, ok := st.Volume(v); !ok {
			errs = append(errs, newValidationError(ErrDanglingVolume, svc.Name, v, ""))
		}
	}

	for _, m := range svc.Mounts {
		if !strings.HasPrefix(m.Target, "/") {
			errs = append(errs, newValidationError(ErrInvalidDescriptor, svc.Name, m.Target, "mount target must be an absolute path"))
		}
	}

	for _, d := range svc.DependsOn {
		dep, ok := st.Service(d.Service)
		if !ok {
			errs = append(errs, newValidationError(ErrDanglingDependency, svc.Name, d.Service, ""))
			continue
		}
		switch d.Condition {
		case ConditionHealthy:
			if dep.HealthCheck == nil {
				errs = append(errs, newValidationError(ErrInvalidReadiness, svc.Name, d.Service, "service_healthy requires a healthcheck on the dependency"))
			}
		case ConditionReady:
			if dep.Readiness == nil {
				errs = append(errs, newValidationError(ErrInvalidReadiness, svc.Name, d.Service, "service_ready requires x-readiness on the dependency"))
			}
		}
	}

	if r := svc.Readiness; r != nil {
		switch r.Kind {
		case ProbeTCP, ProbePostgres, ProbeMySQL, ProbeRedis, ProbeHTTP:
		default:
			errs = append(errs, newValidationError(ErrInvalidReadiness, svc.Name, string(r.Kind), "unknown probe kind"))
		}
		if r.Port == 0 {
			errs = append(errs, newValidationError(ErrInvalidReadiness, svc.Name, "", "probe port is required"))
		}
	}

	return errs
}

func checkBuildContext(svc *Service) error {
	dir := svc.Build.Context
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return newValidationError(ErrMissingBuildContext, svc.Name, dir, "")
	}
	f, err := os.Open(dir)
	if err != nil {
		return newValidationError(ErrMissingBuildContext, svc.Name, dir, err.Error())
	}
	f.Close()

	recipe := svc.Build.Dockerfile
	if !filepath.IsAbs(recipe) {
		recipe = filepath.Join(dir, recipe)
	}
	if info, err := os.Stat(recipe); err != nil || info.IsDir() {
		return newValidationError(ErrMissingBuildRecipe, svc.Name, recipe, "")
	}
	return nil
}

func validateHostPorts(st *Stack) []error {
	owners := map[string]string{}

	var errs []error
	for _, svc := range st.Services {
		for _, key := range svc.HostPorts() {
			if prev, taken := owners[key]; taken {
				errs = append(errs, &ValidationError{
					Err:      ErrDuplicateHostPort,
					Service:  svc.Name,
					Services: []string{prev, svc.Name},
					Ref:      key,
				})
				continue
			}
			owners[key] = svc.Name
		}
	}
	return errs
}

// detectCycle walks depends_on edges depth-first in declaration order and
// reports the first cycle found as a path, e.g. a -> b -> a.
func detectCycle(st *Stack) error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(st.Services))
	var stack []string

	var visit func(name string) []string
	visit = func(name string) []string {
		state[name] = visiting
		stack = append(stack, name)

		svc, _ := st.Service(name)
		for _, dep := range svc.Dependencies() {
			switch state[dep] {
			case visiting:
				for i, n := range stack {
					if n == dep {
						return append(append([]string(nil), stack[i:]...), dep)
					}
				}
			case unvisited:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[name] = done
		return nil
	}

	for _, svc := range st.Services {
		if state[svc.Name] != unvisited {
			continue
		}
		if cycle := visit(svc.Name); cycle != nil {
			return &ValidationError{
				Err:      ErrCycle,
				Services: cycle[:len(cycle)-1],
				Message:  strings.Join(cycle, " -> "),
			}
		}
	}
	return nil
}
