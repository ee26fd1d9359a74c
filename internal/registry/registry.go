package registry

import (
	"fmt"
	"sort"
)

// ServiceSpec describes one managed service as configured.
// Port 0 means the service does not bind a TCP port (e.g. a watchdog).
type ServiceSpec struct {
	Name         string `json:"name" mapstructure:"name"`
	Port         int    `json:"port" mapstructure:"port"`
	StartupOrder int    `json:"startup_order" mapstructure:"startup_order"`
}

// HasPort reports whether the service is expected to bind a TCP port.
func (s ServiceSpec) HasPort() bool { return s.Port > 0 }

// Registry is the canonical list of (service, port) pairs.
// It is immutable after construction; liveness queries always hit the OS.
type Registry struct {
	services []ServiceSpec
	byName   map[string]ServiceSpec
}

// New validates and orders the given specs into a Registry.
// Services are ordered by StartupOrder ascending; ties break by name so
// the restart order is deterministic.
func New(specs []ServiceSpec) (*Registry, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("registry requires at least one service")
	}
	byName := make(map[string]ServiceSpec, len(specs))
	byPort := make(map[int]string, len(specs))
	for _, s := range specs {
		if s.Name == "" {
			return nil, fmt.Errorf("service requires name")
		}
		if _, dup := byName[s.Name]; dup {
			return nil, fmt.Errorf("duplicate service name %q", s.Name)
		}
		if s.Port < 0 || s.Port > 65535 {
			return nil, fmt.Errorf("service %s: invalid port %d", s.Name, s.Port)
		}
		if s.Port > 0 {
			if other, dup := byPort[s.Port]; dup {
				return nil, fmt.Errorf("service %s: port %d already registered by %s", s.Name, s.Port, other)
			}
			byPort[s.Port] = s.Name
		}
		byName[s.Name] = s
	}
	ordered := append([]ServiceSpec(nil), specs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].StartupOrder != ordered[j].StartupOrder {
			return ordered[i].StartupOrder < ordered[j].StartupOrder
		}
		return ordered[i].Name < ordered[j].Name
	})
	return &Registry{services: ordered, byName: byName}, nil
}

// Services returns the specs in startup order.
func (r *Registry) Services() []ServiceSpec {
	return append([]ServiceSpec(nil), r.services...)
}

// Ports returns every registered listening port in startup order.
func (r *Registry) Ports() []int {
	ports := make([]int, 0, len(r.services))
	for _, s := range r.services {
		if s.HasPort() {
			ports = append(ports, s.Port)
		}
	}
	return ports
}

// Lookup returns the spec for name.
func (r *Registry) Lookup(name string) (ServiceSpec, bool) {
	s, ok := r.byName[name]
	return s, ok
}

// Len returns the number of registered services.
func (r *Registry) Len() int { return len(r.services) }
