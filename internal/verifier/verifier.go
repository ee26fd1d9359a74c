// Package verifier cross-checks the supervisor's view of each service
// against the OS socket table. The two sources can disagree (a process can
// be running but not yet listening, or a stray can hold a port the
// supervisor knows nothing about), which is exactly what the report makes
// visible.
package verifier

import (
	"context"

	"github.com/loykin/restartctl/internal/registry"
	"github.com/loykin/restartctl/internal/supervisor"
)

// PortQuerier answers port ownership queries (the port registry).
type PortQuerier interface {
	QueryPort(port int) (registry.PortState, error)
}

// StatusSource reports per-service states from the supervisor daemon.
type StatusSource interface {
	States(ctx context.Context) (map[string]supervisor.ServiceState, error)
}

// ServiceCheck is the verdict for one configured service. Every configured
// service appears in the report exactly once; an operator during an
// incident needs the complete picture even when some checks fail.
type ServiceCheck struct {
	Name            string                  `json:"name"`
	Port            int                     `json:"port,omitempty"`
	SupervisorState supervisor.ServiceState `json:"supervisor_state"`
	Bound           bool                    `json:"bound"`
	OwningPIDs      []int32                 `json:"owning_pids,omitempty"`
	CheckErr        string                  `json:"check_error,omitempty"`
	OK              bool                    `json:"ok"`
}

// Report is the result of one verification pass.
type Report struct {
	AllOK    bool           `json:"all_ok"`
	Services []ServiceCheck `json:"services"`
}

// Verify performs a single read-only pass over all services. It contains
// no retry logic; retries belong to the caller, which may run Verify again
// after a delay.
func Verify(ctx context.Context, services []registry.ServiceSpec, ports PortQuerier, status StatusSource) Report {
	states, statesErr := status.States(ctx)
	rep := Report{AllOK: true}
	for _, svc := range services {
		check := ServiceCheck{Name: svc.Name, Port: svc.Port, SupervisorState: supervisor.StateUnknown}
		if statesErr != nil {
			check.CheckErr = statesErr.Error()
		} else if st, ok := states[svc.Name]; ok {
			check.SupervisorState = st
		}
		if svc.HasPort() {
			st, err := ports.QueryPort(svc.Port)
			if err != nil {
				if check.CheckErr == "" {
					check.CheckErr = err.Error()
				}
			} else {
				check.Bound = st.Bound
				check.OwningPIDs = st.OwningPIDs
			}
		}
		check.OK = check.CheckErr == "" &&
			check.SupervisorState.Running() &&
			(!svc.HasPort() || check.Bound)
		if !check.OK {
			rep.AllOK = false
		}
		rep.Services = append(rep.Services, check)
	}
	return rep
}
