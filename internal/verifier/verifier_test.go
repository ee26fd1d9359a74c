package verifier

import (
	"context"
	"errors"
	"testing"

	"github.com/loykin/restartctl/internal/registry"
	"github.com/loykin/restartctl/internal/supervisor"
)

type fakePorts struct {
	bound map[int]bool
	err   error
}

func (f fakePorts) QueryPort(port int) (registry.PortState, error) {
	if f.err != nil {
		return registry.PortState{Port: port}, f.err
	}
	return registry.PortState{Port: port, Bound: f.bound[port]}, nil
}

type fakeStatus struct {
	states map[string]supervisor.ServiceState
	err    error
}

func (f fakeStatus) States(context.Context) (map[string]supervisor.ServiceState, error) {
	return f.states, f.err
}

var services = []registry.ServiceSpec{
	{Name: "svcA", Port: 9001, StartupOrder: 1},
	{Name: "svcB", Port: 9002, StartupOrder: 2},
	{Name: "watchdog", StartupOrder: 3}, // no port
}

func TestVerifyAllOK(t *testing.T) {
	rep := Verify(context.Background(), services,
		fakePorts{bound: map[int]bool{9001: true, 9002: true}},
		fakeStatus{states: map[string]supervisor.ServiceState{
			"svcA": supervisor.StateRunning, "svcB": supervisor.StateRunning, "watchdog": supervisor.StateRunning,
		}})
	if !rep.AllOK {
		t.Fatalf("want all ok: %+v", rep)
	}
	if len(rep.Services) != 3 {
		t.Fatalf("every configured service must appear: %+v", rep.Services)
	}
}

func TestVerifyRunningButNotBound(t *testing.T) {
	// Process up per supervisor, but not listening yet. Both observed
	// states must be visible so the operator can tell this apart from a
	// crash.
	rep := Verify(context.Background(), services,
		fakePorts{bound: map[int]bool{9001: true}},
		fakeStatus{states: map[string]supervisor.ServiceState{
			"svcA": supervisor.StateRunning, "svcB": supervisor.StateRunning, "watchdog": supervisor.StateRunning,
		}})
	if rep.AllOK {
		t.Fatalf("svcB is not bound, verification must fail")
	}
	var b ServiceCheck
	for _, c := range rep.Services {
		if c.Name == "svcB" {
			b = c
		}
	}
	if b.SupervisorState != supervisor.StateRunning || b.Bound || b.OK {
		t.Fatalf("svcB check: %+v", b)
	}
}

func TestVerifyPortlessServiceNeedsOnlySupervisor(t *testing.T) {
	rep := Verify(context.Background(), services[2:],
		fakePorts{},
		fakeStatus{states: map[string]supervisor.ServiceState{"watchdog": supervisor.StateRunning}})
	if !rep.AllOK {
		t.Fatalf("portless running service should be ok: %+v", rep)
	}
}

func TestVerifyMissingServiceIsUnknown(t *testing.T) {
	rep := Verify(context.Background(), services,
		fakePorts{bound: map[int]bool{9001: true, 9002: true}},
		fakeStatus{states: map[string]supervisor.ServiceState{"svcA": supervisor.StateRunning}})
	if rep.AllOK {
		t.Fatalf("services missing from supervisor output must fail verification")
	}
	for _, c := range rep.Services {
		if c.Name == "svcB" && c.SupervisorState != supervisor.StateUnknown {
			t.Fatalf("svcB state: %v", c.SupervisorState)
		}
	}
}

func TestVerifyStatusErrorMarksEveryService(t *testing.T) {
	rep := Verify(context.Background(), services,
		fakePorts{bound: map[int]bool{9001: true, 9002: true}},
		fakeStatus{err: errors.New("daemon unreachable")})
	if rep.AllOK {
		t.Fatalf("status source error must fail verification")
	}
	for _, c := range rep.Services {
		if c.CheckErr == "" || c.OK {
			t.Fatalf("check %s should carry the error: %+v", c.Name, c)
		}
	}
}

func TestVerifyPortQueryErrorSurfaced(t *testing.T) {
	rep := Verify(context.Background(), services[:1],
		fakePorts{err: &registry.PortQueryError{Port: 9001, Err: errors.New("eperm")}},
		fakeStatus{states: map[string]supervisor.ServiceState{"svcA": supervisor.StateRunning}})
	if rep.AllOK {
		t.Fatalf("port query error must not count as free/ok")
	}
	if rep.Services[0].CheckErr == "" {
		t.Fatalf("check error missing: %+v", rep.Services[0])
	}
}
