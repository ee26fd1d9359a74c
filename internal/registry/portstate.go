package registry

import (
	"fmt"
	"sort"

	gnet "github.com/shirou/gopsutil/v4/net"
)

// PortState is a point-in-time view of who owns a TCP port.
// It is derived from the live OS socket table on every call and never cached;
// a stale answer here would let the sequencer report a port as free while a
// leftover process still holds it.
type PortState struct {
	Port       int     `json:"port"`
	Bound      bool    `json:"bound"`
	OwningPIDs []int32 `json:"owning_pids,omitempty"`
}

// PortQueryError indicates the OS socket table could not be inspected.
// It is surfaced rather than treated as "port free": an unknown state must
// never be presented as an empty one.
type PortQueryError struct {
	Port int
	Err  error
}

func (e *PortQueryError) Error() string {
	return fmt.Sprintf("query port %d: %v", e.Port, e.Err)
}

func (e *PortQueryError) Unwrap() error { return e.Err }

// QueryPort inspects the OS socket table for listeners on port.
// Multiple PIDs may own one port (forked workers sharing a listener); all
// are reported. PIDs the kernel does not attribute (0) are dropped from the
// set but still count as the port being bound.
func (r *Registry) QueryPort(port int) (PortState, error) {
	conns, err := gnet.Connections("tcp")
	if err != nil {
		return PortState{Port: port}, &PortQueryError{Port: port, Err: err}
	}
	seen := make(map[int32]struct{})
	st := PortState{Port: port}
	for _, c := range conns {
		if c.Status != "LISTEN" || int(c.Laddr.Port) != port {
			continue
		}
		st.Bound = true
		if c.Pid > 0 {
			seen[c.Pid] = struct{}{}
		}
	}
	for pid := range seen {
		st.OwningPIDs = append(st.OwningPIDs, pid)
	}
	sort.Slice(st.OwningPIDs, func(i, j int) bool { return st.OwningPIDs[i] < st.OwningPIDs[j] })
	return st, nil
}
