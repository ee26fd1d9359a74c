package supervisor

import "strings"

// ServiceState is the daemon's view of one managed service.
type ServiceState string

const (
	StateRunning  ServiceState = "RUNNING"
	StateStarting ServiceState = "STARTING"
	StateFatal    ServiceState = "FATAL"
	StateExited   ServiceState = "EXITED"
	StateStopped  ServiceState = "STOPPED"
	StateUnknown  ServiceState = "UNKNOWN"
)

// ParseState normalizes a daemon-reported state string. Anything the
// control protocol does not define maps to UNKNOWN rather than being
// passed through, so callers can switch on a closed set.
func ParseState(s string) ServiceState {
	switch ServiceState(strings.ToUpper(strings.TrimSpace(s))) {
	case StateRunning:
		return StateRunning
	case StateStarting:
		return StateStarting
	case StateFatal:
		return StateFatal
	case StateExited:
		return StateExited
	case StateStopped:
		return StateStopped
	default:
		return StateUnknown
	}
}

// Running reports whether the state counts as up for verification.
func (s ServiceState) Running() bool { return s == StateRunning }
