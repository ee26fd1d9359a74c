package sequencer

import (
	"fmt"
	"time"

	"github.com/loykin/restartctl/internal/verifier"
)

// Mode selects how deep a restart session goes.
type Mode string

const (
	ModeFull      Mode = "full"
	ModeQuick     Mode = "quick"
	ModeEmergency Mode = "emergency"
	ModeStatus    Mode = "status"
	ModeFlush     Mode = "flush"
)

// ParseMode maps CLI spellings onto a Mode. "master" and "force" are the
// historical aliases for full and emergency.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "master", "full":
		return ModeFull, nil
	case "quick":
		return ModeQuick, nil
	case "emergency", "force":
		return ModeEmergency, nil
	case "status":
		return ModeStatus, nil
	case "flush":
		return ModeFlush, nil
	default:
		return "", fmt.Errorf("unknown mode %q (want master|full|quick|emergency|force|status|flush)", s)
	}
}

// Stage names the sequencer's state machine states.
type Stage string

const (
	StageIdle                Stage = "idle"
	StageStopping            Stage = "stopping"
	StageFlushingPorts       Stage = "flushing_ports"
	StageStartingSupervisor  Stage = "starting_supervisor"
	StageRestartingServices  Stage = "restarting_services"
	StageVerifying           Stage = "verifying"
	StageReady               Stage = "ready"
	StageFailed              Stage = "failed"
)

// FailureKind classifies why a session failed; the CLI maps it to an exit
// code so callers can distinguish stuck ports from a dead daemon.
type FailureKind string

const (
	FailNone         FailureKind = ""
	FailStuckPorts   FailureKind = "stuck_ports"
	FailDaemonStart  FailureKind = "daemon_start"
	FailVerification FailureKind = "verification"
	FailAborted      FailureKind = "aborted"
)

// ServiceOutcome records what one session observed for one service.
type ServiceOutcome struct {
	Name      string `json:"name"`
	Port      int    `json:"port,omitempty"`
	Attempted bool   `json:"attempted"`
	Running   bool   `json:"running"`
	Bound     bool   `json:"bound"`
	State     string `json:"state,omitempty"`
	Err       string `json:"error,omitempty"`
}

// StuckPort names a port that survived every free attempt and who holds it.
type StuckPort struct {
	Port int     `json:"port"`
	PIDs []int32 `json:"pids,omitempty"`
}

// Report is the final, complete outcome of one restart session. It is
// created fresh per invocation and never persisted; each session is
// independent of prior runs.
type Report struct {
	Mode         Mode                       `json:"mode"`
	StartedAt    time.Time                  `json:"started_at"`
	Duration     time.Duration              `json:"duration"`
	Stage        Stage                      `json:"stage"`
	FailureStage Stage                      `json:"failure_stage,omitempty"`
	Kind         FailureKind                `json:"failure_kind,omitempty"`
	Err          string                     `json:"error,omitempty"`
	StuckPorts   []StuckPort                `json:"stuck_ports,omitempty"`
	Services     map[string]*ServiceOutcome `json:"services"`
	Verification *verifier.Report           `json:"verification,omitempty"`
	PatternKills int                        `json:"pattern_kills,omitempty"`
}

// Ready reports whether the session reached the Ready terminal state.
func (r *Report) Ready() bool { return r.Stage == StageReady }

func (r *Report) fail(at Stage, kind FailureKind, err error) *Report {
	r.Stage = StageFailed
	r.FailureStage = at
	r.Kind = kind
	if err != nil {
		r.Err = err.Error()
	}
	return r
}

// ServiceRestartError marks a single service whose restart call failed or
// did not reach RUNNING. It is recorded per service and never aborts the
// sibling restarts.
type ServiceRestartError struct {
	Name string
	Err  error
}

func (e *ServiceRestartError) Error() string {
	return fmt.Sprintf("restart service %s: %v", e.Name, e.Err)
}

func (e *ServiceRestartError) Unwrap() error { return e.Err }
