package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	gproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/restartctl/internal/registry"
)

const (
	DefaultMaxAttempts = 3
	DefaultWaitBetween = 2 * time.Second
)

// PortQuerier answers "who owns this port right now".
type PortQuerier interface {
	QueryPort(port int) (registry.PortState, error)
}

// Reaper frees TCP ports and cleans up stray processes by signaling their
// owners and re-verifying. Every mutating action is followed by a fresh
// port query; signal delivery is inherently racy, so an assumed
// post-condition is never trusted.
type Reaper struct {
	Ports       PortQuerier
	MaxAttempts int
	WaitBetween time.Duration
	// Escalate sends SIGKILL on the final attempt instead of SIGTERM.
	// Emergency restarts enable it; a normal restart leaves processes a
	// chance to shut down cleanly and reports the stuck port instead.
	Escalate bool
	Logger   *slog.Logger
}

// FreeResult reports the outcome of one FreePort call.
type FreeResult struct {
	Port          int     `json:"port"`
	Freed         bool    `json:"freed"`
	Attempts      int     `json:"attempts"`
	SignaledPIDs  []int32 `json:"signaled_pids,omitempty"`
	RemainingPIDs []int32 `json:"remaining_pids,omitempty"`
}

// PortStillBoundError reports a port that survived every free attempt.
type PortStillBoundError struct {
	Port int
	PIDs []int32
}

func (e *PortStillBoundError) Error() string {
	return fmt.Sprintf("port %d still bound after free attempts (pids %v)", e.Port, e.PIDs)
}

func New(ports PortQuerier, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		Ports:       ports,
		MaxAttempts: DefaultMaxAttempts,
		WaitBetween: DefaultWaitBetween,
		Logger:      logger,
	}
}

// FreePort guarantees port is free or reports who still holds it.
// Idempotent: an already-free port returns immediately with Freed=true.
// When multiple PIDs own the port all are signaled in the same pass; no
// attempt is made to pick a primary one.
func (r *Reaper) FreePort(ctx context.Context, port int) (FreeResult, error) {
	res := FreeResult{Port: port}
	maxAttempts := r.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	wait := r.WaitBetween
	if wait <= 0 {
		wait = DefaultWaitBetween
	}

	st, err := r.Ports.QueryPort(port)
	if err != nil {
		return res, err
	}
	if !st.Bound {
		res.Freed = true
		return res, nil
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			res.RemainingPIDs = st.OwningPIDs
			return res, err
		}
		res.Attempts = attempt
		final := attempt == maxAttempts
		for _, pid := range st.OwningPIDs {
			if r.Escalate && final {
				r.Logger.Warn("killing port owner", "port", port, "pid", pid, "attempt", attempt)
				_ = killPID(pid)
			} else {
				r.Logger.Info("terminating port owner", "port", port, "pid", pid, "attempt", attempt)
				_ = terminatePID(pid)
			}
			res.SignaledPIDs = appendPID(res.SignaledPIDs, pid)
		}
		select {
		case <-ctx.Done():
			res.RemainingPIDs = st.OwningPIDs
			return res, ctx.Err()
		case <-time.After(wait):
		}
		st, err = r.Ports.QueryPort(port)
		if err != nil {
			return res, err
		}
		if !st.Bound {
			res.Freed = true
			return res, nil
		}
	}
	res.RemainingPIDs = st.OwningPIDs
	return res, &PortStillBoundError{Port: port, PIDs: st.OwningPIDs}
}

// KillByPattern force-kills every process whose command line matches the
// given regular expression. Best effort emergency cleanup for detached
// strays that hold no registered port: no matches is success, and signal
// failures on individual PIDs are logged, not fatal.
func (r *Reaper) KillByPattern(ctx context.Context, pattern string) (int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	procs, err := gproc.ProcessesWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("enumerate processes: %w", err)
	}
	self := int32(os.Getpid())
	parent := int32(os.Getppid())
	killed := 0
	for _, p := range procs {
		if p.Pid == self || p.Pid == parent {
			continue
		}
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || strings.TrimSpace(cmdline) == "" {
			continue
		}
		if !re.MatchString(cmdline) {
			continue
		}
		r.Logger.Warn("killing stray process", "pid", p.Pid, "cmdline", cmdline, "pattern", pattern)
		if err := p.KillWithContext(ctx); err != nil {
			r.Logger.Warn("kill failed", "pid", p.Pid, "error", err)
			continue
		}
		killed++
	}
	return killed, nil
}

func appendPID(pids []int32, pid int32) []int32 {
	for _, p := range pids {
		if p == pid {
			return pids
		}
	}
	return append(pids, pid)
}
