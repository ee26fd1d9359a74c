// Package sequencer drives an ordered restart of the whole system:
// stop the supervisor daemon, force-free the registered ports, relaunch
// the daemon, restart every managed service, and verify the result. One
// invocation is one session; every stage's result is known before the
// next stage begins.
package sequencer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/restartctl/internal/metrics"
	"github.com/loykin/restartctl/internal/reaper"
	"github.com/loykin/restartctl/internal/registry"
	"github.com/loykin/restartctl/internal/supervisor"
	"github.com/loykin/restartctl/internal/verifier"
)

// Registry exposes the service list and live port queries.
type Registry interface {
	Services() []registry.ServiceSpec
	QueryPort(port int) (registry.PortState, error)
}

// Reaper frees ports and kills strays by pattern.
type Reaper interface {
	FreePort(ctx context.Context, port int) (reaper.FreeResult, error)
	KillByPattern(ctx context.Context, pattern string) (int, error)
}

// Supervisor is the controller for the external daemon.
type Supervisor interface {
	StopDaemon(ctx context.Context) error
	StartDaemon(ctx context.Context) (*supervisor.Handle, error)
	Attach() *supervisor.Handle
	RestartService(ctx context.Context, h *supervisor.Handle, name string) (supervisor.ServiceState, error)
	StatusAll(ctx context.Context, h *supervisor.Handle) (map[string]supervisor.ServiceState, error)
}

// Options tunes a sequencer without touching its collaborators.
type Options struct {
	// StrayPatterns are command-line regexes killed in Emergency mode
	// before port flushing. Full mode never touches them.
	StrayPatterns []string
	// Workers bounds concurrent port frees and same-order service restarts.
	Workers int
	// VerifyRetries is how many extra verification passes to run before
	// declaring Failed; VerifyDelay separates them.
	VerifyRetries int
	VerifyDelay   time.Duration
}

func (o Options) workers() int {
	if o.Workers <= 0 {
		return 4
	}
	return o.Workers
}

func (o Options) verifyDelay() time.Duration {
	if o.VerifyDelay <= 0 {
		return 2 * time.Second
	}
	return o.VerifyDelay
}

// Sequencer is the top-level state machine.
type Sequencer struct {
	reg    Registry
	reaper Reaper
	sup    Supervisor
	opts   Options
	logger *slog.Logger
}

func New(reg Registry, rp Reaper, sup Supervisor, opts Options, lg *slog.Logger) *Sequencer {
	if lg == nil {
		lg = slog.Default()
	}
	return &Sequencer{reg: reg, reaper: rp, sup: sup, opts: opts, logger: lg}
}

// Run executes one session. The caller bounds the whole sequence with ctx;
// on deadline the session transitions to Failed with whatever partial
// report has accumulated. "Unknown" is never reported as "succeeded".
func (s *Sequencer) Run(ctx context.Context, mode Mode) *Report {
	rep := &Report{
		Mode:      mode,
		StartedAt: time.Now(),
		Stage:     StageIdle,
		Services:  make(map[string]*ServiceOutcome),
	}
	for _, svc := range s.reg.Services() {
		rep.Services[svc.Name] = &ServiceOutcome{Name: svc.Name, Port: svc.Port}
	}
	defer func() {
		rep.Duration = time.Since(rep.StartedAt)
		outcome := "ready"
		if !rep.Ready() {
			outcome = "failed"
		}
		metrics.IncSession(string(mode), outcome)
	}()

	switch mode {
	case ModeStatus:
		return s.runStatus(ctx, rep)
	case ModeFlush:
		return s.runFlush(ctx, rep)
	default:
		return s.runRestart(ctx, mode, rep)
	}
}

// runStatus is a read-only utility mode: one verification pass, no
// signals, no spawns.
func (s *Sequencer) runStatus(ctx context.Context, rep *Report) *Report {
	rep.Stage = StageVerifying
	v := verifier.Verify(ctx, s.reg.Services(), s.reg, statusSource{sup: s.sup, h: s.sup.Attach()})
	rep.Verification = &v
	s.mergeVerification(rep, &v)
	if v.AllOK {
		rep.Stage = StageReady
		return rep
	}
	return rep.fail(StageVerifying, FailVerification, errors.New("one or more services down"))
}

// runFlush frees every registered port and stops.
func (s *Sequencer) runFlush(ctx context.Context, rep *Report) *Report {
	rep.Stage = StageFlushingPorts
	if err := s.flushPorts(ctx, rep); err != nil {
		return rep.fail(StageFlushingPorts, FailAborted, err)
	}
	if len(rep.StuckPorts) > 0 {
		return rep.fail(StageFlushingPorts, FailStuckPorts, &reaper.PortStillBoundError{
			Port: rep.StuckPorts[0].Port, PIDs: rep.StuckPorts[0].PIDs,
		})
	}
	rep.Stage = StageReady
	return rep
}

func (s *Sequencer) runRestart(ctx context.Context, mode Mode, rep *Report) *Report {
	// Stopping. A failed graceful stop does not block progress; the next
	// stage force-frees the ports regardless.
	rep.Stage = StageStopping
	stop := time.Now()
	if mode == ModeEmergency {
		s.killStrays(ctx, rep)
	}
	if err := s.sup.StopDaemon(ctx); err != nil {
		s.logger.Warn("daemon stop reported error, continuing", "error", err)
	}
	metrics.ObserveStage(string(StageStopping), time.Since(stop).Seconds())
	if err := ctx.Err(); err != nil {
		return rep.fail(StageStopping, FailAborted, err)
	}

	// FlushingPorts. Quick mode trades the port sweep for speed and goes
	// straight to relaunching the daemon.
	if mode != ModeQuick {
		rep.Stage = StageFlushingPorts
		flush := time.Now()
		if err := s.flushPorts(ctx, rep); err != nil {
			return rep.fail(StageFlushingPorts, FailAborted, err)
		}
		metrics.ObserveStage(string(StageFlushingPorts), time.Since(flush).Seconds())
		if len(rep.StuckPorts) > 0 {
			// Starting a daemon over an occupied port would fail its bind
			// and produce a misleading "service started".
			return rep.fail(StageFlushingPorts, FailStuckPorts, &reaper.PortStillBoundError{
				Port: rep.StuckPorts[0].Port, PIDs: rep.StuckPorts[0].PIDs,
			})
		}
	}
	if err := ctx.Err(); err != nil {
		return rep.fail(rep.Stage, FailAborted, err)
	}

	// StartingSupervisor.
	rep.Stage = StageStartingSupervisor
	start := time.Now()
	handle, err := s.sup.StartDaemon(ctx)
	metrics.ObserveStage(string(StageStartingSupervisor), time.Since(start).Seconds())
	if err != nil {
		return rep.fail(StageStartingSupervisor, FailDaemonStart, err)
	}

	// RestartingServices: waves by startup_order ascending; services that
	// share an order restart concurrently, a failure never aborts siblings.
	rep.Stage = StageRestartingServices
	restart := time.Now()
	s.restartServices(ctx, rep, handle)
	metrics.ObserveStage(string(StageRestartingServices), time.Since(restart).Seconds())
	if err := ctx.Err(); err != nil {
		return rep.fail(StageRestartingServices, FailAborted, err)
	}

	// Verifying.
	rep.Stage = StageVerifying
	verifyStart := time.Now()
	src := statusSource{sup: s.sup, h: handle}
	var v verifier.Report
	for attempt := 0; ; attempt++ {
		v = verifier.Verify(ctx, s.reg.Services(), s.reg, src)
		if v.AllOK || attempt >= s.opts.VerifyRetries {
			break
		}
		select {
		case <-ctx.Done():
			rep.Verification = &v
			s.mergeVerification(rep, &v)
			return rep.fail(StageVerifying, FailAborted, ctx.Err())
		case <-time.After(s.opts.verifyDelay()):
		}
	}
	metrics.ObserveStage(string(StageVerifying), time.Since(verifyStart).Seconds())
	rep.Verification = &v
	s.mergeVerification(rep, &v)
	if !v.AllOK {
		return rep.fail(StageVerifying, FailVerification, errors.New("verification found services down"))
	}
	rep.Stage = StageReady
	return rep
}

func (s *Sequencer) killStrays(ctx context.Context, rep *Report) {
	for _, pattern := range s.opts.StrayPatterns {
		n, err := s.reaper.KillByPattern(ctx, pattern)
		if err != nil {
			// Best effort: absence of matches or enumeration trouble never
			// fails the session.
			s.logger.Warn("pattern kill failed", "pattern", pattern, "error", err)
			continue
		}
		rep.PatternKills += n
		metrics.AddPatternKills(n)
	}
}

// flushPorts frees every registered port with a bounded worker pool.
// Port query failures are fatal (an unknown port state must not pass for
// free); stuck ports are collected for the report.
func (s *Sequencer) flushPorts(ctx context.Context, rep *Report) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.workers())
	for _, port := range s.ports() {
		port := port
		g.Go(func() error {
			res, err := s.reaper.FreePort(gctx, port)
			var stuck *reaper.PortStillBoundError
			switch {
			case err == nil:
				if res.Freed {
					metrics.IncPortFreed()
				}
				return nil
			case errors.As(err, &stuck):
				metrics.IncPortStuck()
				mu.Lock()
				rep.StuckPorts = append(rep.StuckPorts, StuckPort{Port: stuck.Port, PIDs: stuck.PIDs})
				mu.Unlock()
				return nil
			default:
				return err
			}
		})
	}
	return g.Wait()
}

func (s *Sequencer) ports() []int {
	var ports []int
	for _, svc := range s.reg.Services() {
		if svc.HasPort() {
			ports = append(ports, svc.Port)
		}
	}
	return ports
}

func (s *Sequencer) restartServices(ctx context.Context, rep *Report, handle *supervisor.Handle) {
	var mu sync.Mutex
	services := s.reg.Services()
	for i := 0; i < len(services); {
		// One wave = all services sharing the current startup order.
		j := i
		for j < len(services) && services[j].StartupOrder == services[i].StartupOrder {
			j++
		}
		g, _ := errgroup.WithContext(ctx)
		g.SetLimit(s.opts.workers())
		for _, svc := range services[i:j] {
			svc := svc
			g.Go(func() error {
				out := rep.Services[svc.Name]
				mu.Lock()
				out.Attempted = true
				mu.Unlock()
				st, err := s.sup.RestartService(ctx, handle, svc.Name)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					rerr := &ServiceRestartError{Name: svc.Name, Err: err}
					out.Err = rerr.Error()
					s.logger.Error("service restart failed", "service", svc.Name, "error", err)
					metrics.IncServiceRestart(svc.Name, "error")
					return nil
				}
				out.State = string(st)
				out.Running = st.Running()
				result := "ok"
				if !out.Running {
					result = "not_running"
				}
				metrics.IncServiceRestart(svc.Name, result)
				s.logger.Info("service restarted", "service", svc.Name, "state", st)
				return nil
			})
		}
		_ = g.Wait()
		if ctx.Err() != nil {
			return
		}
		i = j
	}
}

// mergeVerification folds the latest verification pass into the
// per-service outcomes so the final report carries one row per service.
func (s *Sequencer) mergeVerification(rep *Report, v *verifier.Report) {
	for _, check := range v.Services {
		out, ok := rep.Services[check.Name]
		if !ok {
			out = &ServiceOutcome{Name: check.Name}
			rep.Services[check.Name] = out
		}
		out.Running = check.SupervisorState.Running()
		out.Bound = check.Bound
		out.State = string(check.SupervisorState)
		if check.CheckErr != "" && out.Err == "" {
			out.Err = check.CheckErr
		}
	}
}

// statusSource adapts the supervisor controller to the verifier.
type statusSource struct {
	sup Supervisor
	h   *supervisor.Handle
}

func (s statusSource) States(ctx context.Context) (map[string]supervisor.ServiceState, error) {
	return s.sup.StatusAll(ctx, s.h)
}
