package restartctl

import (
	"context"
	"log/slog"
	"time"

	cfg "github.com/loykin/restartctl/internal/config"
	"github.com/loykin/restartctl/internal/logger"
	"github.com/loykin/restartctl/internal/reaper"
	"github.com/loykin/restartctl/internal/registry"
	"github.com/loykin/restartctl/internal/sequencer"
	"github.com/loykin/restartctl/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.FileConfig

type ServiceSpec = registry.ServiceSpec

type PortState = registry.PortState

type Mode = sequencer.Mode

type Report = sequencer.Report

type Handle = supervisor.Handle

const (
	ModeFull      = sequencer.ModeFull
	ModeQuick     = sequencer.ModeQuick
	ModeEmergency = sequencer.ModeEmergency
	ModeStatus    = sequencer.ModeStatus
	ModeFlush     = sequencer.ModeFlush
)

// LoadConfig parses and validates a TOML configuration file.
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// Orchestrator is a thin facade over the internal sequencer for embedding
// the restart logic in other tools (deployment pipelines, ops daemons).
// The CLI is built on the same facade, so a given Mode behaves the same
// from either entry point.
type Orchestrator struct {
	cfg *Config
	lg  *slog.Logger
	reg *registry.Registry
}

// New validates the config into an orchestrator. A nil logger falls back
// to slog.Default.
func New(fc *Config, lg *slog.Logger) (*Orchestrator, error) {
	if lg == nil {
		lg = slog.Default()
	}
	reg, err := fc.BuildRegistry()
	if err != nil {
		return nil, err
	}
	return &Orchestrator{cfg: fc, lg: lg, reg: reg}, nil
}

// Run executes one restart session and returns its final report.
// Collaborators are built per session because Emergency mode runs them
// with tightened budgets.
func (o *Orchestrator) Run(ctx context.Context, mode Mode) *Report {
	rp := o.buildReaper(mode)
	ctl := supervisor.NewController(o.supervisorConfig(mode), o.lg)
	seq := sequencer.New(o.reg, rp, ctl, sequencer.Options{
		StrayPatterns: o.cfg.Reaper.StrayPatterns,
		Workers:       o.cfg.Sequencer.Workers,
		VerifyRetries: o.cfg.Sequencer.VerifyRetries,
		VerifyDelay:   o.cfg.Sequencer.VerifyDelay,
	}, o.lg)
	return seq.Run(ctx, mode)
}

// buildReaper applies the configured knobs, then the Emergency tightening:
// SIGKILL escalation and halved signal waits. Normal shutdown has already
// been tried and failed by the time an operator reaches for Emergency.
func (o *Orchestrator) buildReaper(mode Mode) *reaper.Reaper {
	rp := reaper.New(o.reg, o.lg)
	if o.cfg.Reaper.MaxAttempts > 0 {
		rp.MaxAttempts = o.cfg.Reaper.MaxAttempts
	}
	if o.cfg.Reaper.WaitBetween > 0 {
		rp.WaitBetween = o.cfg.Reaper.WaitBetween
	}
	if mode == ModeEmergency {
		rp.WaitBetween = halfFloor(rp.WaitBetween, 500*time.Millisecond)
		rp.Escalate = true
	}
	return rp
}

// supervisorConfig merges the shared log config into the daemon's and
// halves the stop budget for Emergency mode.
func (o *Orchestrator) supervisorConfig(mode Mode) supervisor.Config {
	sc := o.cfg.Supervisor
	if sc.Log.Dir == "" {
		sc.Log = o.cfg.Log
	}
	if mode == ModeEmergency {
		sc.StopTimeout = halfFloor(sc.StopTimeout, time.Second)
	}
	return sc
}

func halfFloor(d, floor time.Duration) time.Duration {
	if d <= 0 {
		return floor
	}
	if h := d / 2; h > floor {
		return h
	}
	return floor
}

// Services returns the configured service list in startup order.
func (o *Orchestrator) Services() []ServiceSpec { return o.reg.Services() }

// QueryPort returns fresh port ownership for the given port.
func (o *Orchestrator) QueryPort(port int) (PortState, error) { return o.reg.QueryPort(port) }

// NewConsoleLogger builds the standard colorized slog logger used by the CLI.
var NewConsoleLogger = logger.NewConsole
