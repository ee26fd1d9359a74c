package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/loykin/restartctl/internal/detector"
	"github.com/loykin/restartctl/internal/logger"
)

const (
	DefaultStartTimeout = 30 * time.Second
	DefaultStopTimeout  = 5 * time.Second
	DefaultPollInterval = 1 * time.Second
)

// ErrStartTimeout is returned when the daemon was spawned but its control
// socket never appeared within the configured window. This is a hard
// failure: an undetected failed spawn would let the sequencer believe
// services can be restarted when they cannot.
var ErrStartTimeout = errors.New("supervisor daemon start timeout: control socket never appeared")

// ErrAlreadyRunning is returned when a control socket is already present at
// spawn time. Exactly one live daemon may exist per host.
var ErrAlreadyRunning = errors.New("supervisor control socket already present")

// Handle represents one live supervisor daemon. Created by StartDaemon,
// invalidated by StopDaemon (socket and PID file are removed).
type Handle struct {
	SocketPath  string `json:"socket_path"`
	PIDFilePath string `json:"pid_file_path"`
	ConfigPath  string `json:"config_path"`
	PID         int    `json:"pid"`
}

// Config describes how to spawn and reach the external supervisor daemon.
type Config struct {
	Command      string        `mapstructure:"command"`
	ConfigPath   string        `mapstructure:"config"`
	SocketPath   string        `mapstructure:"socket"`
	PIDFilePath  string        `mapstructure:"pidfile"`
	WorkDir      string        `mapstructure:"workdir"`
	Env          []string      `mapstructure:"env"`
	StartTimeout time.Duration `mapstructure:"start_timeout"`
	StopTimeout  time.Duration `mapstructure:"stop_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Log          logger.Config `mapstructure:"log"`
}

func (c *Config) startTimeout() time.Duration { return durOr(c.StartTimeout, DefaultStartTimeout) }
func (c *Config) stopTimeout() time.Duration  { return durOr(c.StopTimeout, DefaultStopTimeout) }
func (c *Config) pollInterval() time.Duration { return durOr(c.PollInterval, DefaultPollInterval) }

func durOr(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// Controller is the only component that speaks to the supervisor daemon.
// It isolates the rest of the system from the control protocol and from
// the daemon's socket/PID file lifecycle.
type Controller struct {
	cfg    Config
	logger *slog.Logger
}

func NewController(cfg Config, lg *slog.Logger) *Controller {
	if lg == nil {
		lg = slog.Default()
	}
	return &Controller{cfg: cfg, logger: lg}
}

// StopDaemon brings the daemon down and guarantees no phantom handle
// survives: graceful shutdown via the control socket when it exists,
// bounded wait for socket disappearance, SIGKILL escalation by PID file,
// and unconditional removal of socket and PID file regardless of the path
// taken. A failed graceful stop is logged, not fatal; the caller's next
// stage force-frees ports anyway.
func (c *Controller) StopDaemon(ctx context.Context) error {
	var stopErr error
	if socketExists(c.cfg.SocketPath) {
		client := NewClient(c.cfg.SocketPath, c.cfg.stopTimeout())
		if err := client.Shutdown(ctx); err != nil {
			c.logger.Warn("graceful shutdown call failed", "socket", c.cfg.SocketPath, "error", err)
			stopErr = err
		}
		if !c.waitSocketGone(ctx, c.cfg.stopTimeout()) {
			c.logger.Warn("control socket did not disappear", "socket", c.cfg.SocketPath)
		}
	}

	// Escalate by PID file if the daemon process is still alive.
	pd := detector.PIDFileDetector{PIDFile: c.cfg.PIDFilePath}
	if alive, _ := pd.Alive(); alive {
		if pid, err := pd.ReadPID(); err == nil {
			c.logger.Warn("daemon survived graceful stop, killing", "pid", pid)
			killGroup(pid)
			waitPIDGone(ctx, pid, c.cfg.stopTimeout())
			if stillAlive, _ := (detector.PIDDetector{PID: pid}).Alive(); stillAlive {
				stopErr = fmt.Errorf("daemon pid %d still alive after SIGKILL", pid)
			}
		}
	}

	// Phantom socket/PID files must never survive a stop; a later
	// StartDaemon treats their presence as a live daemon.
	c.removeRuntimeFiles()
	return stopErr
}

// StartDaemon spawns the daemon detached and waits for its control socket.
// It returns ErrAlreadyRunning when a socket is already present and
// ErrStartTimeout when the socket never appears within StartTimeout.
func (c *Controller) StartDaemon(ctx context.Context) (*Handle, error) {
	if socketExists(c.cfg.SocketPath) {
		return nil, fmt.Errorf("%w at %s", ErrAlreadyRunning, c.cfg.SocketPath)
	}
	cmd := buildCommand(c.cfg.Command)
	if c.cfg.WorkDir != "" {
		cmd.Dir = c.cfg.WorkDir
	}
	if len(c.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), c.cfg.Env...)
	}
	configDaemonSysattrs(cmd)
	// The daemon keeps its own descriptors after the fork; handing os/exec
	// anything but an *os.File would route its output through a pipe that
	// dies with this process.
	outF, errF, err := c.cfg.Log.DaemonFiles("supervisor")
	if err != nil {
		return nil, fmt.Errorf("open daemon log files: %w", err)
	}
	if outF != nil {
		cmd.Stdout = outF
	}
	if errF != nil {
		cmd.Stderr = errF
	}
	if err := cmd.Start(); err != nil {
		closeFiles(outF, errF)
		return nil, fmt.Errorf("spawn supervisor daemon: %w", err)
	}
	// The child holds its inherited copies; ours can go immediately.
	closeFiles(outF, errF)
	pid := cmd.Process.Pid
	c.logger.Info("supervisor daemon spawned", "pid", pid, "socket", c.cfg.SocketPath)
	if err := writePIDFile(c.cfg.PIDFilePath, pid); err != nil {
		c.logger.Warn("write daemon pidfile failed", "path", c.cfg.PIDFilePath, "error", err)
	}

	// Reap the child if it dies; exited closes when the daemon is gone.
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	deadline := time.Now().Add(c.cfg.startTimeout())
	ticker := time.NewTicker(c.cfg.pollInterval())
	defer ticker.Stop()
	for {
		if socketExists(c.cfg.SocketPath) {
			return &Handle{
				SocketPath:  c.cfg.SocketPath,
				PIDFilePath: c.cfg.PIDFilePath,
				ConfigPath:  c.cfg.ConfigPath,
				PID:         pid,
			}, nil
		}
		select {
		case <-exited:
			c.removeRuntimeFiles()
			return nil, fmt.Errorf("supervisor daemon pid %d exited before creating control socket", pid)
		case <-ctx.Done():
			killGroup(pid)
			c.removeRuntimeFiles()
			return nil, ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				killGroup(pid)
				c.removeRuntimeFiles()
				return nil, fmt.Errorf("%w after %s (pid %d)", ErrStartTimeout, c.cfg.startTimeout(), pid)
			}
		}
	}
}

// RestartService delegates to the daemon's restart-by-name call, then
// immediately reads the observed state back. "Restart accepted" and
// "process actually running" are distinct facts; only the second one is
// returned.
func (c *Controller) RestartService(ctx context.Context, h *Handle, name string) (ServiceState, error) {
	client := NewClient(h.SocketPath, c.cfg.stopTimeout())
	if err := client.Restart(ctx, name); err != nil {
		return StateUnknown, fmt.Errorf("restart %s: %w", name, err)
	}
	st, err := client.Status(ctx, name)
	if err != nil {
		return StateUnknown, fmt.Errorf("status after restart of %s: %w", name, err)
	}
	return st, nil
}

// StatusAll returns the daemon's view of every managed service.
func (c *Controller) StatusAll(ctx context.Context, h *Handle) (map[string]ServiceState, error) {
	client := NewClient(h.SocketPath, c.cfg.stopTimeout())
	return client.StatusAll(ctx)
}

// Attach builds a handle from the configured paths without spawning
// anything, for read-only modes that talk to an already-running daemon.
func (c *Controller) Attach() *Handle {
	h := &Handle{
		SocketPath:  c.cfg.SocketPath,
		PIDFilePath: c.cfg.PIDFilePath,
		ConfigPath:  c.cfg.ConfigPath,
	}
	pd := detector.PIDFileDetector{PIDFile: c.cfg.PIDFilePath}
	if pid, err := pd.ReadPID(); err == nil {
		h.PID = pid
	}
	return h
}

// SocketPath exposes the configured control socket path.
func (c *Controller) SocketPath() string { return c.cfg.SocketPath }

func (c *Controller) waitSocketGone(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !socketExists(c.cfg.SocketPath) {
			return true
		}
		select {
		case <-ctx.Done():
			return !socketExists(c.cfg.SocketPath)
		case <-time.After(100 * time.Millisecond):
		}
	}
	return !socketExists(c.cfg.SocketPath)
}

func (c *Controller) removeRuntimeFiles() {
	if c.cfg.SocketPath != "" {
		_ = os.Remove(c.cfg.SocketPath)
	}
	if c.cfg.PIDFilePath != "" {
		_ = os.Remove(c.cfg.PIDFilePath)
	}
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}

func socketExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func waitPIDGone(ctx context.Context, pid int, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if alive, _ := (detector.PIDDetector{PID: pid}).Alive(); !alive {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}
