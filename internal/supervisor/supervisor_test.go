package supervisor_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/restartctl/internal/logger"
	"github.com/loykin/restartctl/internal/supervisor"
	"github.com/loykin/restartctl/internal/supervisor/supdtest"
)

func TestMain(m *testing.M) {
	// Re-exec helper: act as a fake supervisor daemon bound to the given
	// control socket until killed.
	if sock := os.Getenv("SUPD_HELPER_SOCKET"); sock != "" {
		d := supdtest.New(sock, map[string]supervisor.ServiceState{
			"trade-manager": supervisor.StateRunning,
			"price-watch":   supervisor.StateStopped,
		})
		if err := d.Start(); err != nil {
			os.Exit(1)
		}
		select {}
	}
	// Re-exec helper: start a daemon with log capture enabled, then exit
	// immediately so the daemon outlives its spawner.
	if dir := os.Getenv("SUPD_SPAWNER_DIR"); dir != "" {
		spawnAndExit(dir)
	}
	os.Exit(m.Run())
}

func spawnAndExit(dir string) {
	sock := filepath.Join(dir, "supd.sock")
	marker := filepath.Join(dir, "marker")
	cfg := supervisor.Config{
		// Touch the socket so StartDaemon returns, keep writing to stdout
		// after the spawner is gone, then leave a marker proving survival.
		Command:      "/bin/sh -c 'touch " + sock + "; sleep 1; echo ping; echo survived > " + marker + "'",
		SocketPath:   sock,
		PIDFilePath:  filepath.Join(dir, "supd.pid"),
		StartTimeout: 5 * time.Second,
		PollInterval: 20 * time.Millisecond,
		Log:          logger.Config{Dir: dir},
	}
	ctl := supervisor.NewController(cfg, nil)
	if _, err := ctl.StartDaemon(context.Background()); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

// shortDir returns a short-lived directory whose paths stay under the
// unix socket path length limit.
func shortDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "supd")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func daemonConfig(dir string) supervisor.Config {
	return supervisor.Config{
		Command:      os.Args[0],
		SocketPath:   filepath.Join(dir, "supd.sock"),
		PIDFilePath:  filepath.Join(dir, "supd.pid"),
		ConfigPath:   filepath.Join(dir, "supd.toml"),
		StartTimeout: 5 * time.Second,
		StopTimeout:  2 * time.Second,
		PollInterval: 50 * time.Millisecond,
	}
}

func TestStartStopDaemonLifecycle(t *testing.T) {
	dir := shortDir(t)
	cfg := daemonConfig(dir)
	cfg.Env = []string{"SUPD_HELPER_SOCKET=" + cfg.SocketPath}
	ctl := supervisor.NewController(cfg, nil)
	ctx := context.Background()

	h, err := ctl.StartDaemon(ctx)
	if err != nil {
		t.Fatalf("start daemon: %v", err)
	}
	if h.PID <= 0 {
		t.Fatalf("handle pid: %+v", h)
	}
	if _, err := os.Stat(cfg.SocketPath); err != nil {
		t.Fatalf("control socket missing after start: %v", err)
	}
	if _, err := os.Stat(cfg.PIDFilePath); err != nil {
		t.Fatalf("pid file missing after start: %v", err)
	}

	states, err := ctl.StatusAll(ctx, h)
	if err != nil {
		t.Fatalf("status all: %v", err)
	}
	if states["trade-manager"] != supervisor.StateRunning {
		t.Fatalf("trade-manager state: %v", states["trade-manager"])
	}
	if states["price-watch"] != supervisor.StateStopped {
		t.Fatalf("price-watch state: %v", states["price-watch"])
	}

	st, err := ctl.RestartService(ctx, h, "price-watch")
	if err != nil {
		t.Fatalf("restart service: %v", err)
	}
	if st != supervisor.StateRunning {
		t.Fatalf("restart should observe RUNNING, got %v", st)
	}

	if err := ctl.StopDaemon(ctx); err != nil {
		t.Fatalf("stop daemon: %v", err)
	}
	if _, err := os.Stat(cfg.SocketPath); !os.IsNotExist(err) {
		t.Fatalf("control socket should be removed after stop")
	}
	if _, err := os.Stat(cfg.PIDFilePath); !os.IsNotExist(err) {
		t.Fatalf("pid file should be removed after stop")
	}
}

func TestStopThenStartYieldsFreshHandle(t *testing.T) {
	dir := shortDir(t)
	cfg := daemonConfig(dir)
	cfg.Env = []string{"SUPD_HELPER_SOCKET=" + cfg.SocketPath}
	ctl := supervisor.NewController(cfg, nil)
	ctx := context.Background()

	h1, err := ctl.StartDaemon(ctx)
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := ctl.StopDaemon(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	// The control socket must be absent between stop and start; a stale
	// socket would be mistaken for a live daemon.
	if _, err := os.Stat(cfg.SocketPath); !os.IsNotExist(err) {
		t.Fatalf("socket must be absent between stop and start")
	}
	h2, err := ctl.StartDaemon(ctx)
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	defer func() { _ = ctl.StopDaemon(ctx) }()
	if h2.PID == h1.PID {
		t.Fatalf("expected a fresh daemon process, both handles have pid %d", h1.PID)
	}
}

func TestStartDaemonTimeout(t *testing.T) {
	dir := shortDir(t)
	cfg := daemonConfig(dir)
	// A command that never creates the control socket.
	cfg.Command = "sleep 5"
	cfg.StartTimeout = 400 * time.Millisecond
	ctl := supervisor.NewController(cfg, nil)

	start := time.Now()
	_, err := ctl.StartDaemon(context.Background())
	elapsed := time.Since(start)
	if !errors.Is(err, supervisor.ErrStartTimeout) {
		t.Fatalf("expected ErrStartTimeout, got %v", err)
	}
	// The wait must be bounded: timeout plus at most one poll interval of
	// slack, with generous margin for slow machines.
	if elapsed > 3*time.Second {
		t.Fatalf("start timeout took %v, want bounded wait", elapsed)
	}
	if _, err := os.Stat(cfg.SocketPath); !os.IsNotExist(err) {
		t.Fatalf("socket must not linger after failed start")
	}
	if _, err := os.Stat(cfg.PIDFilePath); !os.IsNotExist(err) {
		t.Fatalf("pid file must not linger after failed start")
	}
}

func TestStartDaemonEarlyExit(t *testing.T) {
	dir := shortDir(t)
	cfg := daemonConfig(dir)
	cfg.Command = "/bin/true"
	cfg.StartTimeout = 5 * time.Second
	ctl := supervisor.NewController(cfg, nil)

	start := time.Now()
	_, err := ctl.StartDaemon(context.Background())
	if err == nil {
		t.Fatalf("expected error for daemon that exits immediately")
	}
	if !strings.Contains(err.Error(), "exited before creating control socket") {
		t.Fatalf("unexpected error: %v", err)
	}
	// Early exit must be detected well before the full start timeout.
	if time.Since(start) >= cfg.StartTimeout {
		t.Fatalf("early exit detection took %v", time.Since(start))
	}
}

func TestStartDaemonRefusesExistingSocket(t *testing.T) {
	dir := shortDir(t)
	cfg := daemonConfig(dir)
	if err := os.WriteFile(cfg.SocketPath, nil, 0o600); err != nil {
		t.Fatalf("plant socket file: %v", err)
	}
	ctl := supervisor.NewController(cfg, nil)
	_, err := ctl.StartDaemon(context.Background())
	if !errors.Is(err, supervisor.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

// A spawned daemon gets real file descriptors for its captured output, so
// it must keep running and writing after the process that started it is
// gone. A pipe-backed writer would SIGPIPE the daemon on its first write
// after the spawner exits.
func TestDaemonSurvivesSpawnerExit(t *testing.T) {
	dir := shortDir(t)
	spawner := exec.Command(os.Args[0])
	spawner.Env = append(os.Environ(), "SUPD_SPAWNER_DIR="+dir)
	if out, err := spawner.CombinedOutput(); err != nil {
		t.Fatalf("spawner failed: %v\n%s", err, out)
	}
	// The spawner has exited; the daemon writes to stdout and then drops
	// the marker about a second later.
	marker := filepath.Join(dir, "marker")
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if b, err := os.ReadFile(marker); err == nil {
			if strings.TrimSpace(string(b)) != "survived" {
				t.Fatalf("marker content: %q", b)
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	stdout, _ := os.ReadFile(filepath.Join(dir, "supervisor.stdout.log"))
	t.Fatalf("daemon died after its spawner exited; captured stdout: %q", stdout)
}

func TestStopDaemonIsIdempotentWithNothingRunning(t *testing.T) {
	dir := shortDir(t)
	ctl := supervisor.NewController(daemonConfig(dir), nil)
	if err := ctl.StopDaemon(context.Background()); err != nil {
		t.Fatalf("stop with nothing running: %v", err)
	}
}

func TestParseState(t *testing.T) {
	cases := map[string]supervisor.ServiceState{
		"RUNNING":  supervisor.StateRunning,
		"running":  supervisor.StateRunning,
		" Stopped": supervisor.StateStopped,
		"FATAL":    supervisor.StateFatal,
		"exited":   supervisor.StateExited,
		"STARTING": supervisor.StateStarting,
		"weird":    supervisor.StateUnknown,
		"":         supervisor.StateUnknown,
	}
	for in, want := range cases {
		if got := supervisor.ParseState(in); got != want {
			t.Errorf("ParseState(%q) = %v, want %v", in, got, want)
		}
	}
}
