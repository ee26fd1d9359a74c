package restartctl

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/restartctl/internal/sequencer"
)

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	cfg := `log_level = "error"

[supervisor]
command = "/bin/false"
socket = "` + filepath.Join(dir, "supd.sock") + `"
pidfile = "` + filepath.Join(dir, "supd.pid") + `"

[[services]]
name = "trade-manager"
port = 19301
startup_order = 1

[[services]]
name = "price-watch"
port = 19302
startup_order = 2
`
	path := filepath.Join(dir, "restartctl.toml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAndServices(t *testing.T) {
	fc, err := LoadConfig(writeConfig(t, t.TempDir()))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	o, err := New(fc, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	svcs := o.Services()
	if len(svcs) != 2 {
		t.Fatalf("services = %d, want 2", len(svcs))
	}
	if svcs[0].Name != "trade-manager" || svcs[1].Name != "price-watch" {
		t.Errorf("unexpected startup order: %s, %s", svcs[0].Name, svcs[1].Name)
	}
}

// Status against a daemon that is not running must still report every
// service, as a verification failure rather than an error.
func TestStatusWithoutDaemon(t *testing.T) {
	fc, err := LoadConfig(writeConfig(t, t.TempDir()))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	o, err := New(fc, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	rep := o.Run(context.Background(), ModeStatus)
	if rep.Ready() {
		t.Fatal("status should not be ready with no daemon socket")
	}
	if rep.Kind != sequencer.FailVerification {
		t.Errorf("failure kind = %s, want %s", rep.Kind, sequencer.FailVerification)
	}
	if len(rep.Services) != 2 {
		t.Fatalf("report covers %d services, want 2", len(rep.Services))
	}
	for name, svc := range rep.Services {
		if svc.Running {
			t.Errorf("%s reported running with no daemon", name)
		}
	}
}

// Emergency mode must mean the same thing whether the orchestrator is
// driven from the CLI or embedded: SIGKILL escalation and halved waits.
func TestEmergencyModeTightensReaper(t *testing.T) {
	fc, err := LoadConfig(writeConfig(t, t.TempDir()))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	fc.Reaper.WaitBetween = 4 * time.Second
	o, err := New(fc, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	full := o.buildReaper(ModeFull)
	if full.Escalate {
		t.Error("full mode must not escalate to SIGKILL")
	}
	if full.WaitBetween != 4*time.Second {
		t.Errorf("full wait = %v, want 4s", full.WaitBetween)
	}

	em := o.buildReaper(ModeEmergency)
	if !em.Escalate {
		t.Error("emergency mode must escalate to SIGKILL")
	}
	if em.WaitBetween != 2*time.Second {
		t.Errorf("emergency wait = %v, want halved 2s", em.WaitBetween)
	}
}

func TestEmergencyModeTightensStopBudget(t *testing.T) {
	fc, err := LoadConfig(writeConfig(t, t.TempDir()))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	fc.Supervisor.StopTimeout = 6 * time.Second
	o, err := New(fc, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := o.supervisorConfig(ModeFull).StopTimeout; got != 6*time.Second {
		t.Errorf("full stop timeout = %v, want 6s", got)
	}
	if got := o.supervisorConfig(ModeEmergency).StopTimeout; got != 3*time.Second {
		t.Errorf("emergency stop timeout = %v, want halved 3s", got)
	}
}

func TestHalfFloor(t *testing.T) {
	cases := []struct {
		d, floor, want time.Duration
	}{
		{4 * time.Second, time.Second, 2 * time.Second},
		{time.Second, time.Second, time.Second},
		{0, time.Second, time.Second},
		{3 * time.Second, 500 * time.Millisecond, 1500 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := halfFloor(tc.d, tc.floor); got != tc.want {
			t.Errorf("halfFloor(%v, %v) = %v, want %v", tc.d, tc.floor, got, tc.want)
		}
	}
}

func TestQueryPortFreshState(t *testing.T) {
	fc, err := LoadConfig(writeConfig(t, t.TempDir()))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	o, err := New(fc, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	st, err := o.QueryPort(19301)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if st.Bound {
		t.Errorf("port 19301 unexpectedly bound by pids %v", st.OwningPIDs)
	}
}
