package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters for captured daemon output.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes where captured stdout/stderr of a spawned daemon goes.
// If StdoutPath/StderrPath are empty and Dir is set, files are
// Dir/<name>.stdout.log and Dir/<name>.stderr.log.
// Rotation parameters apply to the session log only (lumberjack semantics).
type Config struct {
	Dir        string `mapstructure:"dir"`
	StdoutPath string `mapstructure:"stdout"`
	StderrPath string `mapstructure:"stderr"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// DaemonFiles opens stdout and stderr capture files for the named daemon.
// Either may be nil when no destination is configured.
//
// These must be real *os.File descriptors, not wrapped writers: os/exec
// connects any plain io.Writer to the child through a pipe owned by this
// process, and the detached daemon would die on SIGPIPE the first time it
// writes after the orchestrator exits. The daemon inherits the
// descriptors and outlives us; rotation of its output is therefore
// out-of-band (logrotate or equivalent).
func (c Config) DaemonFiles(name string) (*os.File, *os.File, error) {
	stdout := c.StdoutPath
	stderr := c.StderrPath
	if stdout == "" && c.Dir != "" {
		stdout = filepath.Join(c.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && c.Dir != "" {
		stderr = filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	var outF, errF *os.File
	var err error
	if stdout != "" {
		if outF, err = openAppend(stdout); err != nil {
			return nil, nil, err
		}
	}
	if stderr != "" {
		if errF, err = openAppend(stderr); err != nil {
			if outF != nil {
				_ = outF.Close()
			}
			return nil, nil, err
		}
	}
	return outF, errF, nil
}

func openAppend(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create log dir %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return f, nil
}

// SessionWriter returns a rotating writer for the orchestrator's own
// session log at Dir/restartctl.log, or nil when Dir is unset. This
// output lives only as long as the orchestrator process, so rotation can
// happen in-process.
func (c Config) SessionWriter() io.WriteCloser {
	if c.Dir == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   filepath.Join(c.Dir, "restartctl.log"),
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// NewConsole builds the operator-facing slog logger. Progress lines go to w
// (the CLI passes stderr so stdout stays reserved for the final report).
func NewConsole(w io.Writer, level string) *slog.Logger {
	lv := ParseLevel(level)
	h := NewColorTextHandler(w, &slog.HandlerOptions{Level: lv})
	return slog.New(h)
}

// ParseLevel maps a config string to a slog.Level; unknown values mean Info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
