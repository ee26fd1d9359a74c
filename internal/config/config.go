package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/restartctl/internal/logger"
	"github.com/loykin/restartctl/internal/registry"
	"github.com/loykin/restartctl/internal/supervisor"
)

// FileConfig represents the top-level TOML structure.
//
//	log_level = "info"
//
//	[supervisor]
//	command = "supd serve --config /etc/supd/supd.toml"
//	config = "/etc/supd/supd.toml"
//	socket = "/run/supd/control.sock"
//	pidfile = "/run/supd/supd.pid"
//	start_timeout = "30s"
//	stop_timeout = "5s"
//	[supervisor.log]
//	dir = "/var/log/trading"
//
//	[reaper]
//	max_attempts = 3
//	wait_between = "2s"
//	stray_patterns = ["tail -f .*trading", "price_watchdog"]
//
//	[sequencer]
//	workers = 4
//	verify_retries = 3
//	verify_delay = "2s"
//	deadline = "3m"
//
//	[[services]]
//	name = "trade-manager"
//	port = 9001
//	startup_order = 1
type FileConfig struct {
	LogLevel   string                 `mapstructure:"log_level"`
	Supervisor supervisor.Config      `mapstructure:"supervisor"`
	Reaper     ReaperConfig           `mapstructure:"reaper"`
	Sequencer  SequencerConfig        `mapstructure:"sequencer"`
	Services   []registry.ServiceSpec `mapstructure:"services"`
	Log        logger.Config          `mapstructure:"log"`
}

type ReaperConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	WaitBetween   time.Duration `mapstructure:"wait_between"`
	StrayPatterns []string      `mapstructure:"stray_patterns"`
}

type SequencerConfig struct {
	Workers       int           `mapstructure:"workers"`
	VerifyRetries int           `mapstructure:"verify_retries"`
	VerifyDelay   time.Duration `mapstructure:"verify_delay"`
	// Deadline bounds a whole restart session; zero means no deadline.
	Deadline time.Duration `mapstructure:"deadline"`
}

// Load parses and validates the TOML config at path.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(filepath.Clean(path))
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := fc.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &fc, nil
}

// Validate checks the parts a restart session cannot run without.
// Service-level validation (unique names/ports) happens in registry.New.
func (fc *FileConfig) Validate() error {
	if fc.Supervisor.Command == "" {
		return fmt.Errorf("supervisor.command is required")
	}
	if fc.Supervisor.SocketPath == "" {
		return fmt.Errorf("supervisor.socket is required")
	}
	if fc.Supervisor.PIDFilePath == "" {
		return fmt.Errorf("supervisor.pidfile is required")
	}
	if len(fc.Services) == 0 {
		return fmt.Errorf("at least one [[services]] entry is required")
	}
	if fc.Reaper.MaxAttempts < 0 {
		return fmt.Errorf("reaper.max_attempts cannot be negative")
	}
	if fc.Sequencer.Deadline < 0 {
		return fmt.Errorf("sequencer.deadline cannot be negative")
	}
	return nil
}

// BuildRegistry constructs the port registry from the configured services.
func (fc *FileConfig) BuildRegistry() (*registry.Registry, error) {
	return registry.New(fc.Services)
}
