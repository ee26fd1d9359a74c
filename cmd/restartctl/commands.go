package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/restartctl"
	"github.com/loykin/restartctl/internal/config"
	"github.com/loykin/restartctl/internal/logger"
	"github.com/loykin/restartctl/internal/metrics"
	"github.com/loykin/restartctl/internal/sequencer"
)

// Exit codes for Failed sessions; scripts driving restartctl branch on
// them to distinguish a stuck port from a dead daemon.
const (
	exitOK           = 0
	exitFailure      = 1
	exitStuckPorts   = 2
	exitDaemonStart  = 3
	exitVerification = 4
)

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath    string
	LogLevel      string
	JSONOut       bool
	Deadline      time.Duration
	MetricsListen string
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}

	root := &cobra.Command{
		Use:           "restartctl",
		Short:         "Restart orchestrator for the trading system's supervised services",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.ConfigPath, "config", "c", "restartctl.toml", "path to TOML config")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "info", "console log level (debug|info|warn|error)")
	root.PersistentFlags().BoolVar(&flags.JSONOut, "json", false, "print the final report as JSON")
	root.PersistentFlags().DurationVar(&flags.Deadline, "deadline", 0, "overall session deadline (overrides config)")
	root.PersistentFlags().StringVar(&flags.MetricsListen, "metrics-listen", "", "optional addr to expose Prometheus metrics during the session")

	restart := &cobra.Command{
		Use:   "restart [master|full|quick|emergency|force|status|flush]",
		Short: "Run a restart session (default: full)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			modeArg := ""
			if len(args) == 1 {
				modeArg = args[0]
			}
			mode, err := sequencer.ParseMode(modeArg)
			if err != nil {
				return err
			}
			return runSession(flags, mode)
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Report every service's supervisor and port state without touching anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(flags, sequencer.ModeStatus)
		},
	}

	flush := &cobra.Command{
		Use:   "flush",
		Short: "Force-free every registered port",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(flags, sequencer.ModeFlush)
		},
	}

	root.AddCommand(restart, status, flush)
	return root
}

func runSession(flags *GlobalFlags, mode sequencer.Mode) error {
	fc, err := config.Load(flags.ConfigPath)
	if err != nil {
		return err
	}
	var progress io.Writer = os.Stderr
	if w := fc.Log.SessionWriter(); w != nil {
		defer func() { _ = w.Close() }()
		progress = io.MultiWriter(os.Stderr, w)
	}
	lg := logger.NewConsole(progress, flags.LogLevel)

	orc, err := restartctl.New(fc, lg)
	if err != nil {
		return err
	}

	if flags.MetricsListen != "" {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			lg.Warn("metrics registration failed", "error", err)
		} else {
			go serveMetrics(flags.MetricsListen)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	deadline := flags.Deadline
	if deadline == 0 {
		deadline = fc.Sequencer.Deadline
	}
	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	lg.Info("starting session", "mode", mode)
	rep := orc.Run(ctx, mode)
	if err := printReport(os.Stdout, os.Stderr, rep, flags.JSONOut); err != nil {
		return err
	}
	if code := exitCode(rep); code != exitOK {
		return &exitError{code: code, msg: string(rep.Kind)}
	}
	return nil
}

func exitCode(rep *sequencer.Report) int {
	if rep.Ready() {
		return exitOK
	}
	switch rep.Kind {
	case sequencer.FailStuckPorts:
		return exitStuckPorts
	case sequencer.FailDaemonStart:
		return exitDaemonStart
	case sequencer.FailVerification:
		return exitVerification
	default:
		return exitFailure
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		_, _ = fmt.Fprintln(os.Stderr, "metrics listener:", err)
	}
}
