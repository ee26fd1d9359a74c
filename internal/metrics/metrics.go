package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	sessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "restartctl",
			Subsystem: "session",
			Name:      "total",
			Help:      "Number of restart sessions by mode and outcome.",
		}, []string{"mode", "outcome"},
	)
	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "restartctl",
			Subsystem: "session",
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock duration of each sequencer stage.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"},
	)
	portsFreed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "restartctl",
			Subsystem: "reaper",
			Name:      "ports_freed_total",
			Help:      "Number of ports successfully freed.",
		},
	)
	portsStuck = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "restartctl",
			Subsystem: "reaper",
			Name:      "ports_stuck_total",
			Help:      "Number of ports that stayed bound after all free attempts.",
		},
	)
	patternKills = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "restartctl",
			Subsystem: "reaper",
			Name:      "pattern_kills_total",
			Help:      "Number of stray processes killed by pattern match.",
		},
	)
	serviceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "restartctl",
			Subsystem: "service",
			Name:      "restarts_total",
			Help:      "Per-service restart call results.",
		}, []string{"name", "result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{sessions, stageDuration, portsFreed, portsStuck, patternKills, serviceRestarts}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler serving Prometheus metrics for the
// DefaultGatherer. The caller wires the route and server.
func Handler() http.Handler { return promhttp.Handler() }

// Lightweight helpers used by internal packages. They no-op until Register
// has been called.

func IncSession(mode, outcome string) {
	if regOK.Load() {
		sessions.WithLabelValues(mode, outcome).Inc()
	}
}

func ObserveStage(stage string, seconds float64) {
	if regOK.Load() {
		stageDuration.WithLabelValues(stage).Observe(seconds)
	}
}

func IncPortFreed() {
	if regOK.Load() {
		portsFreed.Inc()
	}
}

func IncPortStuck() {
	if regOK.Load() {
		portsStuck.Inc()
	}
}

func AddPatternKills(n int) {
	if regOK.Load() && n > 0 {
		patternKills.Add(float64(n))
	}
}

func IncServiceRestart(name, result string) {
	if regOK.Load() {
		serviceRestarts.WithLabelValues(name, result).Inc()
	}
}
