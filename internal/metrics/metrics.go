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

	installsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ailab",
			Subsystem: "tool",
			Name:      "installs_total",
			Help:      "Number of completed install operations per tool and outcome.",
		}, []string{"tool", "outcome"},
	)
	updatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ailab",
			Subsystem: "tool",
			Name:      "updates_total",
			Help:      "Number of completed update operations per tool and outcome.",
		}, []string{"tool", "outcome"},
	)
	startsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ailab",
			Subsystem: "tool",
			Name:      "starts_total",
			Help:      "Number of successful tool process starts.",
		}, []string{"tool"},
	)
	stopsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ailab",
			Subsystem: "tool",
			Name:      "stops_total",
			Help:      "Number of requested tool process stops.",
		}, []string{"tool"},
	)
	unexpectedExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ailab",
			Subsystem: "tool",
			Name:      "unexpected_exits_total",
			Help:      "Number of tool processes that exited without a stop request.",
		}, []string{"tool"},
	)
	runningTools = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ailab",
			Subsystem: "tool",
			Name:      "running",
			Help:      "Whether the tool process is currently running (1 or 0).",
		}, []string{"tool"},
	)
	installDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ailab",
			Subsystem: "tool",
			Name:      "install_duration_seconds",
			Help:      "Wall time of install and update operations.",
			Buckets:   []float64{1, 5, 15, 60, 120, 300, 600, 1200},
		}, []string{"tool", "operation"},
	)
)

// Register registers all collectors with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{installsTotal, updatesTotal, startsTotal, stopsTotal, unexpectedExits, runningTools, installDuration}
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

// Handler returns an http.Handler serving the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has been called, so library use
// without metrics stays silent.

func IncInstall(tool, outcome string) {
	if regOK.Load() {
		installsTotal.WithLabelValues(tool, outcome).Inc()
	}
}

func IncUpdate(tool, outcome string) {
	if regOK.Load() {
		updatesTotal.WithLabelValues(tool, outcome).Inc()
	}
}

func IncStart(tool string) {
	if regOK.Load() {
		startsTotal.WithLabelValues(tool).Inc()
	}
}

func IncStop(tool string) {
	if regOK.Load() {
		stopsTotal.WithLabelValues(tool).Inc()
	}
}

func IncUnexpectedExit(tool string) {
	if regOK.Load() {
		unexpectedExits.WithLabelValues(tool).Inc()
	}
}

func SetRunning(tool string, running bool) {
	if regOK.Load() {
		v := 0.0
		if running {
			v = 1.0
		}
		runningTools.WithLabelValues(tool).Set(v)
	}
}

func ObserveInstallDuration(tool, operation string, seconds float64) {
	if regOK.Load() {
		installDuration.WithLabelValues(tool, operation).Observe(seconds)
	}
}
