// Package metrics exposes the daemon's Prometheus collectors
// (SPEC_FULL.md §10.3): launch funnel counters, per-state transition
// counters, an active-slave gauge, fault attributions by method, TTL
// expiries, and bulk-quiesce depth.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	regOK atomic.Bool

	launchesStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slaved",
			Subsystem: "supervisor",
			Name:      "launches_started_total",
			Help:      "Number of launch attempts handed to the launcher port.",
		}, []string{"slave"},
	)
	launchesRetried = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slaved",
			Subsystem: "supervisor",
			Name:      "launches_retried_total",
			Help:      "Number of relaunch attempts after a retryable launch result.",
		}, []string{"slave"},
	)
	launchesFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slaved",
			Subsystem: "supervisor",
			Name:      "launches_failed_total",
			Help:      "Number of launch sequences that ended fatally (relaunch budget exhausted or fatal result).",
		}, []string{"slave"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slaved",
			Subsystem: "supervisor",
			Name:      "state_transitions_total",
			Help:      "Number of slave state transitions.",
		}, []string{"slave", "from", "to"},
	)
	activeSlaves = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "slaved",
			Subsystem: "supervisor",
			Name:      "active_slaves",
			Help:      "Current number of slave records in an active (non-terminated) state.",
		},
	)
	faultAttributions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slaved",
			Subsystem: "fault",
			Name:      "attributions_total",
			Help:      "Number of fault attributions, by method (log, secured, callstack, none).",
		}, []string{"method"},
	)
	ttlExpiries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slaved",
			Subsystem: "timer",
			Name:      "ttl_expiries_total",
			Help:      "Number of secured slaves cycled by TTL expiry.",
		}, []string{"slave"},
	)
	bulkQuiesceDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "slaved",
			Subsystem: "supervisor",
			Name:      "bulk_quiesce_depth",
			Help:      "Current nesting depth of DeactivateAll/ActivateAll calls.",
		},
	)
)

// Register registers all collectors with r. Safe to call multiple times;
// subsequent calls after success are no-ops (mirrors provisr's metrics
// package guard).
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		launchesStarted, launchesRetried, launchesFailed, stateTransitions,
		activeSlaves, faultAttributions, ttlExpiries, bulkQuiesceDepth,
	}
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

// Handler serves Prometheus metrics for the DefaultGatherer. The caller
// wires it onto an HTTP listener.
func Handler() http.Handler { return promhttp.Handler() }

// The helpers below no-op until Register succeeds, so callers can record
// metrics unconditionally without checking whether a metrics endpoint is
// configured.

func IncLaunchStarted(slaveName string) {
	if regOK.Load() {
		launchesStarted.WithLabelValues(slaveName).Inc()
	}
}

func IncLaunchRetried(slaveName string) {
	if regOK.Load() {
		launchesRetried.WithLabelValues(slaveName).Inc()
	}
}

func IncLaunchFailed(slaveName string) {
	if regOK.Load() {
		launchesFailed.WithLabelValues(slaveName).Inc()
	}
}

func RecordStateTransition(slaveName, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(slaveName, from, to).Inc()
	}
}

func SetActiveSlaves(n int) {
	if regOK.Load() {
		activeSlaves.Set(float64(n))
	}
}

func IncFaultAttribution(method string) {
	if regOK.Load() {
		faultAttributions.WithLabelValues(method).Inc()
	}
}

func IncTTLExpiry(slaveName string) {
	if regOK.Load() {
		ttlExpiries.WithLabelValues(slaveName).Inc()
	}
}

func SetBulkQuiesceDepth(depth int) {
	if regOK.Load() {
		bulkQuiesceDepth.Set(float64(depth))
	}
}
