package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BackendsRunningGauge tracks the number of hosts with a live child
	// process right now.
	BackendsRunningGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hiberproxy",
		Name:      "backends_running",
		Help:      "Current number of hosts with a live backend process",
	})

	// StartsTotalCounter counts every app_started transition.
	StartsTotalCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hiberproxy",
		Name:      "starts_total",
		Help:      "Total number of backend start attempts, by host",
	}, []string{"host"})

	// StartFailuresTotalCounter counts every app_start_failed transition.
	StartFailuresTotalCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hiberproxy",
		Name:      "start_failures_total",
		Help:      "Total number of backend starts that failed to spawn or timed out before becoming healthy, by host",
	}, []string{"host"})

	// StopsTotalCounter counts every app_stopped transition.
	StopsTotalCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hiberproxy",
		Name:      "stops_total",
		Help:      "Total number of idle-timeout backend stops, by host",
	}, []string{"host"})

	// StopFailuresTotalCounter counts every app_stop_failed transition.
	StopFailuresTotalCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hiberproxy",
		Name:      "stop_failures_total",
		Help:      "Total number of backend stops that did not confirm unreachable within stop_timeout, by host",
	}, []string{"host"})

	// ColdStartPageServedTotalCounter counts 202 cold-start-page responses.
	ColdStartPageServedTotalCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hiberproxy",
		Name:      "cold_start_page_served_total",
		Help:      "Total number of cold-start loading page responses served, by host",
	}, []string{"host"})

	// SinkQueueDepthGauge tracks the current depth of the run/log sink's
	// write queue, mirroring the teacher's worker-pool queue-depth gauge.
	SinkQueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hiberproxy",
		Name:      "sink_queue_depth",
		Help:      "Current number of pending events in the run/log sink write queue",
	})

	// FailedStartCountGauge tracks consecutive start failures per host,
	// reset to 0 on the next successful start — unlike
	// StartFailuresTotalCounter (a monotonic lifetime total), this surfaces
	// a currently-flapping host directly, modeled on the teacher-adjacent
	// llama-swap proxy's failedStartCount field.
	FailedStartCountGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hiberproxy",
		Name:      "failed_start_count",
		Help:      "Consecutive backend start failures for this host, reset on the next successful start",
	}, []string{"host"})
)
