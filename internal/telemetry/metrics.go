// Package telemetry exposes the pipeline's Prometheus collectors.
// External monitoring scrapes these from the daemon's /metrics
// endpoint; the pipeline itself never branches on them.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitewatch",
		Name:      "frames_processed_total",
		Help:      "Frames fully dispatched through all assigned models.",
	}, []string{"camera_id"})

	FrameTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitewatch",
		Name:      "frame_timeouts_total",
		Help:      "Frame waits that timed out at the source adapter.",
	}, []string{"camera_id"})

	ModelTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitewatch",
		Name:      "model_timeouts_total",
		Help:      "Model invocations that exceeded their inference deadline.",
	}, []string{"camera_id", "model_id"})

	ModelErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitewatch",
		Name:      "model_errors_total",
		Help:      "Model invocations that failed for reasons other than the deadline.",
	}, []string{"camera_id", "model_id"})

	WorkerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitewatch",
		Name:      "worker_state_transitions_total",
		Help:      "Camera worker state transitions, labeled by target state.",
	}, []string{"camera_id", "state"})

	WorkerFaults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitewatch",
		Name:      "worker_faults_total",
		Help:      "Camera workers that exhausted their retry budget and were surfaced for maintenance.",
	}, []string{"camera_id"})

	RunningWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sitewatch",
		Name:      "running_workers",
		Help:      "Camera workers currently admitted and running.",
	})

	QueuedCameras = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sitewatch",
		Name:      "queued_cameras",
		Help:      "Eligible cameras waiting on the concurrency ceiling.",
	})

	IncidentsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitewatch",
		Name:      "incidents_created_total",
		Help:      "New violation incidents opened by the deduplicator.",
	}, []string{"camera_id", "type"})

	IncidentsEscalated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitewatch",
		Name:      "incidents_escalated_total",
		Help:      "Escalation events emitted for already-open incidents.",
	}, []string{"camera_id", "type"})

	IncidentsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitewatch",
		Name:      "incidents_suppressed_total",
		Help:      "Candidates collapsed into an already-open incident without escalation.",
	}, []string{"camera_id", "type"})
)
