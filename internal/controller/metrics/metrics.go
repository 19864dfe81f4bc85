// Package metrics exposes the controller's Prometheus instruments. All
// collectors register on the default registry and are served by the API's
// /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectedAgents is the number of agents currently holding an open
	// control channel.
	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bhive",
		Subsystem: "controller",
		Name:      "connected_agents",
		Help:      "Number of agents with an open control channel.",
	})

	// TasksDispatched counts task messages published to agent inboxes,
	// labeled by task type.
	TasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bhive",
		Subsystem: "controller",
		Name:      "tasks_dispatched_total",
		Help:      "Task messages published to agent inboxes, by type.",
	}, []string{"type"})

	// ResponsesStored counts upstream responses persisted by the result
	// store, labeled by response type.
	ResponsesStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bhive",
		Subsystem: "controller",
		Name:      "responses_stored_total",
		Help:      "Agent responses persisted by the result store, by type.",
	}, []string{"type"})

	// DRTriggers counts restore workflows initiated by the disaster
	// recovery monitor.
	DRTriggers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bhive",
		Subsystem: "controller",
		Name:      "dr_triggers_total",
		Help:      "Restore workflows initiated by the DR monitor.",
	})
)
