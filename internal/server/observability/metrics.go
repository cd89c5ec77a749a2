// Package observability defines the server's Prometheus metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RegisteredAgents tracks the live connection registry size.
	RegisteredAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fluxguard_registered_agents",
		Help: "Number of agent channels currently held in the connection registry",
	})

	// RegisteredDashboards tracks subscribed dashboard sessions.
	RegisteredDashboards = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fluxguard_registered_dashboards",
		Help: "Number of dashboard sessions currently subscribed",
	})

	// TasksDispatched counts run_task envelopes sent by the dispatcher.
	TasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxguard_tasks_dispatched_total",
		Help: "Total run_task envelopes sent to agents",
	}, []string{"target_type"})

	// TaskResultsReceived counts task_result messages handled.
	TaskResultsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxguard_task_results_total",
		Help: "Total task_result messages received",
	}, []string{"status"})

	// DeviceOfflineTransitions counts offline transitions.
	DeviceOfflineTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fluxguard_device_offline_transitions_total",
		Help: "Total device online→offline transitions detected",
	})

	// AlertsFired counts alert rule triggers.
	AlertsFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxguard_alerts_fired_total",
		Help: "Total alert rule firings",
	}, []string{"rule", "action"})

	// PushBridgeDeliveries counts push bridge forwards.
	PushBridgeDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxguard_push_bridge_deliveries_total",
		Help: "Total push bridge command deliveries",
	}, []string{"mode"}) // targeted, broadcast

	// CheckinRateLimited counts check-in requests rejected by storm protection.
	CheckinRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fluxguard_checkin_rate_limited_total",
		Help: "Total check-in requests rejected by rate limiting",
	})

	// MalformedMessages counts dropped inbound channel messages.
	MalformedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxguard_malformed_messages_total",
		Help: "Total malformed or unrecognized inbound channel messages dropped",
	}, []string{"source"}) // agent, dashboard
)
