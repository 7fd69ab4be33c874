package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Supervisor Metrics
var (
	SupervisorOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pluginmanager_supervisor_operations_total",
			Help: "Total number of supervisor operations",
		},
		[]string{"op", "result"}, // op: start, stop, kill, pause, resume, restart; result: success or error kind
	)

	SupervisorOperationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pluginmanager_supervisor_operation_duration_seconds",
			Help:    "Duration of supervisor operations in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 15, 20},
		},
		[]string{"op"},
	)

	SupervisorActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pluginmanager_supervisor_active_jobs",
			Help: "Number of plugin jobs currently tracked by the supervisor",
		},
	)

	SupervisorBulkFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pluginmanager_supervisor_bulk_failures_total",
			Help: "Total number of individual failures inside bulk operations",
		},
		[]string{"op"},
	)

	SupervisorEscalationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pluginmanager_supervisor_kill_escalations_total",
			Help: "Total number of kills escalated from terminate to force kill",
		},
	)
)

// Router Metrics
var (
	RouterMessagesReceivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pluginmanager_router_messages_received_total",
			Help: "Total number of messages taken from the shared mailbox",
		},
	)

	RouterDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pluginmanager_router_deliveries_total",
			Help: "Total number of per-listener delivery attempts",
		},
		[]string{"result"}, // delivered, dropped, error
	)

	RouterListenersPrunedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pluginmanager_router_listeners_pruned_total",
			Help: "Total number of listeners removed from the directory",
		},
	)

	RouterListeners = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pluginmanager_router_listeners",
			Help: "Number of listeners registered in the directory",
		},
	)

	RouterSweepDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pluginmanager_router_sweep_duration_seconds",
			Help:    "Duration of listener liveness sweeps in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Gateway Metrics
var (
	UplinkAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pluginmanager_uplink_attempts_total",
			Help: "Total number of uplink send attempts",
		},
		[]string{"kind", "result"}, // kind: registration, message; result: success, failure
	)

	UplinkMessagesSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pluginmanager_uplink_messages_sent_total",
			Help: "Total number of messages sent to the collector",
		},
	)

	UplinkConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pluginmanager_uplink_connected",
			Help: "Whether the last uplink attempt succeeded (1) or failed (0)",
		},
	)

	DownlinkFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pluginmanager_downlink_frames_total",
			Help: "Total number of frames read from the collector",
		},
		[]string{"result"}, // accepted, malformed, dropped
	)

	DownlinkConnectErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pluginmanager_downlink_connect_errors_total",
			Help: "Total number of downlink connection cycles that failed",
		},
	)
)

// Plugin Metrics, reported by the system_status plugin
var (
	HostMemoryUsedPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pluginmanager_host_memory_used_percent",
			Help: "Host memory usage percentage",
		},
	)

	HostDiskUsedPercent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pluginmanager_host_disk_used_percent",
			Help: "Host disk usage percentage",
		},
		[]string{"path"},
	)

	HostLoad1 = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pluginmanager_host_load1",
			Help: "Host one minute load average",
		},
	)
)

// Control Socket Metrics
var (
	ControlCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pluginmanager_control_commands_total",
			Help: "Total number of control socket commands",
		},
		[]string{"command", "status"},
	)
)

// Health Server Metrics
var (
	HealthChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pluginmanager_health_checks_total",
			Help: "Total number of gRPC health checks answered",
		},
		[]string{"service", "code"},
	)

	HealthCheckDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pluginmanager_health_check_duration_seconds",
			Help:    "Duration of gRPC health checks in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	HealthWatchUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pluginmanager_health_watch_updates_total",
			Help: "Total number of status updates sent to health watchers",
		},
		[]string{"service"},
	)
)
