package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Tenant metrics
	TenantsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "steward_tenants_total",
			Help: "Total number of tenants by lifecycle state",
		},
		[]string{"state"},
	)

	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_lifecycle_transitions_total",
			Help: "Total number of lifecycle transitions by target state and reason",
		},
		[]string{"to", "reason"},
	)

	InvoicesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "steward_invoices_total",
			Help: "Total number of mirrored invoices by status",
		},
		[]string{"status"},
	)

	BackupRecordsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "steward_backup_records_total",
			Help: "Total number of recorded backups",
		},
	)

	// Provision metrics
	ProvisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "steward_provision_duration_seconds",
			Help:    "End-to-end provision workflow duration in seconds",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 900},
		},
	)

	ProvisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_provisions_total",
			Help: "Total number of provision workflows by outcome",
		},
		[]string{"outcome"},
	)

	ProvisionStepRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_provision_step_retries_total",
			Help: "Total number of retried provision steps by step name",
		},
		[]string{"step"},
	)

	// Dunning metrics
	DunningTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "steward_dunning_tick_duration_seconds",
			Help:    "Dunning tick duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DunningTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_dunning_ticks_total",
			Help: "Total number of dunning ticks by outcome (led, skipped, failed)",
		},
		[]string{"outcome"},
	)

	DunningEventsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_dunning_events_emitted_total",
			Help: "Total number of dunning events emitted by event type",
		},
		[]string{"type"},
	)

	// Backup metrics
	BackupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "steward_backup_duration_seconds",
			Help:    "Backup duration in seconds by kind",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"kind"},
	)

	BackupSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "steward_backup_size_bytes",
			Help:    "Size of uploaded backup archives by kind",
			Buckets: prometheus.ExponentialBuckets(1<<20, 4, 8),
		},
		[]string{"kind"},
	)

	BackupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_backups_total",
			Help: "Total number of backups by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	RestoresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_restores_total",
			Help: "Total number of restores by outcome",
		},
		[]string{"outcome"},
	)

	// Event bus metrics
	BusDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "steward_bus_queue_depth",
			Help: "Current number of queued events by event type",
		},
		[]string{"type"},
	)

	BusOverflow = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "steward_bus_overflow_total",
			Help: "Total number of events dropped because a tenant queue was full",
		},
	)

	BusDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_bus_dropped_total",
			Help: "Total number of events dropped at dequeue by reason (expired, invalidated)",
		},
		[]string{"reason"},
	)

	BusParked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "steward_bus_parked_total",
			Help: "Total number of events parked after exhausting handler retries",
		},
	)

	EventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_events_processed_total",
			Help: "Total number of events processed by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	// Webhook metrics
	WebhookInvalidSignature = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "steward_webhook_invalid_signature_total",
			Help: "Total number of webhook deliveries rejected for a bad signature",
		},
	)

	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_webhook_events_total",
			Help: "Total number of webhook deliveries by gateway event and action",
		},
		[]string{"event", "action"},
	)

	// Gateway metrics
	GatewayRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "steward_gateway_request_duration_seconds",
			Help:    "Payment gateway request duration in seconds by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	GatewayRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "steward_gateway_retries_total",
			Help: "Total number of retried payment gateway calls",
		},
	)

	// Orchestrator metrics
	OrchestratorRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_orchestrator_requests_total",
			Help: "Total number of orchestrator operations by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	// Object store metrics
	ObjectStoreRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_objectstore_requests_total",
			Help: "Total number of archive store operations by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "steward_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TenantsTotal)
	prometheus.MustRegister(TransitionsTotal)
	prometheus.MustRegister(InvoicesTotal)
	prometheus.MustRegister(BackupRecordsTotal)
	prometheus.MustRegister(ProvisionDuration)
	prometheus.MustRegister(ProvisionsTotal)
	prometheus.MustRegister(ProvisionStepRetries)
	prometheus.MustRegister(DunningTickDuration)
	prometheus.MustRegister(DunningTicksTotal)
	prometheus.MustRegister(DunningEventsEmitted)
	prometheus.MustRegister(BackupDuration)
	prometheus.MustRegister(BackupSizeBytes)
	prometheus.MustRegister(BackupsTotal)
	prometheus.MustRegister(RestoresTotal)
	prometheus.MustRegister(BusDepth)
	prometheus.MustRegister(BusOverflow)
	prometheus.MustRegister(BusDropped)
	prometheus.MustRegister(BusParked)
	prometheus.MustRegister(EventsProcessed)
	prometheus.MustRegister(WebhookInvalidSignature)
	prometheus.MustRegister(WebhookEventsTotal)
	prometheus.MustRegister(GatewayRequestDuration)
	prometheus.MustRegister(GatewayRetries)
	prometheus.MustRegister(OrchestratorRequests)
	prometheus.MustRegister(ObjectStoreRequests)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
