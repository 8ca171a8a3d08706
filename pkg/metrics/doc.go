/*
Package metrics provides Prometheus metrics collection and exposition for Steward.

The metrics package defines and registers all Steward metrics using the
Prometheus client library, providing observability into tenant lifecycle,
provisioning, dunning, backups, the event bus and the webhook surface.
Metrics are exposed via the admin HTTP endpoint for scraping.

# Metric Categories

Tenants and lifecycle:
  - steward_tenants_total{state}: tenants by lifecycle state (gauge)
  - steward_lifecycle_transitions_total{to,reason}: applied transitions

Provisioning:
  - steward_provision_duration_seconds: end-to-end workflow duration
  - steward_provisions_total{outcome}: succeeded / rolled_back
  - steward_provision_step_retries_total{step}: transient retries

Dunning:
  - steward_dunning_ticks_total{outcome}: led / skipped / failed
  - steward_dunning_tick_duration_seconds
  - steward_dunning_events_emitted_total{type}

Backups:
  - steward_backups_total{kind,outcome}, steward_restores_total{outcome}
  - steward_backup_duration_seconds{kind}, steward_backup_size_bytes{kind}
  - steward_backup_records_total

Event bus:
  - steward_bus_queue_depth{type}, steward_bus_overflow_total
  - steward_bus_dropped_total{reason}, steward_bus_parked_total
  - steward_events_processed_total{type,outcome}

Webhooks and gateway:
  - steward_webhook_invalid_signature_total
  - steward_webhook_events_total{event,action}
  - steward_gateway_request_duration_seconds{method}
  - steward_gateway_retries_total

# Usage

Timing an operation:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.BackupDuration, string(kind))

Counting outcomes:

	metrics.BackupsTotal.WithLabelValues(string(kind), "completed").Inc()

Exposition:

	mux.Handle("/metrics", metrics.Handler())

# Health Checking

The package also carries the component health registry backing /health
and /ready. Components report in with RegisterComponent/UpdateComponent;
readiness requires store, bus and api to all be healthy. The Collector
refreshes store-derived gauges every 15 seconds.
*/
package metrics
