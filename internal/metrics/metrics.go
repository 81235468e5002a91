// Arbormap - Cross-Domain Content Repository Synchronization
// Copyright 2026 Arbormap Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arbormap/arbormap

// Package metrics provides Prometheus instrumentation for:
// - Remote API request latency and failures
// - Fetch, import, update and complement step progress
// - Identity map (soup) operations
// - Admin API endpoint latency and throughput
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Remote API Metrics
	RemoteRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remote_request_duration_seconds",
			Help:    "Duration of remote API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"domain", "resource"},
	)

	RemoteRequestErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remote_request_errors_total",
			Help: "Total number of failed remote API requests",
		},
		[]string{"domain", "resource", "error_type"},
	)

	RemoteRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remote_request_retries_total",
			Help: "Total number of remote request retry attempts",
		},
		[]string{"domain"},
	)

	RemotePagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remote_pages_fetched_total",
			Help: "Total number of result pages fetched from remote APIs",
		},
		[]string{"domain"},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// Fetch Step Metrics
	FetchItemsRegistered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetch_items_registered_total",
			Help: "Total number of remote items registered in the identity map",
		},
		[]string{"domain"},
	)

	FetchAncestorsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetch_ancestors_resolved_total",
			Help: "Total number of missing ancestors fetched individually",
		},
		[]string{"domain"},
	)

	// Identity Map Metrics
	SoupInserts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soup_inserts_total",
			Help: "Total number of identity map records inserted",
		},
		[]string{"domain"},
	)

	SoupDuplicates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soup_duplicate_inserts_total",
			Help: "Total number of identity map inserts rejected as duplicates",
		},
		[]string{"domain"},
	)

	SoupQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "soup_query_duration_seconds",
			Help:    "Duration of identity map queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	SoupCheckpoints = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soup_checkpoints_total",
			Help: "Total number of identity map transaction checkpoints",
		},
		[]string{"domain"},
	)

	// Import Step Metrics
	ImportObjects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "import_objects_total",
			Help: "Total number of objects processed during import",
		},
		[]string{"domain", "result"}, // result: "created", "updated", "skipped", "failed"
	)

	ImportWorkflowTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "import_workflow_transitions_total",
			Help: "Total number of workflow transitions replayed onto local objects",
		},
		[]string{"domain"},
	)

	ImportDeferredFields = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "import_deferred_fields_total",
			Help: "Total number of field assignments deferred to a later pass",
		},
		[]string{"domain", "kind"}, // kind: "reference", "proxy"
	)

	// Sync Run Metrics
	SyncStepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_step_duration_seconds",
			Help:    "Duration of sync steps in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"domain", "step"}, // step: "fetch", "import", "update", "complement"
	)

	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_runs_total",
			Help: "Total number of sync runs",
		},
		[]string{"domain", "step", "outcome"}, // outcome: "success", "failure"
	)

	SyncLastSuccess = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_last_success_timestamp",
			Help: "Unix timestamp of the last successful sync run",
		},
		[]string{"domain", "step"},
	)

	SyncRecordsWaiting = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_records_waiting",
			Help: "Records parked during update because their parent was not importable yet",
		},
		[]string{"domain"},
	)

	// API Endpoint Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "api_active_requests",
			Help: "Current number of active API requests",
		},
	)
)

// RecordRemoteRequest records latency and outcome of a remote API call.
func RecordRemoteRequest(domain, resource string, duration time.Duration, errorType string) {
	RemoteRequestDuration.WithLabelValues(domain, resource).Observe(duration.Seconds())
	if errorType != "" {
		RemoteRequestErrors.WithLabelValues(domain, resource, errorType).Inc()
	}
}

// RecordAPIRequest records an admin API request metric.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordSyncStep records the duration and outcome of one sync step run.
func RecordSyncStep(domain, step string, duration time.Duration, err error) {
	SyncStepDuration.WithLabelValues(domain, step).Observe(duration.Seconds())
	if err != nil {
		SyncRunsTotal.WithLabelValues(domain, step, "failure").Inc()
		return
	}
	SyncRunsTotal.WithLabelValues(domain, step, "success").Inc()
	SyncLastSuccess.WithLabelValues(domain, step).Set(float64(time.Now().Unix()))
}

// RecordImportObject records the outcome of a single object import.
func RecordImportObject(domain, result string) {
	ImportObjects.WithLabelValues(domain, result).Inc()
}

// TrackActiveRequest tracks active API requests.
func TrackActiveRequest(inc bool) {
	if inc {
		APIActiveRequests.Inc()
	} else {
		APIActiveRequests.Dec()
	}
}
