// Package metrics exposes Prometheus collectors for sync runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsync_runs_total",
			Help: "Total number of sync runs by final phase",
		},
		[]string{"phase"},
	)

	SyncFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsync_run_failed_total",
			Help: "Total number of sync runs aborted by a fatal error",
		},
		[]string{"error_type"},
	)

	SyncFiles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsync_files_total",
			Help: "Total number of files processed by outcome",
		},
		[]string{"outcome"},
	)

	SyncBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docsync_bytes_written_total",
			Help: "Total number of bytes written to the docs directory",
		},
	)

	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docsync_run_duration_seconds",
			Help:    "Sync run duration in seconds",
			Buckets: []float64{0.1, 0.2, 0.5, 1, 1.5, 2, 5, 10, 30, 60, 120},
		},
		[]string{"repo"},
	)

	PublishFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsync_publish_failed_total",
			Help: "Total number of failed commit or push operations",
		},
		[]string{"stage"},
	)

	LastSyncStart = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docsync_last_run_start_timestamp",
			Help: "Unix timestamp of when the last sync run started",
		},
		[]string{"repo"},
	)

	LastSyncEnd = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docsync_last_run_end_timestamp",
			Help: "Unix timestamp of when the last sync run ended",
		},
		[]string{"repo"},
	)

	WebhookRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsync_webhook_requests_total",
			Help: "Total number of webhook requests by response status",
		},
		[]string{"status"},
	)
)
