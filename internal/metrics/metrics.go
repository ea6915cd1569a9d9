// Package metrics holds the Prometheus collectors updated by the signal
// pipeline, the exit monitor and the reconciler.
//
//   - tradehook_signals_total{event_type,status}      signals by final status
//   - tradehook_account_outcomes_total{status,action} per-account outcomes
//   - tradehook_orders_total{account,side,result}     orders sent to exchanges
//   - tradehook_monitor_triggers_total{result}        take-profit level triggers
//   - tradehook_monitored_positions                   positions under price watch
//   - tradehook_reconcile_closed_total                positions force-closed by reconciliation
//   - tradehook_store_retries_total                   storage contention retries
//   - tradehook_http_request_duration_seconds{route,code}
//   - tradehook_webhook_rate_limited_total            webhook requests rejected by the rate limiter
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Signals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradehook_signals_total",
			Help: "Inbound signals by event type and final status",
		},
		[]string{"event_type", "status"},
	)

	AccountOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradehook_account_outcomes_total",
			Help: "Per-account signal outcomes",
		},
		[]string{"status", "action"},
	)

	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradehook_orders_total",
			Help: "Orders sent to exchanges",
		},
		[]string{"account", "side", "result"},
	)

	MonitorTriggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradehook_monitor_triggers_total",
			Help: "Take-profit levels triggered by the price monitor",
		},
		[]string{"result"},
	)

	MonitoredPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradehook_monitored_positions",
			Help: "Positions currently watched by the price monitor",
		},
	)

	ReconcileClosed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tradehook_reconcile_closed_total",
			Help: "Positions force-closed because the exchange reported them flat",
		},
	)

	StoreRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tradehook_store_retries_total",
			Help: "Storage operations retried after a transient error",
		},
	)

	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tradehook_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern and status code",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "code"},
	)

	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tradehook_webhook_rate_limited_total",
			Help: "Webhook requests rejected by the rate limiter",
		},
	)

	JobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradehook_job_runs_total",
			Help: "Scheduled job runs by job name and result",
		},
		[]string{"job", "result"},
	)

	ArchivedRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradehook_archived_records_total",
			Help: "Records exported to object storage",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		Signals,
		AccountOutcomes,
		Orders,
		MonitorTriggers,
		MonitoredPositions,
		ReconcileClosed,
		StoreRetries,
		HTTPDuration,
		RateLimited,
		JobRuns,
		ArchivedRecords,
	)
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
