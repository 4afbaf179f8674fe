// Package telemetry provides Prometheus metrics for the bridge service.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects counters for webhook, reconciliation and completion
// outcomes. A nil *Metrics is a no-op so core packages can run without a
// registry in tests.
type Metrics struct {
	registry *prometheus.Registry

	webhooksReceived *prometheus.CounterVec
	reconciles       *prometheus.CounterVec
	completions      *prometheus.CounterVec
	completeSets     prometheus.Counter
	workOrders       *prometheus.CounterVec
	remoteCallErrors *prometheus.CounterVec
	bomsFlagged      prometheus.Counter
}

// New creates a metrics collector on a private registry.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		webhooksReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhooks_received_total",
				Help:      "Total webhook callbacks received, by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		reconciles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciles_total",
				Help:      "Total workflow snapshot reconciliations, by outcome",
			},
			[]string{"outcome"},
		),
		completions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "completions_total",
				Help:      "Total work order completion applications, by outcome",
			},
			[]string{"outcome"},
		),
		completeSets: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "complete_sets_total",
				Help:      "Total complete sets of work orders processed",
			},
		),
		workOrders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "work_orders_total",
				Help:      "Total remote work order operations, by action",
			},
			[]string{"action"},
		),
		remoteCallErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_call_errors_total",
				Help:      "Total failed calls to the Pico endpoint, by kind",
			},
			[]string{"kind"},
		),
		bomsFlagged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "boms_flagged_total",
				Help:      "Total BOMs flagged for operator follow-up",
			},
		),
	}

	registry.MustRegister(
		m.webhooksReceived,
		m.reconciles,
		m.completions,
		m.completeSets,
		m.workOrders,
		m.remoteCallErrors,
		m.bomsFlagged,
	)
	return m
}

// Handler returns the HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WebhookReceived records an inbound callback.
func (m *Metrics) WebhookReceived(method, outcome string) {
	if m == nil {
		return
	}
	m.webhooksReceived.WithLabelValues(method, outcome).Inc()
}

// ReconcileDone records a reconciliation outcome.
func (m *Metrics) ReconcileDone(outcome string) {
	if m == nil {
		return
	}
	m.reconciles.WithLabelValues(outcome).Inc()
}

// CompletionDone records a completion application outcome.
func (m *Metrics) CompletionDone(outcome string) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(outcome).Inc()
}

// CompleteSet records one processed complete set.
func (m *Metrics) CompleteSet() {
	if m == nil {
		return
	}
	m.completeSets.Inc()
}

// WorkOrderAction records a remote work order create or delete.
func (m *Metrics) WorkOrderAction(action string) {
	if m == nil {
		return
	}
	m.workOrders.WithLabelValues(action).Inc()
}

// RemoteCallError records a failed Pico endpoint call.
func (m *Metrics) RemoteCallError(kind string) {
	if m == nil {
		return
	}
	m.remoteCallErrors.WithLabelValues(kind).Inc()
}

// BomFlagged records a recipe flagged for follow-up.
func (m *Metrics) BomFlagged() {
	if m == nil {
		return
	}
	m.bomsFlagged.Inc()
}
