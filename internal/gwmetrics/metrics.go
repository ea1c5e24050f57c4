// Copyright Kilo Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package gwmetrics defines the prometheus collectors for the gateway.
package gwmetrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every collector the gateway records into. All collectors are
// registered against the registry passed to New, never the global default,
// so tests can use isolated registries.
type Metrics struct {
	// RequestsTotal counts finished requests by service and response code.
	RequestsTotal *prometheus.CounterVec
	// UpstreamAttemptsTotal counts individual upstream dispatch attempts.
	UpstreamAttemptsTotal *prometheus.CounterVec
	// UpstreamLatencySeconds observes per-attempt upstream round trips.
	UpstreamLatencySeconds *prometheus.HistogramVec
	// InFlight tracks concurrent upstream requests per backend.
	InFlight *prometheus.GaugeVec
	// QueueDepth tracks requests waiting on the per-backend concurrency cap.
	QueueDepth *prometheus.GaugeVec
	// AuthFailuresTotal counts rejected admissions by reason.
	AuthFailuresTotal *prometheus.CounterVec
	// ProbeUnreachable tracks whether the last health probe failed, per backend.
	ProbeUnreachable *prometheus.GaugeVec
}

// New creates and registers the gateway collectors.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Finished gateway requests by service and response code.",
		}, []string{"service", "code"}),
		UpstreamAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_upstream_attempts_total",
			Help: "Upstream dispatch attempts, including retries.",
		}, []string{"service"}),
		UpstreamLatencySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_upstream_latency_seconds",
			Help:    "Latency of individual upstream attempts.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service"}),
		InFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_upstream_in_flight",
			Help: "Concurrent upstream requests per backend.",
		}, []string{"service"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_backend_queue_depth",
			Help: "Requests queued on the per-backend concurrency cap.",
		}, []string{"service"}),
		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_auth_failures_total",
			Help: "Rejected admissions by reason.",
		}, []string{"reason"}),
		ProbeUnreachable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_backend_unreachable",
			Help: "1 if the last health probe of the backend failed, else 0.",
		}, []string{"service"}),
	}
	reg.MustRegister(
		m.RequestsTotal,
		m.UpstreamAttemptsTotal,
		m.UpstreamLatencySeconds,
		m.InFlight,
		m.QueueDepth,
		m.AuthFailuresTotal,
		m.ProbeUnreachable,
	)
	return m
}
