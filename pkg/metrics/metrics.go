// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for fwdproxy.
package metrics

import (
	"github.com/absmach/fwdproxy/pkg/breaker"
	"github.com/absmach/fwdproxy/pkg/pool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for fwdproxy.
type Metrics struct {
	// Session metrics
	ActiveSessions prometheus.Gauge
	SessionsTotal  *prometheus.CounterVec

	// Transaction metrics
	TransactionsTotal   *prometheus.CounterVec
	TransactionDuration *prometheus.HistogramVec
	BytesTotal          *prometheus.CounterVec
	ErrorsTotal         *prometheus.CounterVec
	UpstreamConnections *prometheus.CounterVec
	RetriesTotal        prometheus.Counter
	TunnelsTotal        prometheus.Counter

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec

	factory   promauto.Factory
	namespace string
}

// New creates a new Metrics instance registered with reg. A nil reg
// selects prometheus.DefaultRegisterer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "fwdproxy"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &Metrics{
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of currently open client connections",
			},
		),
		SessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Total number of client connections",
			},
			[]string{"status"},
		),
		TransactionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_total",
				Help:      "Total number of request/response transactions",
			},
			[]string{"method", "status"},
		),
		TransactionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transaction_duration_seconds",
				Help:      "Transaction duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		BytesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_total",
				Help:      "Total number of bytes relayed",
			},
			[]string{"direction"},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors by kind",
			},
			[]string{"kind"},
		),
		UpstreamConnections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_connections_total",
				Help:      "Upstream connections used by transactions",
			},
			[]string{"source"},
		),
		RetriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Transactions replayed after a pooled connection failed",
			},
		),
		TunnelsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tunnels_total",
				Help:      "Total number of CONNECT and upgrade tunnels",
			},
		),
		CircuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"upstream"},
		),
		CircuitBreakerTrips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"upstream"},
		),
		factory:   factory,
		namespace: namespace,
	}

	return m
}

// ObserveBreaker records a circuit breaker state change. It matches
// breaker.StateChangeFunc.
func (m *Metrics) ObserveBreaker(name string, from, to breaker.State) {
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
	if to == breaker.StateOpen {
		m.CircuitBreakerTrips.WithLabelValues(name).Inc()
	}
}

// RegisterPool exports the counters of p.
func (m *Metrics) RegisterPool(p *pool.Pool) {
	m.factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      "pool_idle_connections",
			Help:      "Idle upstream connections in the pool",
		},
		func() float64 { return float64(p.Stats().Idle) },
	)
	m.factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      "pool_active_connections",
			Help:      "Upstream connections currently borrowed from the pool",
		},
		func() float64 { return float64(p.Stats().Active) },
	)
	m.factory.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Name:      "pool_dials_total",
			Help:      "Upstream connections dialed by the pool",
		},
		func() float64 { return float64(p.Stats().Dials) },
	)
}
