// Copyright (C) 2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package metrics exposes prometheus instrumentation for the coordinator
// API surface.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type SettlementMetrics struct {
	IntentRequestCount   prometheus.Counter
	IntentRequestErrors  *prometheus.CounterVec
	IntentLatencyMS      prometheus.Gauge
	SettlementsFinalized prometheus.Counter
	SettlementsFailed    prometheus.Counter
}

func NewSettlementMetrics(registerer prometheus.Registerer) *SettlementMetrics {
	m := &SettlementMetrics{
		IntentRequestCount: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "intent_requests_count",
				Help: "Number of intent submissions received",
			},
		),
		IntentRequestErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intent_request_errors_count",
				Help: "Number of rejected intent submissions by reason",
			},
			[]string{"reason"},
		),
		IntentLatencyMS: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "intent_latency_ms",
				Help: "Latency of the most recent intent submission in milliseconds",
			},
		),
		SettlementsFinalized: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "settlements_finalized_count",
				Help: "Number of settlements finalized",
			},
		),
		SettlementsFailed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "settlements_failed_count",
				Help: "Number of settlements that failed after reservation",
			},
		),
	}
	registerer.MustRegister(
		m.IntentRequestCount,
		m.IntentRequestErrors,
		m.IntentLatencyMS,
		m.SettlementsFinalized,
		m.SettlementsFailed,
	)
	return m
}

// StartMetricsServer serves the registry on its own port
func StartMetricsServer(logger log.Logger, port uint16) *prometheus.Registry {
	registry := prometheus.NewRegistry()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	go func() {
		addr := fmt.Sprintf(":%d", port)
		logger.Info("starting metrics server")
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics server exited", log.Err(err))
		}
	}()

	return registry
}
