// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the backend.
//
// Metrics are registered once via promauto and exposed on /metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "tidepool"

// Metrics holds all Prometheus collectors for the backend.
type Metrics struct {
	// OperationsTotal counts finished LLM operations.
	// Labels: type (summarize, ask, transform), status (completed, failed)
	OperationsTotal *prometheus.CounterVec

	// OperationDurationSeconds measures background task wall clock.
	// Labels: type
	OperationDurationSeconds *prometheus.HistogramVec

	// DocumentsIngestedTotal counts document pipeline outcomes.
	// Labels: status (completed, failed)
	DocumentsIngestedTotal *prometheus.CounterVec

	// ChunksIndexedTotal counts chunks written to the vector index.
	ChunksIndexedTotal prometheus.Counter

	// WorkflowStepsTotal counts executed graph steps.
	// Labels: node_type
	WorkflowStepsTotal *prometheus.CounterVec

	// WorkflowExecutionsTotal counts finished executions.
	// Labels: status (completed, failed, interrupted)
	WorkflowExecutionsTotal *prometheus.CounterVec

	// ActiveStreams tracks open SSE connections.
	ActiveStreams prometheus.Gauge

	// TokensTotal counts provider tokens.
	// Labels: direction (input, output)
	TokensTotal *prometheus.CounterVec
}

// Default is the singleton registered at startup.
var Default = newMetrics()

func newMetrics() *Metrics {
	return &Metrics{
		OperationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "operations_total",
			Help:      "Finished LLM operations by type and status.",
		}, []string{"type", "status"}),
		OperationDurationSeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "operation_duration_seconds",
			Help:      "Background operation wall-clock duration.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"type"}),
		DocumentsIngestedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "documents_ingested_total",
			Help:      "Document pipeline outcomes.",
		}, []string{"status"}),
		ChunksIndexedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "chunks_indexed_total",
			Help:      "Chunks written to the vector index.",
		}),
		WorkflowStepsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "workflow_steps_total",
			Help:      "Executed workflow graph steps by node type.",
		}, []string{"node_type"}),
		WorkflowExecutionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "workflow_executions_total",
			Help:      "Finished workflow executions by status.",
		}, []string{"status"}),
		ActiveStreams: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_streams",
			Help:      "Open SSE streaming connections.",
		}),
		TokensTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tokens_total",
			Help:      "Provider tokens by direction.",
		}, []string{"direction"}),
	}
}
