// arXiv Messaging Service - Multi-Channel Notification Aggregation and Delivery
// Copyright 2026 arXiv.org
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/arxiv/messaging-service

// Package metrics exposes Prometheus instrumentation for ingestion,
// delivery, aggregation, and the event store.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion metrics.
	MessagesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messaging_bus_messages_received_total",
			Help: "Total number of bus messages pulled by the ingestion processor",
		},
	)

	MessagesAcked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_bus_messages_acked_total",
			Help: "Total number of bus messages acknowledged, by outcome",
		},
		[]string{"outcome"}, // "processed", "gateway", "discarded"
	)

	MessagesNacked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messaging_bus_messages_nacked_total",
			Help: "Total number of bus messages nacked for redelivery",
		},
	)

	EventsStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messaging_events_stored_total",
			Help: "Total number of events persisted by the ingestion processor",
		},
	)

	// Delivery metrics.
	DeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_delivery_attempts_total",
			Help: "Total delivery attempts by channel and result",
		},
		[]string{"channel", "result"}, // result: "success", "failure"
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "messaging_delivery_duration_seconds",
			Help:    "Duration of delivery attempts in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	// Aggregation metrics.
	AggregatesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_aggregates_delivered_total",
			Help: "Total digest deliveries by cadence and result",
		},
		[]string{"cadence", "result"},
	)

	FlushOperations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messaging_flush_operations_total",
			Help: "Total flush operations executed",
		},
	)

	// Store metrics.
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_store_operations_total",
			Help: "Total event store operations by kind and result",
		},
		[]string{"operation", "result"},
	)

	EventsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messaging_events_purged_total",
			Help: "Total events deleted after successful delivery",
		},
	)
)
