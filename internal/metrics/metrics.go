/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics defines Prometheus metrics for the quaestor service.
//
// All metrics are registered with the default registry so they are served
// from the /metrics endpoint without further wiring.
//
// Metric naming follows Prometheus conventions:
//   - quaestor_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quaestorhq/quaestor/internal/queue"
)

var (
	// JobsTotal counts processed jobs by queue and terminal outcome.
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quaestor_jobs_total",
			Help: "Total number of processed jobs by queue and outcome.",
		},
		[]string{"queue", "status"},
	)

	// JobDurationSeconds is a histogram of handler duration by queue.
	JobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quaestor_job_duration_seconds",
			Help:    "Duration of job handler execution in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"queue"},
	)

	// QueueDepth tracks job counts per queue and state.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quaestor_queue_depth",
			Help: "Number of jobs per queue and state.",
		},
		[]string{"queue", "state"},
	)

	// TransactionsTotal counts transactions by chain and terminal status.
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quaestor_transactions_total",
			Help: "Total number of transactions by chain and status.",
		},
		[]string{"chain", "status"},
	)

	// BroadcastAttemptsTotal counts broadcast attempts by chain and outcome.
	BroadcastAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quaestor_broadcast_attempts_total",
			Help: "Total number of raw transaction broadcast attempts.",
		},
		[]string{"chain", "outcome"},
	)

	// ConfirmationSeconds is a histogram of broadcast-to-receipt latency.
	ConfirmationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quaestor_confirmation_seconds",
			Help:    "Seconds between broadcast and receipt confirmation.",
			Buckets: []float64{1, 3, 6, 12, 30, 60, 120},
		},
		[]string{"chain"},
	)

	// ApprovalsTotal counts approval resolutions by decision.
	ApprovalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quaestor_approvals_total",
			Help: "Total number of resolved approval requests by decision.",
		},
		[]string{"decision"},
	)

	// NotificationsTotal counts notification deliveries by channel and outcome.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quaestor_notifications_total",
			Help: "Total number of notification deliveries by channel.",
		},
		[]string{"channel", "status"},
	)

	// EventSubscribers is the number of live event bus subscribers.
	EventSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quaestor_event_subscribers",
			Help: "Number of live event bus subscribers.",
		},
	)

	// EventDropsTotal counts events dropped on saturated subscriber buffers.
	EventDropsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quaestor_event_drops_total",
			Help: "Total events dropped because a subscriber buffer was full.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		JobsTotal,
		JobDurationSeconds,
		QueueDepth,
		TransactionsTotal,
		BroadcastAttemptsTotal,
		ConfirmationSeconds,
		ApprovalsTotal,
		NotificationsTotal,
		EventSubscribers,
		EventDropsTotal,
	)
}

// RecordJob records one processed job.
func RecordJob(queueName, status string, duration time.Duration) {
	JobsTotal.WithLabelValues(queueName, status).Inc()
	JobDurationSeconds.WithLabelValues(queueName).Observe(duration.Seconds())
}

// SetQueueDepth publishes the current per-state counts for a queue.
func SetQueueDepth(queueName string, c queue.Counts) {
	QueueDepth.WithLabelValues(queueName, "pending").Set(float64(c.Pending))
	QueueDepth.WithLabelValues(queueName, "active").Set(float64(c.Active))
	QueueDepth.WithLabelValues(queueName, "delayed").Set(float64(c.Delayed))
	QueueDepth.WithLabelValues(queueName, "failed").Set(float64(c.Failed))
}

// RecordTransaction records one transaction reaching a terminal status.
func RecordTransaction(chain, status string) {
	TransactionsTotal.WithLabelValues(chain, status).Inc()
}

// RecordBroadcastAttempt records one raw broadcast attempt.
func RecordBroadcastAttempt(chain, outcome string) {
	BroadcastAttemptsTotal.WithLabelValues(chain, outcome).Inc()
}

// RecordConfirmation records broadcast-to-receipt latency.
func RecordConfirmation(chain string, latency time.Duration) {
	ConfirmationSeconds.WithLabelValues(chain).Observe(latency.Seconds())
}

// RecordApproval records one resolved approval request.
func RecordApproval(decision string) {
	ApprovalsTotal.WithLabelValues(decision).Inc()
}

// RecordNotification records one notification delivery attempt.
func RecordNotification(channel, status string) {
	NotificationsTotal.WithLabelValues(channel, status).Inc()
}
