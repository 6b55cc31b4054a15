/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/quaestorhq/quaestor/internal/queue"
)

func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func getGaugeVecValue(gv *prometheus.GaugeVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := gv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func getHistogramCount(hv *prometheus.HistogramVec, labels ...string) uint64 {
	m := &dto.Metric{}
	observer := hv.WithLabelValues(labels...)
	if c, ok := observer.(prometheus.Metric); ok {
		if err := c.Write(m); err != nil {
			return 0
		}
		return m.GetHistogram().GetSampleCount()
	}
	return 0
}

func TestRecordJob(t *testing.T) {
	RecordJob("transaction", "completed", 2*time.Second)

	if val := getCounterValue(JobsTotal, "transaction", "completed"); val < 1 {
		t.Errorf("JobsTotal = %f, want >= 1", val)
	}
	if n := getHistogramCount(JobDurationSeconds, "transaction"); n < 1 {
		t.Errorf("JobDurationSeconds samples = %d, want >= 1", n)
	}
}

func TestSetQueueDepth(t *testing.T) {
	SetQueueDepth("plan", queue.Counts{Pending: 4, Active: 2, Delayed: 1, Failed: 3})

	if val := getGaugeVecValue(QueueDepth, "plan", "pending"); val != 4 {
		t.Errorf("pending depth = %f, want 4", val)
	}
	if val := getGaugeVecValue(QueueDepth, "plan", "failed"); val != 3 {
		t.Errorf("failed depth = %f, want 3", val)
	}

	SetQueueDepth("plan", queue.Counts{})
	if val := getGaugeVecValue(QueueDepth, "plan", "pending"); val != 0 {
		t.Errorf("pending depth after reset = %f, want 0", val)
	}
}

func TestRecordBroadcastAttempt(t *testing.T) {
	RecordBroadcastAttempt("42220", "retryable")
	RecordBroadcastAttempt("42220", "accepted")

	if val := getCounterValue(BroadcastAttemptsTotal, "42220", "retryable"); val < 1 {
		t.Errorf("BroadcastAttemptsTotal = %f, want >= 1", val)
	}
}

func TestRecordApproval(t *testing.T) {
	RecordApproval("approved")
	if val := getCounterValue(ApprovalsTotal, "approved"); val < 1 {
		t.Errorf("ApprovalsTotal = %f, want >= 1", val)
	}
}
