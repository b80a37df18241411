// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package processor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for transformation run metrics.
var meter = otel.Meter("aleutian.transform")

// Metric instruments for run operations.
var (
	filesTotal     metric.Int64Counter
	recordsTotal   metric.Int64Counter
	rollbacksTotal metric.Int64Counter
	fatalTotal     metric.Int64Counter
	fileDuration   metric.Float64Histogram
	batchesPerFile metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// metricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Uses atomic operations for safe concurrent access.
var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Safe for concurrent use.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// initMetrics initializes all metric instruments.
// Safe to call multiple times; uses sync.Once internally.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		filesTotal, err = meter.Int64Counter(
			"transform_files_total",
			metric.WithDescription("Total number of files processed, by verdict"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		recordsTotal, err = meter.Int64Counter(
			"transform_records_total",
			metric.WithDescription("Total number of transformation records, by final status"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		rollbacksTotal, err = meter.Int64Counter(
			"transform_rollbacks_total",
			metric.WithDescription("Total number of file rollbacks after failed verification"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		fatalTotal, err = meter.Int64Counter(
			"transform_fatal_halts_total",
			metric.WithDescription("Total number of files isolated by a fatal halt"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		fileDuration, err = meter.Float64Histogram(
			"transform_file_duration_seconds",
			metric.WithDescription("Duration of one file's pipeline in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		batchesPerFile, err = meter.Int64Histogram(
			"transform_batches_per_file",
			metric.WithDescription("Number of model batches submitted per file"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordFile records one completed file pipeline.
func recordFile(ctx context.Context, verdict string, duration time.Duration, batches int) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("verdict", verdict))
	filesTotal.Add(ctx, 1, attrs)
	fileDuration.Record(ctx, duration.Seconds(), attrs)
	batchesPerFile.Record(ctx, int64(batches), attrs)
}

// recordRecords records final record statuses for one file.
func recordRecords(ctx context.Context, status string, count int) {
	if !metricsEnabled.Load() || count == 0 {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}
	recordsTotal.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("status", status),
	))
}

// recordRollback records a verification-driven file rollback.
func recordRollback(ctx context.Context) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}
	rollbacksTotal.Add(ctx, 1)
}

// recordFatal records a fatal halt.
func recordFatal(ctx context.Context) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}
	fatalTotal.Add(ctx, 1)
}
