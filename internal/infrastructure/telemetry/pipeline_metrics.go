package telemetry

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PipelineMetrics records extraction runs and upstream traffic.
// All methods are safe on a nil receiver.
type PipelineMetrics struct {
	runsTotal        *Counter
	runDuration      *Histogram
	recordsTotal     *Counter
	recordFailures   *Counter
	checkpointsTotal *Counter
	lastSuccess      *Gauge

	upstreamRequests *Counter
	upstreamDuration *Histogram
	upstreamRetries  *Counter
	tokenRefreshes   *Counter
}

// NewPipelineMetrics registers the collector's instruments on meter
func NewPipelineMetrics(meter metric.Meter) (*PipelineMetrics, error) {
	if meter == nil {
		return nil, ErrMeterNil
	}
	m := &PipelineMetrics{}
	var err error

	if m.runsTotal, err = NewCounter(meter, "collector_runs_total", "Extraction runs by kind and final status", "{runs}"); err != nil {
		return nil, err
	}
	if m.runDuration, err = NewHistogram(meter, HistogramOpts{
		Name:        "collector_run_duration_seconds",
		Description: "Wall time of an extraction run",
		Unit:        "s",
		Boundaries:  RunDurationBuckets,
	}); err != nil {
		return nil, err
	}
	if m.recordsTotal, err = NewCounter(meter, "collector_records_total", "Records written by entity", "{records}"); err != nil {
		return nil, err
	}
	if m.recordFailures, err = NewCounter(meter, "collector_record_failures_total", "Records skipped after a failure", "{records}"); err != nil {
		return nil, err
	}
	if m.checkpointsTotal, err = NewCounter(meter, "collector_checkpoints_total", "Intermediate commits", "{commits}"); err != nil {
		return nil, err
	}
	if m.lastSuccess, err = NewGauge(meter, "collector_last_success_timestamp", "Unix time of the last successful run", "s"); err != nil {
		return nil, err
	}
	if m.upstreamRequests, err = NewCounter(meter, "collector_upstream_requests_total", "Upstream HTTP calls by operation and status", "{requests}"); err != nil {
		return nil, err
	}
	if m.upstreamDuration, err = NewHistogram(meter, HistogramOpts{
		Name:        "collector_upstream_request_duration_seconds",
		Description: "Latency of a single upstream HTTP call",
		Unit:        "s",
		Boundaries:  UpstreamDurationBuckets,
	}); err != nil {
		return nil, err
	}
	if m.upstreamRetries, err = NewCounter(meter, "collector_upstream_retries_total", "Upstream retries by reason", "{retries}"); err != nil {
		return nil, err
	}
	if m.tokenRefreshes, err = NewCounter(meter, "collector_token_refresh_total", "OAuth refresh attempts by outcome", "{refreshes}"); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordRun records a finished run
func (m *PipelineMetrics) RecordRun(ctx context.Context, kind, status string, elapsed time.Duration, finishedAt time.Time) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{AttrRunKind.String(kind), AttrRunStatus.String(status)}
	m.runsTotal.Inc(ctx, attrs...)
	m.runDuration.RecordDuration(ctx, elapsed, attrs...)
	if status == "success" {
		m.lastSuccess.Record(ctx, finishedAt.Unix(), AttrRunKind.String(kind))
	}
}

// RecordWritten counts n records of entity written in the current run
func (m *PipelineMetrics) RecordWritten(ctx context.Context, entity string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recordsTotal.Add(ctx, int64(n), AttrEntity.String(entity))
}

// RecordFailure counts one skipped record
func (m *PipelineMetrics) RecordFailure(ctx context.Context, entity string) {
	if m == nil {
		return
	}
	m.recordFailures.Inc(ctx, AttrEntity.String(entity))
}

// RecordCheckpoint counts one intermediate commit
func (m *PipelineMetrics) RecordCheckpoint(ctx context.Context) {
	if m == nil {
		return
	}
	m.checkpointsTotal.Inc(ctx)
}

// ObserveRequest records one upstream HTTP exchange. status is 0 when no
// response was received.
func (m *PipelineMetrics) ObserveRequest(ctx context.Context, operation string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	m.upstreamRequests.Inc(ctx, AttrOperation.String(operation), AttrStatus.String(code))
	m.upstreamDuration.RecordDuration(ctx, elapsed, AttrOperation.String(operation))
}

// ObserveRetry counts one upstream retry
func (m *PipelineMetrics) ObserveRetry(ctx context.Context, operation, reason string) {
	if m == nil {
		return
	}
	m.upstreamRetries.Inc(ctx, AttrOperation.String(operation), AttrReason.String(reason))
}

// RecordTokenRefresh counts one refresh attempt
func (m *PipelineMetrics) RecordTokenRefresh(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.tokenRefreshes.Inc(ctx, attribute.String("outcome", outcome))
}
