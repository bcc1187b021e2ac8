// Copyright 2026 © The Ensemble Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	stderrors "errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/jllopis/ensemble/pkg/errors"
)

func newTestMetrics(t *testing.T) (*PipelineMetrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	pm, err := NewPipelineMetrics(mp)
	if err != nil {
		t.Fatalf("failed to create pipeline metrics: %v", err)
	}
	return pm, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumTotal(t *testing.T, data metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("expected int64 sum, got %T", data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestNewPipelineMetricsGlobalProvider(t *testing.T) {
	pm, err := NewPipelineMetrics(nil)
	if err != nil {
		t.Fatalf("failed to create pipeline metrics: %v", err)
	}
	if pm == nil {
		t.Fatal("expected non-nil PipelineMetrics")
	}
}

func TestRecordCompletionAndTokens(t *testing.T) {
	pm, reader := newTestMetrics(t)
	ctx := context.Background()

	pm.RecordCompletion(ctx, "analyze", "mock", 12.5, nil)
	pm.RecordCompletion(ctx, "aggregate", "mock", 3, stderrors.New("boom"))
	pm.RecordTokens(ctx, "mock", 10, 4)
	pm.RecordTokens(ctx, "mock", 0, 0)

	data := collect(t, reader)
	if got := sumTotal(t, data["ensemble.completions.total"]); got != 2 {
		t.Errorf("expected 2 completions, got %d", got)
	}
	if got := sumTotal(t, data["ensemble.completions.tokens"]); got != 14 {
		t.Errorf("expected 14 tokens, got %d", got)
	}
	hist, ok := data["ensemble.completions.duration"].(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("expected float64 histogram, got %T", data["ensemble.completions.duration"])
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	if count != 2 {
		t.Errorf("expected 2 duration samples, got %d", count)
	}
}

func TestRecordFallbackRunsAndSubtasks(t *testing.T) {
	pm, reader := newTestMetrics(t)
	ctx := context.Background()

	pm.RecordFallback(ctx, "decompose", "unparseable")
	pm.RecordFallback(ctx, "assign", "unknown_role")
	pm.RecordRun(ctx, "completed")
	pm.RecordSubtask(ctx, "Planner")
	pm.RecordSubtask(ctx, "Planner")
	pm.RecordSubtask(ctx, "Writer")

	data := collect(t, reader)
	if got := sumTotal(t, data["ensemble.fallbacks.total"]); got != 2 {
		t.Errorf("expected 2 fallbacks, got %d", got)
	}
	if got := sumTotal(t, data["ensemble.runs.total"]); got != 1 {
		t.Errorf("expected 1 run, got %d", got)
	}
	sum := data["ensemble.subtasks.total"].(metricdata.Sum[int64])
	if len(sum.DataPoints) != 2 {
		t.Errorf("expected one series per role, got %d", len(sum.DataPoints))
	}
}

func TestRecordErrorCodes(t *testing.T) {
	pm, reader := newTestMetrics(t)
	ctx := context.Background()

	pm.RecordError(ctx, errors.New(errors.CodeUnavailable, "down", nil), "orchestrator")
	pm.RecordError(ctx, stderrors.New("plain"), "orchestrator")
	pm.RecordError(ctx, nil, "orchestrator")

	data := collect(t, reader)
	sum := data["ensemble.errors.total"].(metricdata.Sum[int64])
	codes := map[string]int64{}
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key(AttrErrorCode))
		codes[v.AsString()] += dp.Value
	}
	if codes["SERVICE_UNAVAILABLE"] != 1 || codes["UNKNOWN"] != 1 {
		t.Errorf("unexpected error codes: %v", codes)
	}
}

func TestRecordCircuitBreakerState(t *testing.T) {
	pm, reader := newTestMetrics(t)
	pm.RecordCircuitBreakerState(context.Background(), "llm", 0)

	data := collect(t, reader)
	gauge, ok := data["ensemble.circuitbreaker.state"].(metricdata.Gauge[int64])
	if !ok {
		t.Fatalf("expected int64 gauge, got %T", data["ensemble.circuitbreaker.state"])
	}
	if len(gauge.DataPoints) != 1 || gauge.DataPoints[0].Value != 0 {
		t.Errorf("unexpected gauge points: %+v", gauge.DataPoints)
	}
}

func TestNilPipelineMetrics(t *testing.T) {
	var pm *PipelineMetrics
	ctx := context.Background()

	pm.RecordCompletion(ctx, "analyze", "mock", 1, nil)
	pm.RecordTokens(ctx, "mock", 1, 1)
	pm.RecordFallback(ctx, "assign", "unknown_role")
	pm.RecordRun(ctx, "failed")
	pm.RecordSubtask(ctx, "Assistant")
	pm.RecordError(ctx, stderrors.New("x"), "cli")
	pm.RecordCircuitBreakerState(ctx, "llm", 2)
}
