package mcp

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/amplifierd/internal/session"
)

func sumOf(rm metricdata.ResourceMetrics, name string) (int64, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				return 0, false
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total, true
		}
	}
	return 0, false
}

func TestMetrics_RecordInvocation(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := &Metrics{meter: mp.Meter(instrumentationName), logger: zap.NewNop()}
	m.init()

	ctx := context.Background()
	m.RecordInvocation(ctx, "session_execute", 100*time.Millisecond, nil)
	m.RecordInvocation(ctx, "session_execute", 50*time.Millisecond, session.ErrBusy)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	total, ok := sumOf(rm, "amplifierd.mcp.tool.invocations_total")
	require.True(t, ok)
	assert.EqualValues(t, 2, total)

	errs, ok := sumOf(rm, "amplifierd.mcp.tool.errors_total")
	require.True(t, ok)
	assert.EqualValues(t, 1, errs)
}

func TestMetrics_ActiveRequests(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := &Metrics{meter: mp.Meter(instrumentationName), logger: zap.NewNop()}
	m.init()

	ctx := context.Background()
	m.track(ctx, "device_push", 1)
	m.track(ctx, "device_push", 1)
	m.track(ctx, "device_push", -1)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	active, ok := sumOf(rm, "amplifierd.mcp.tool.active_requests")
	require.True(t, ok)
	assert.EqualValues(t, 1, active)
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"nil error", nil, ""},
		{"validation", fmt.Errorf("%w: prompt is required", session.ErrValidation), "validation_error"},
		{"missing session", fmt.Errorf("%w: s1", session.ErrNotFound), "not_found"},
		{"busy", session.ErrBusy, "busy"},
		{"stopped", session.ErrStopped, "conflict"},
		{"deadline", context.DeadlineExceeded, "timeout"},
		{"anything else", errors.New("disk on fire"), "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, categorizeError(tt.err))
		})
	}
}
