package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestInit_NoEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "steptrack")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInc_RecordsAttributes(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	inst := NewInstruments(mp.Meter("test"))

	ctx := context.Background()
	Inc(ctx, inst.Fixes, "source", "relay", "result", ResultAccepted)
	Inc(ctx, inst.Fixes, "source", "relay", "result", ResultAccepted)
	Inc(ctx, inst.Fixes, "source", "relay", "result", ResultRejected)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	var total int64
	for _, m := range rm.ScopeMetrics[0].Metrics {
		if m.Name != "steptrack.fixes" {
			continue
		}
		sum, ok := m.Data.(metricdata.Sum[int64])
		require.True(t, ok)
		for _, dp := range sum.DataPoints {
			total += dp.Value
		}
	}
	assert.Equal(t, int64(3), total)
}

func TestInc_NilCounter(t *testing.T) {
	assert.NotPanics(t, func() { Inc(context.Background(), nil, "a", "b") })
}
