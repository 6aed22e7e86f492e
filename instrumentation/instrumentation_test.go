package instrumentation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func TestNew_Defaults(t *testing.T) {
	inst, err := New(Config{})
	require.NoError(t, err)

	assert.NotNil(t, inst.Metrics())
	assert.NotNil(t, inst.MeterProvider(), "providers should default to no-op, not nil")
	assert.NotNil(t, inst.TracerProvider())
}

func TestNew_DisabledIgnoresProviders(t *testing.T) {
	provider := sdkmetric.NewMeterProvider()
	defer provider.Shutdown(context.Background())

	inst, err := New(Config{Enabled: false, MeterProvider: provider})
	require.NoError(t, err)

	assert.NotEqual(t, provider, inst.MeterProvider(),
		"disabled instrumentation must not use the supplied provider")
}

func TestNew_EnabledUsesProviders(t *testing.T) {
	provider := sdkmetric.NewMeterProvider()
	defer provider.Shutdown(context.Background())

	inst, err := New(Config{Enabled: true, MeterProvider: provider})
	require.NoError(t, err)

	assert.Equal(t, provider, inst.MeterProvider())
}

func TestMetricsRecordingIsSafeWhenDisabled(t *testing.T) {
	inst, err := New(Config{})
	require.NoError(t, err)

	// All recordings go to no-op instruments; none may panic.
	ctx := context.Background()
	m := inst.Metrics()
	m.CodesIssued.Add(ctx, 1)
	m.TokensIssued.Add(ctx, 1)
	m.TokensRevoked.Add(ctx, 1)
	m.AssertionsRejected.Add(ctx, 1)
	m.Introspections.Add(ctx, 1)
	m.StorageOperationTotal.Add(ctx, 1)
	m.StorageOperationDuration.Record(ctx, 1.5)
}

func TestShutdownIsIdempotent(t *testing.T) {
	inst, err := New(Config{})
	require.NoError(t, err)

	assert.NoError(t, inst.Shutdown(context.Background()))
	assert.NoError(t, inst.Shutdown(context.Background()))
}
