package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the OAuth server
type Metrics struct {
	// Grant engine metrics
	CodesIssued        metric.Int64Counter
	TokensIssued       metric.Int64Counter
	TokensRevoked      metric.Int64Counter
	AssertionsRejected metric.Int64Counter
	Introspections     metric.Int64Counter

	// Storage metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	meter := inst.Meter("server")

	var err error
	m.CodesIssued, err = meter.Int64Counter(
		"oauth.codes.issued",
		metric.WithDescription("Number of authorization codes issued"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create codes.issued counter: %w", err)
	}

	m.TokensIssued, err = meter.Int64Counter(
		"oauth.tokens.issued",
		metric.WithDescription("Number of bearer tokens issued, by grant type"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.issued counter: %w", err)
	}

	m.TokensRevoked, err = meter.Int64Counter(
		"oauth.tokens.revoked",
		metric.WithDescription("Number of tokens revoked"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.revoked counter: %w", err)
	}

	m.AssertionsRejected, err = meter.Int64Counter(
		"oauth.assertions.rejected",
		metric.WithDescription("Number of JWT-bearer assertions rejected, by reason"),
		metric.WithUnit("{assertion}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create assertions.rejected counter: %w", err)
	}

	m.Introspections, err = meter.Int64Counter(
		"oauth.introspections.total",
		metric.WithDescription("Number of token introspection queries"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create introspections.total counter: %w", err)
	}

	storageMeter := inst.Meter("storage")

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"oauth.storage.operations.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operations.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"oauth.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	return m, nil
}

// RecordStorageOperation records one storage operation: its count with the
// outcome, and its duration in milliseconds.
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageResult, result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String(AttrStorageOperation, operation),
	))
}

// WithAttributes wraps metric.WithAttributes so callers record measurements
// without importing the otel metric package directly.
func WithAttributes(attrs ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributes(attrs...)
}
