package repository

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// dbOperationDuration tracks the duration of store operations
	dbOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relaykit",
			Subsystem: "db",
			Name:      "operation_duration_seconds",
			Help:      "Message store operation duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"table", "operation"},
	)

	// dbOperationTotal counts store operations by result
	dbOperationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "db",
			Name:      "operations_total",
			Help:      "Total message store operations",
		},
		[]string{"table", "operation", "result"},
	)

	// dbOperationErrors counts store operation errors by class
	dbOperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "db",
			Name:      "operation_errors_total",
			Help:      "Message store operation errors by type",
		},
		[]string{"table", "operation", "error_type"},
	)
)

// SlowQueryThreshold defines when an operation is logged as slow.
const SlowQueryThreshold = 100 * time.Millisecond

// Instrument wraps a store operation with metrics and logging. It records
// duration, success/failure counts, and logs slow operations.
func Instrument[T any](
	ctx context.Context,
	table string,
	operation string,
	fn func() (T, error),
) (T, error) {
	start := time.Now()

	result, err := fn()

	duration := time.Since(start)
	dbOperationDuration.WithLabelValues(table, operation).Observe(duration.Seconds())

	if err != nil {
		dbOperationTotal.WithLabelValues(table, operation, "error").Inc()
		dbOperationErrors.WithLabelValues(table, operation, classifyError(err)).Inc()

		slog.Error("Store operation failed",
			"table", table,
			"operation", operation,
			"duration_ms", duration.Milliseconds(),
			"error", err)
	} else {
		dbOperationTotal.WithLabelValues(table, operation, "success").Inc()

		if duration > SlowQueryThreshold {
			slog.Warn("Slow store operation",
				"table", table,
				"operation", operation,
				"duration_ms", duration.Milliseconds())
		}
	}

	return result, err
}

// InstrumentVoid wraps a store operation that returns only an error.
func InstrumentVoid(
	ctx context.Context,
	table string,
	operation string,
	fn func() error,
) error {
	_, err := Instrument(ctx, table, operation, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// classifyError returns a label-safe error type for metrics
func classifyError(err error) string {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, sql.ErrNoRows):
		return "not_found"
	case errors.Is(err, ErrDuplicateKey):
		return "duplicate_key"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "internal"
	}
}
