package store

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "waba-onboarding"

func addDBStatsToSpan(span trace.Span, statement string, rowsAffected int64, duration time.Duration) {
	span.SetAttributes(
		attribute.Int64("rowsAffected", rowsAffected),
		attribute.String("db.statement", statement),
		attribute.Float64("db.execution_time_ms", float64(duration.Milliseconds())),
	)
}
