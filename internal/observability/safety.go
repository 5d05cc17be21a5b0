package observability

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"storefront/internal/auth"
)

// SafetyMetrics counts the decisions taken by the request-safety layer. It
// satisfies ratelimit.Recorder, idempotency.Recorder and auth.EventSink.
type SafetyMetrics struct {
	admissions  metric.Int64Counter
	idempotency metric.Int64Counter
	events      metric.Int64Counter
}

func NewSafetyMetrics() (*SafetyMetrics, error) {
	meter := otel.Meter("storefront/safety")

	admissions, err := meter.Int64Counter(
		"ratelimit.admissions",
		metric.WithDescription("Requests admitted or rejected by the rate limiter"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	idempotency, err := meter.Int64Counter(
		"idempotency.decisions",
		metric.WithDescription("Idempotency outcomes for keyed mutating requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	events, err := meter.Int64Counter(
		"security.events",
		metric.WithDescription("Security events emitted by the authentication gate"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	return &SafetyMetrics{
		admissions:  admissions,
		idempotency: idempotency,
		events:      events,
	}, nil
}

func (m *SafetyMetrics) RecordAdmission(r *http.Request, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "rejected"
	}
	m.admissions.Add(r.Context(), 1, metric.WithAttributes(
		attribute.String("result", result),
		attribute.String("method", r.Method),
	))
}

func (m *SafetyMetrics) RecordIdempotency(r *http.Request, outcome string) {
	m.idempotency.Add(r.Context(), 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("path", r.URL.Path),
	))
}

// RecordSecurityEvent runs on the event worker pool, never on the request
// goroutine.
func (m *SafetyMetrics) RecordSecurityEvent(ctx context.Context, e auth.Event) {
	m.events.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(e.Type))))
}
