package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "magnetar"

// StartStepSpan starts a span covering one step's execution.
func StartStepSpan(ctx context.Context, sessionID, stepID, role string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "step",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("step.id", stepID),
			attribute.String("step.role", role),
		),
	)
}

// StartGuardSpan starts a span for one guard evaluation.
func StartGuardSpan(ctx context.Context, sessionID, stepID string, risk string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "guard.evaluate",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("step.id", stepID),
			attribute.String("action.risk", risk),
		),
	)
}

// StartInvokeSpan starts a span for a gateway invocation.
func StartInvokeSpan(ctx context.Context, sessionID, stepID, actionType string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "gateway.invoke",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("step.id", stepID),
			attribute.String("action.type", actionType),
		),
	)
}
