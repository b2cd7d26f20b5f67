package main

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type dtmBranch struct {
	name       string
	action     string
	compensate string
}

// startDTMSagaSpan cria um span para uma SAGA submetida ao DTM
func startDTMSagaSpan(ctx context.Context, operationName, gid string) (context.Context, trace.Span) {
	ctx, span := otel.Tracer("dtm-saga").Start(ctx, "dtm."+operationName)
	span.SetAttributes(
		attribute.String("dtm.gid", gid),
		attribute.String("dtm.operation", operationName),
		attribute.String("component", "dtm-coordinator"),
	)
	return ctx, span
}

// recordDTMBranches registra as ações da SAGA como eventos do span
func recordDTMBranches(span trace.Span, baseURL string, branches []dtmBranch) {
	for _, b := range branches {
		attrs := []attribute.KeyValue{
			attribute.String("dtm.action.name", b.name),
			attribute.String("dtm.action.url", baseURL+b.action),
		}
		if b.compensate != "" {
			attrs = append(attrs, attribute.String("dtm.compensate.url", baseURL+b.compensate))
		}
		span.AddEvent("dtm.branch", trace.WithAttributes(attrs...))
	}
}
