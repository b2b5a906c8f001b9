package registry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// otelName scopes this package's tracer and meter.
const otelName = "github.com/execbroker/execbroker/registry"

// observability instruments rebuilds with spans and metrics. Instruments
// come from the global providers, so an uninstrumented process pays only
// no-op calls.
//
// Metrics recorded:
//   - registry.rebuild.duration: histogram of rebuild latency
//   - registry.rebuild.tools: counter of tools published per rebuild
//   - registry.rebuild.warnings: counter of warnings per rebuild
type observability struct {
	tracer        trace.Tracer
	buildDuration metric.Float64Histogram
	buildTools    metric.Int64Counter
	buildWarnings metric.Int64Counter
}

func newObservability() *observability {
	meter := otel.Meter(otelName)
	duration, _ := meter.Float64Histogram("registry.rebuild.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Latency of workspace registry rebuilds"))
	tools, _ := meter.Int64Counter("registry.rebuild.tools",
		metric.WithDescription("Tools published by finished rebuilds"))
	warnings, _ := meter.Int64Counter("registry.rebuild.warnings",
		metric.WithDescription("Warnings emitted by finished rebuilds"))
	return &observability{
		tracer:        otel.Tracer(otelName),
		buildDuration: duration,
		buildTools:    tools,
		buildWarnings: warnings,
	}
}

func (o *observability) startRebuild(ctx context.Context, workspaceID, buildID string) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, "registry.rebuild",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("workspace.id", workspaceID),
			attribute.String("build.id", buildID),
		))
}

func (o *observability) endRebuild(ctx context.Context, span trace.Span, workspaceID string, started time.Time, snap *Snapshot, err error) {
	attrs := metric.WithAttributes(attribute.String("workspace.id", workspaceID))
	o.buildDuration.Record(ctx, time.Since(started).Seconds(), attrs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
		o.buildTools.Add(ctx, int64(len(snap.Order)), attrs)
		o.buildWarnings.Add(ctx, int64(len(snap.Warnings)), attrs)
	}
	span.End()
}

func (o *observability) startCompile(ctx context.Context, sourceName, sourceType string) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, "registry.compile_source",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("source.name", sourceName),
			attribute.String("source.type", sourceType),
		))
}

func (o *observability) endCompile(span trace.Span, toolCount int, warnings []string) {
	span.SetAttributes(attribute.Int("tools.count", toolCount))
	if len(warnings) > 0 {
		span.SetAttributes(attribute.StringSlice("warnings", warnings))
		span.SetStatus(codes.Error, warnings[0])
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
