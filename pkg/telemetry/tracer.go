package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials/insecure"
)

// Span attribute keys.
var (
	AttrRunID      = attribute.Key("run.id")
	AttrRunStatus  = attribute.Key("run.status")
	AttrPlanID     = attribute.Key("plan.id")
	AttrTier       = attribute.Key("tier")
	AttrActionID   = attribute.Key("action.id")
	AttrActionKind = attribute.Key("action.kind")
	AttrResource   = attribute.Key("resource")
	AttrBackend    = attribute.Key("backend")
)

// Tracer produces the apply.run > apply.tier > action.execute span tree.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer creates a tracer. Disabled tracing, or the none exporter,
// yields a no-op tracer.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion string) (*Tracer, error) {
	if !cfg.Enabled || cfg.Exporter == "none" {
		return NewNopTracer(), nil
	}

	exporter, err := newSpanExporter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res := resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(serviceVersion),
	)

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Tracer{provider: provider, tracer: provider.Tracer(serviceName)}, nil
}

func newSpanExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		return otlptracegrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
}

// NewNopTracer returns a tracer whose spans are never recorded.
func NewNopTracer() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("tengil")}
}

// StartSpan starts a span with the given attributes. A nil Tracer is a
// no-op.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		t = NewNopTracer()
	}
	return t.tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
}

// StartApplySpan starts the root span of an apply run.
func (t *Tracer) StartApplySpan(ctx context.Context, runID, planID string, actions int) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "apply.run",
		AttrRunID.String(runID),
		AttrPlanID.String(planID),
		attribute.Int("plan.actions", actions),
	)
}

// StartTierSpan starts the span of one tier (dataset, container, mount, share).
func (t *Tracer) StartTierSpan(ctx context.Context, tier string, actions int) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "apply.tier",
		AttrTier.String(tier),
		attribute.Int("tier.actions", actions),
	)
}

// StartActionSpan starts the span of one plan action.
func (t *Tracer) StartActionSpan(ctx context.Context, actionID, kind, resource string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "action.execute",
		AttrActionID.String(actionID),
		AttrActionKind.String(kind),
		AttrResource.String(resource),
	)
}

// RecordError marks span failed with err. A nil err does nothing.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks the span as successful.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Shutdown flushes pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// TraceID returns the trace id active in ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
