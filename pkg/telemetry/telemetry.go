package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the logger, tracer and metrics of one invocation.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry validates cfg and builds all three signals.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{Logger: logger, Tracer: tracer, Metrics: metrics, Config: cfg}, nil
}

// WithContext stores t, and its logger, in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext returns the telemetry stored in ctx, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryContextKey{}).(*Telemetry)
	return t
}

// Shutdown flushes pending spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.Tracer.Shutdown(ctx)
}

// Operation is a traced, timed unit of work such as a scan or a plan.
type Operation struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Start  time.Time
}

// StartOperation opens a span named operation when ctx carries telemetry.
// Without telemetry only the logger and start time are set.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *Operation {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &Operation{Ctx: ctx, Logger: FromContext(ctx), Start: time.Now()}
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)
	logger := tel.Logger.WithField("operation", operation)
	if id := TraceID(spanCtx); id != "" {
		logger = logger.WithField("trace_id", id)
	}
	return &Operation{Ctx: spanCtx, Span: span, Logger: logger, Start: time.Now()}
}

// Elapsed is the time since the operation started.
func (op *Operation) Elapsed() time.Duration {
	return time.Since(op.Start)
}

// End closes the span with err's outcome.
func (op *Operation) End(err error) {
	if op.Span == nil {
		return
	}
	if err != nil {
		RecordError(op.Span, err)
	} else {
		RecordSuccess(op.Span)
	}
	op.Span.End()
}

// classified is satisfied by errors that carry a class and a code.
type classified interface {
	ErrorClass() string
	ErrorCode() string
}

// RecordBackendCall runs fn as one backend invocation: a backend.<operation>
// span, a call counter and latency, and an error counter by class and code.
func RecordBackendCall(ctx context.Context, backend, operation string, fn func(context.Context) error) error {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return fn(ctx)
	}

	ctx, span := tel.Tracer.StartSpan(ctx, "backend."+operation, AttrBackend.String(backend))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	tel.Metrics.RecordBackendCall(backend, operation, time.Since(start))

	if err == nil {
		RecordSuccess(span)
		return nil
	}
	tel.Metrics.RecordBackendError(backend, operation)
	var c classified
	if errors.As(err, &c) {
		tel.Metrics.RecordError(c.ErrorClass(), c.ErrorCode())
	}
	RecordError(span, err)
	return err
}
