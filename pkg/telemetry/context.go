package telemetry

import (
	"context"
	"errors"

	"github.com/openfroyo/animus/pkg/engine"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry provides a unified telemetry interface combining logging, tracing, metrics, and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	ctx = t.Logger.WithContext(ctx)
	return ctx
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Observer returns a manager observer reporting to t.
func (t *Telemetry) Observer() *ManagerObserver {
	return NewManagerObserver(t)
}

// Shutdown gracefully shuts down all telemetry components, in reverse order
// of initialization. Every component is shut down even if one fails.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Metrics.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
	)
}

// Flush forces all pending telemetry data to be exported.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	logger := t.Logger.NewComponentLogger("metrics")
	return t.Metrics.StartMetricsServer(func(err error) {
		logger.WithError(err).Error("Metrics server stopped")
	})
}

// InstrumentedContext is one traced, timed operation such as validate.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation starts a span named operation under the telemetry in ctx.
// The logger in Ctx carries the operation and, when sampled, the trace and
// span ids. Without telemetry in ctx only the timer runs.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	ic := &InstrumentedContext{Ctx: ctx, Logger: FromContext(ctx), Timer: NewTimer()}

	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ic
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)
	ic.Span = span
	ic.Logger = ic.Logger.WithField("operation", operation)
	if sc := span.SpanContext(); sc.IsValid() {
		ic.Logger = ic.Logger.WithFields(map[string]interface{}{
			"trace_id": sc.TraceID().String(),
			"span_id":  sc.SpanID().String(),
		})
	}
	ic.Ctx = ic.Logger.WithContext(spanCtx)
	return ic
}

// End closes the span, marking it failed when err is set.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span == nil {
		return
	}
	if err != nil {
		RecordError(ic.Span, err)
	} else {
		RecordSuccess(ic.Span)
	}
	ic.Span.End()
}

// runState is what a run context carries between WithRunContext and
// EndRunContext.
type runState struct {
	runID       string
	action      string
	environment string
	span        trace.Span
	timer       *Timer
}

// runStateKey is the context key for run state.
type runStateKey struct{}

// WithRunContext creates a context enriched with run-specific telemetry: a
// run span, a logger carrying the run ID, the run-started metric and event.
func WithRunContext(ctx context.Context, runID, action, environment string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartRunSpan(ctx, runID, action, environment)

	logger := FromContext(ctx).WithRunID(runID).WithAction(action, environment)
	spanCtx = logger.WithContext(spanCtx)

	tel.Metrics.RecordRunStarted(action)
	_ = tel.Events.PublishRunStarted(runID, action, environment)

	return context.WithValue(spanCtx, runStateKey{}, &runState{
		runID:       runID,
		action:      action,
		environment: environment,
		span:        span,
		timer:       NewTimer(),
	})
}

// RunIDFromContext returns the run ID set by WithRunContext, or "".
func RunIDFromContext(ctx context.Context) string {
	if state, ok := ctx.Value(runStateKey{}).(*runState); ok {
		return state.runID
	}
	return ""
}

// EndRunContext completes the run context, recording metrics and events.
// The status is "failed" when err is non-nil and "succeeded" otherwise.
func EndRunContext(ctx context.Context, err error) {
	tel := FromTelemetryContext(ctx)
	state, ok := ctx.Value(runStateKey{}).(*runState)
	if tel == nil || !ok {
		return
	}

	status := string(engine.OutcomeSucceeded)
	if err != nil {
		status = string(engine.OutcomeFailed)
		RecordError(state.span, err)
	} else {
		RecordSuccess(state.span)
	}
	state.span.SetAttributes(AttrRunStatus.String(status))
	state.span.End()

	duration := state.timer.Duration()
	tel.Metrics.RecordRunCompleted(state.action, status, duration)

	if err != nil {
		_ = tel.Events.PublishRunFailed(state.runID, state.action, err.Error())
	} else {
		_ = tel.Events.PublishRunCompleted(state.runID, state.action, status, duration)
	}
}
