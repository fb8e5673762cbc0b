package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/animus/pkg/engine"
	"go.opentelemetry.io/otel/trace"
)

// ManagerObserver reports manager lifecycle notifications as logs, spans,
// metrics and events. It implements engine.Observer and engine.ProcessHooks.
type ManagerObserver struct {
	tel    *Telemetry
	logger *Logger
}

var (
	_ engine.Observer     = (*ManagerObserver)(nil)
	_ engine.ProcessHooks = (*ManagerObserver)(nil)
)

type actionSpanKey struct{}

type dependencySpanKey struct{}

// NewManagerObserver creates an observer reporting to tel.
func NewManagerObserver(tel *Telemetry) *ManagerObserver {
	return &ManagerObserver{
		tel:    tel,
		logger: tel.Logger.NewComponentLogger("observer"),
	}
}

// ManifestParsed implements engine.Observer.
func (o *ManagerObserver) ManifestParsed(kind, version, name string) {
	o.tel.Metrics.RecordManifestParsed(kind, version)
	_ = o.tel.Events.PublishManifestParsed(kind, version, name)
	o.logger.WithManifest(name).WithKind(kind, version).Trace("Manifest parsed")
}

// ActionStarted implements engine.Observer. The returned context carries the
// action span.
func (o *ManagerObserver) ActionStarted(ctx context.Context, action engine.Action, name, environment string) context.Context {
	ctx, span := o.tel.Tracer.StartActionSpan(ctx, string(action), name, environment)
	_ = o.tel.Events.PublishActionStarted(RunIDFromContext(ctx), string(action), name, environment)
	return context.WithValue(ctx, actionSpanKey{}, span)
}

// ActionFinished implements engine.Observer.
func (o *ManagerObserver) ActionFinished(ctx context.Context, action engine.Action, name, environment string, outcome engine.Outcome, elapsed time.Duration, err error) {
	if span, ok := ctx.Value(actionSpanKey{}).(trace.Span); ok {
		span.SetAttributes(AttrOutcome.String(string(outcome)))
		endSpan(span, err)
	}

	o.tel.Metrics.RecordAction(string(action), outcome, elapsed)
	if err != nil {
		o.tel.Metrics.RecordError(err)
	}
	_ = o.tel.Events.PublishActionFinished(RunIDFromContext(ctx), string(action), name, environment, elapsed, err)

	logger := o.logger.WithManifest(name).WithAction(string(action), environment).WithField("elapsed", elapsed.String())
	if err != nil {
		logger.WithError(err).Debug("Action failed")
		return
	}
	logger.Debug("Action finished")
}

// ActionSkipped implements engine.Observer.
func (o *ManagerObserver) ActionSkipped(ctx context.Context, action engine.Action, name, environment, reason string) {
	if span, ok := ctx.Value(actionSpanKey{}).(trace.Span); ok {
		AddEvent(span, "skipped", AttrManifest.String(name), AttrSkipReason.String(reason))
	}
	o.tel.Metrics.RecordSkip(string(action), reason)
	_ = o.tel.Events.PublishActionSkipped(RunIDFromContext(ctx), string(action), name, environment, reason)
}

// DependencyStarted implements engine.ProcessHooks. The returned context
// carries the dependency span, so nested dependencies become child spans.
func (o *ManagerObserver) DependencyStarted(ctx context.Context, parent, dependency string, action engine.Action) context.Context {
	ctx, span := o.tel.Tracer.StartDependencySpan(ctx, parent, dependency, string(action))
	return context.WithValue(ctx, dependencySpanKey{}, span)
}

// DependencyFinished implements engine.ProcessHooks.
func (o *ManagerObserver) DependencyFinished(ctx context.Context, parent, dependency string, action engine.Action, err error) {
	if span, ok := ctx.Value(dependencySpanKey{}).(trace.Span); ok {
		endSpan(span, err)
	}
	o.tel.Metrics.RecordDependency(string(action), err)
	_ = o.tel.Events.PublishDependencyProcessed(RunIDFromContext(ctx), string(action), parent, dependency, err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		var engineErr *engine.EngineError
		if errors.As(err, &engineErr) {
			span.SetAttributes(
				AttrErrorClass.String(string(engineErr.Class)),
				AttrErrorCode.String(engineErr.Code),
			)
		}
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	span.End()
}
