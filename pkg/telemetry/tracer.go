package telemetry

import (
	"context"
	"fmt"
	"os"
	"sort"

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
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Span attribute keys.
var (
	AttrRunID       = attribute.Key("run.id")
	AttrRunStatus   = attribute.Key("run.status")
	AttrAction      = attribute.Key("action")
	AttrEnvironment = attribute.Key("environment")
	AttrManifest    = attribute.Key("manifest.name")
	AttrDependency  = attribute.Key("dependency.name")
	AttrOutcome     = attribute.Key("outcome")
	AttrSkipReason  = attribute.Key("skip.reason")
	AttrErrorClass  = attribute.Key("error.class")
	AttrErrorCode   = attribute.Key("error.code")
)

// Tracer starts the run, action and dependency spans of a manager.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// exporters builds the span exporter for each TracingConfig.Exporter value.
// "none" samples spans without exporting them.
var exporters = map[string]func(TracingConfig) (sdktrace.SpanExporter, error){
	"otlp":   otlpExporter,
	"stdout": stdoutExporter,
	"none":   func(TracingConfig) (sdktrace.SpanExporter, error) { return nil, nil },
}

// NewTracer creates the tracer described by cfg.Tracing. A disabled tracer
// still hands out valid, unexported spans. An enabled one becomes the global
// provider.
func NewTracer(cfg *Config) (*Tracer, error) {
	tc := cfg.Tracing
	if !tc.Enabled {
		return &Tracer{
			provider: sdktrace.NewTracerProvider(),
			tracer:   otel.Tracer(cfg.ServiceName),
		}, nil
	}

	build, ok := exporters[tc.Exporter]
	if !ok {
		return nil, fmt.Errorf("unsupported trace exporter: %s", tc.Exporter)
	}
	exporter, err := build(tc)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s trace exporter: %w", tc.Exporter, err)
	}

	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(tc.SamplingRate))),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(tc.MaxExportBatchSize),
			sdktrace.WithExportTimeout(tc.ExportTimeout),
		))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{provider: provider, tracer: provider.Tracer(cfg.ServiceName)}, nil
}

// NewTracerWithExporter creates a tracer that samples every span and exports
// it synchronously. The global provider is left alone.
func NewTracerWithExporter(exporter sdktrace.SpanExporter, serviceName string) (*Tracer, error) {
	cfg := DefaultConfig()
	cfg.ServiceName = serviceName
	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSyncer(exporter),
	)
	return &Tracer{provider: provider, tracer: provider.Tracer(serviceName)}, nil
}

func newResource(cfg *Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		AttrEnvironment.String(cfg.Environment),
	}
	keys := make([]string, 0, len(cfg.ResourceAttributes))
	for k := range cfg.ResourceAttributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, attribute.String(k, cfg.ResourceAttributes[k]))
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}
	return res, nil
}

func otlpExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithDialOption(grpc.WithUserAgent("animus")),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return otlptracegrpc.New(context.Background(), opts...)
}

// stdoutExporter pretty prints spans to stderr; stdout carries command output.
func stdoutExporter(TracingConfig) (sdktrace.SpanExporter, error) {
	return stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
}

// StartSpan starts a span named operation.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
}

// StartRunSpan starts the root span of one apply or delete run.
func (t *Tracer) StartRunSpan(ctx context.Context, runID, action, environment string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "run."+action,
		AttrRunID.String(runID), AttrAction.String(action), AttrEnvironment.String(environment))
}

// StartActionSpan starts the span of one manifest action.
func (t *Tracer) StartActionSpan(ctx context.Context, action, manifest, environment string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "manifest."+action,
		AttrManifest.String(manifest), AttrAction.String(action), AttrEnvironment.String(environment))
}

// StartDependencySpan starts the span of a dependency processed for parent.
func (t *Tracer) StartDependencySpan(ctx context.Context, parent, dependency, action string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "dependency."+action,
		AttrManifest.String(parent), AttrDependency.String(dependency), AttrAction.String(action))
}

// Shutdown flushes pending spans and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// ForceFlush exports pending spans now.
func (t *Tracer) ForceFlush(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.ForceFlush(ctx)
}

// RecordError marks span failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks span ok.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// AddEvent adds a named event to span.
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// TraceID returns the trace id of the span in ctx, or "".
func TraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}

// SpanID returns the span id of the span in ctx, or "".
func SpanID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.SpanID().String()
	}
	return ""
}
