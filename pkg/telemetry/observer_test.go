package telemetry

import (
	"context"
	"io"
	"testing"

	"github.com/openfroyo/animus/pkg/engine"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type testTelemetry struct {
	*Telemetry
	spans  *tracetest.InMemoryExporter
	events []Event
}

func newTestTelemetry(t *testing.T) *testTelemetry {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Metrics.Enabled = true

	spans := tracetest.NewInMemoryExporter()
	tracer, err := NewTracerWithExporter(spans, cfg.ServiceName)
	require.NoError(t, err)
	metrics, err := NewMetrics(cfg.Metrics)
	require.NoError(t, err)
	events, err := NewEventPublisher(cfg.Events)
	require.NoError(t, err)

	tt := &testTelemetry{
		Telemetry: &Telemetry{
			Logger:  NewLoggerWithWriter(io.Discard, cfg.Logging),
			Tracer:  tracer,
			Metrics: metrics,
			Events:  events,
			Config:  cfg,
		},
		spans: spans,
	}
	events.Subscribe(func(e Event) { tt.events = append(tt.events, e) }, nil)
	t.Cleanup(func() { _ = tt.Shutdown(context.Background()) })
	return tt
}

func (tt *testTelemetry) eventTypes() []string {
	var types []string
	for _, e := range tt.events {
		types = append(types, e.Type)
	}
	return types
}

// bucket succeeds unless fail is set.
type bucket struct {
	*engine.ManifestBase
	fail error
}

func (b *bucket) Base() *engine.ManifestBase { return b.ManifestBase }

func (b *bucket) ImplementedManifestDiffers(context.Context, *engine.ActionContext) (bool, error) {
	return true, nil
}

func (b *bucket) ApplyManifest(context.Context, *engine.ActionContext) error { return b.fail }

func (b *bucket) DeleteManifest(context.Context, *engine.ActionContext) error { return b.fail }

func newObservedManager(t *testing.T, tt *testTelemetry, fail error) *engine.Manager {
	t.Helper()
	m := engine.NewManager(engine.NewVariableCache(),
		engine.WithValuesFiles(),
		engine.WithObserver(tt.Observer()),
	)
	require.NoError(t, m.RegisterManifestClass(func() engine.Manifest {
		return &bucket{ManifestBase: engine.NewManifestBase("Bucket", "v1", []string{"v1"}), fail: fail}
	}))
	return m
}

func parseBucket(t *testing.T, m *engine.Manager, metadata map[string]interface{}) {
	t.Helper()
	_, err := m.ParseManifest(map[string]interface{}{
		"kind":     "Bucket",
		"version":  "v1",
		"metadata": metadata,
		"spec":     map[string]interface{}{},
	})
	require.NoError(t, err)
}

func TestManagerObserver_Apply(t *testing.T) {
	tt := newTestTelemetry(t)
	m := newObservedManager(t, tt, nil)

	parseBucket(t, m, map[string]interface{}{"name": "base"})
	parseBucket(t, m, map[string]interface{}{
		"name":         "logs",
		"dependencies": map[string]interface{}{"apply": []interface{}{"base"}},
	})

	ctx := tt.WithContext(context.Background())
	ctx = WithRunContext(ctx, "run-1", "apply", "default")
	require.NoError(t, m.ApplyManifest(ctx, "logs", false, ""))
	EndRunContext(ctx, nil)

	metrics := tt.Metrics
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.manifestsParsed.WithLabelValues("Bucket", "v1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.actions.WithLabelValues("apply", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.dependencies.WithLabelValues("apply", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.runsCompleted.WithLabelValues("apply", "succeeded")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.activeRuns))

	assert.Equal(t, []string{
		EventTypeManifestParsed,
		EventTypeManifestParsed,
		EventTypeRunStarted,
		EventTypeActionStarted,
		EventTypeDependencyProcessed,
		EventTypeActionCompleted,
		EventTypeRunCompleted,
	}, tt.eventTypes())
	for _, e := range tt.events[2:] {
		assert.Equal(t, "run-1", e.RunID, e.Type)
	}

	// Spans end innermost first.
	spans := tt.spans.GetSpans()
	require.Len(t, spans, 3)
	dep, action, run := spans[0], spans[1], spans[2]
	assert.Equal(t, "dependency.apply", dep.Name)
	assert.Equal(t, "manifest.apply", action.Name)
	assert.Equal(t, "run.apply", run.Name)
	assert.Equal(t, action.SpanContext.SpanID(), dep.Parent.SpanID())
	assert.Equal(t, run.SpanContext.SpanID(), action.Parent.SpanID())
	assert.Equal(t, codes.Ok, action.Status.Code)
	assert.Contains(t, action.Attributes, AttrManifest.String("logs"))
	assert.Contains(t, dep.Attributes, AttrDependency.String("base"))
}

func TestManagerObserver_Failure(t *testing.T) {
	tt := newTestTelemetry(t)
	boom := engine.NewExecutionError("bucket exploded", nil).WithCode("BUCKET_EXPLODED")
	m := newObservedManager(t, tt, boom)
	parseBucket(t, m, map[string]interface{}{"name": "logs"})

	err := m.ApplyManifest(context.Background(), "logs", false, "")
	require.ErrorIs(t, err, boom)

	metrics := tt.Metrics
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.actions.WithLabelValues("apply", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.errorsByClass.WithLabelValues("execution")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.errorsByCode.WithLabelValues("BUCKET_EXPLODED")))

	last := tt.events[len(tt.events)-1]
	assert.Equal(t, EventTypeActionFailed, last.Type)
	assert.Equal(t, EventLevelError, last.Level)
	assert.Empty(t, last.RunID)

	spans := tt.spans.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Contains(t, spans[0].Attributes, AttrErrorClass.String("execution"))
	assert.Contains(t, spans[0].Attributes, AttrErrorCode.String("BUCKET_EXPLODED"))
}

func TestManagerObserver_Skips(t *testing.T) {
	tt := newTestTelemetry(t)
	m := newObservedManager(t, tt, nil)

	parseBucket(t, m, map[string]interface{}{
		"name":         "prod-only",
		"environments": []interface{}{"prod"},
	})
	parseBucket(t, m, map[string]interface{}{
		"name":                   "once",
		"executeOnlyOnceOnApply": true,
	})
	parseBucket(t, m, map[string]interface{}{
		"name":         "flagged",
		"skipApplyAll": true,
	})

	ctx := context.Background()
	require.NoError(t, m.ApplyManifest(ctx, "prod-only", false, ""))
	require.NoError(t, m.ApplyManifest(ctx, "flagged", false, ""))
	require.NoError(t, m.ApplyManifest(ctx, "once", false, ""))
	require.NoError(t, m.ApplyManifest(ctx, "once", false, ""))

	metrics := tt.Metrics
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.skips.WithLabelValues("apply", engine.SkipReasonEnvironment)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.skips.WithLabelValues("apply", engine.SkipReasonSkipFlag)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.skips.WithLabelValues("apply", engine.SkipReasonExecuteOnce)))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.actions.WithLabelValues("apply", "succeeded")))

	var skipped []string
	for _, e := range tt.events {
		if e.Type == EventTypeActionSkipped {
			skipped = append(skipped, e.Manifest+":"+e.Data["reason"].(string))
		}
	}
	assert.Equal(t, []string{
		"prod-only:" + engine.SkipReasonEnvironment,
		"flagged:" + engine.SkipReasonSkipFlag,
		"once:" + engine.SkipReasonExecuteOnce,
	}, skipped)

	// Only the two executions of "once" opened spans; the second carries
	// the skip as a span event.
	spans := tt.spans.GetSpans()
	require.Len(t, spans, 2)
	require.Len(t, spans[1].Events, 1)
	assert.Equal(t, "skipped", spans[1].Events[0].Name)
}
