package instrumentation

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNoop(t *testing.T) {
	inst := Noop()
	require.NotNil(t, inst.Metrics())

	ctx := context.Background()
	inst.Metrics().RecordLoginStarted(ctx)
	inst.Metrics().RecordCallback(ctx, "success")
	inst.Metrics().RecordLogout(ctx)
	inst.Metrics().RecordRateLimitExceeded(ctx, "/login")
	inst.Metrics().RecordProviderCall(ctx, "exchange", 1.5, "transient_provider_error")

	_, span := inst.Tracer("test").Start(ctx, "op")
	assert.False(t, span.IsRecording())
	span.End()
	assert.NoError(t, inst.Shutdown(ctx))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordLoginStarted(context.Background())
		m.RecordCallback(context.Background(), "success")
		m.RecordProviderCall(context.Background(), "profile", 1, "")
	})
}

func TestEnabledExportsToStdout(t *testing.T) {
	var out bytes.Buffer
	inst, err := New(Config{
		Enabled:        true,
		ServiceVersion: "test",
		TraceExporter:  ExporterStdout,
		MetricExporter: ExporterStdout,
		Output:         &out,
	})
	require.NoError(t, err)

	ctx := context.Background()
	_, span := inst.Tracer("provider").Start(ctx, "line.exchange")
	assert.True(t, span.IsRecording())
	span.End()
	inst.Metrics().RecordLoginStarted(ctx)
	inst.Metrics().RecordProviderCall(ctx, "exchange", 12.5, "")

	require.NoError(t, inst.Shutdown(ctx))
	require.NoError(t, inst.Shutdown(ctx))

	exported := out.String()
	assert.Contains(t, exported, "line.exchange")
	assert.Contains(t, exported, "line.login.started")
	assert.Contains(t, exported, "line.provider.duration")
	assert.Contains(t, exported, "lineserve")
}

func TestEnabledWithoutExporters(t *testing.T) {
	inst, err := New(Config{Enabled: true, TraceExporter: ExporterNone, MetricExporter: ExporterNone})
	require.NoError(t, err)
	_, span := inst.Tracer("test").Start(context.Background(), "op")
	assert.False(t, span.IsRecording())
	span.End()
	assert.NoError(t, inst.Shutdown(context.Background()))
}

func TestEnabledOTLP(t *testing.T) {
	inst, err := New(Config{Enabled: true, OTLPEndpoint: "http://127.0.0.1:4318/"})
	require.NoError(t, err)
	_, span := inst.Tracer("test").Start(context.Background(), "op")
	assert.True(t, span.IsRecording())
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	// No collector is listening; only the bounded shutdown matters.
	_ = inst.Shutdown(ctx)
}

func TestUnknownExporter(t *testing.T) {
	_, err := New(Config{Enabled: true, TraceExporter: "zipkin"})
	assert.ErrorContains(t, err, "zipkin")

	_, err = New(Config{Enabled: true, TraceExporter: ExporterNone, MetricExporter: "prometheus"})
	assert.ErrorContains(t, err, "prometheus")
}

func TestSpanHelpers(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	inst, err := New(Config{TracerProvider: tp})
	require.NoError(t, err)

	_, ok := inst.Tracer("t").Start(context.Background(), "ok")
	SetSpanAttributes(ok, attribute.String(AttrProviderOperation, "profile"))
	SetSpanSuccess(ok)
	ok.End()

	_, bad := inst.Tracer("t").Start(context.Background(), "bad")
	RecordError(bad, errors.New("boom"))
	bad.End()

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.String(AttrProviderOperation, "profile"))
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "boom", spans[1].Status().Description)
	assert.Equal(t, scopePrefix+"t", spans[0].InstrumentationScope().Name)

	assert.NotPanics(t, func() {
		RecordError(nil, errors.New("x"))
		SetSpanSuccess(nil)
	})
}
