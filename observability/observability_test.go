package observability

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("minutes")

	if cfg.ServiceName != "minutes" {
		t.Errorf("expected ServiceName 'minutes', got %s", cfg.ServiceName)
	}
	if cfg.Endpoint != "localhost:4318" {
		t.Errorf("expected Endpoint 'localhost:4318', got %s", cfg.Endpoint)
	}
	if cfg.SampleRate != 1.0 {
		t.Errorf("expected SampleRate 1.0, got %f", cfg.SampleRate)
	}
	if cfg.Enabled {
		t.Error("expected exporting disabled by default")
	}
	if cfg.MetricInterval != 15*time.Second {
		t.Errorf("expected MetricInterval 15s, got %v", cfg.MetricInterval)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disabled skips checks", Config{SampleRate: 7}, false},
		{"enabled ok", Config{Enabled: true, ServiceName: "svc", SampleRate: 0.5}, false},
		{"missing service", Config{Enabled: true, SampleRate: 1}, true},
		{"bad sample rate", Config{Enabled: true, ServiceName: "svc", SampleRate: 1.5}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), DefaultConfig("svc"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestInitTracer(t *testing.T) {
	cfg := DefaultConfig("test-service")
	cfg.Environment = "test"

	tp, err := InitTracer(context.Background(), cfg)
	if err != nil {
		t.Skipf("InitTracer failed (schema conflict): %v", err)
	}
	defer tp.Shutdown(context.Background())
}

func TestInitMeter(t *testing.T) {
	cfg := DefaultConfig("test-service")
	cfg.Insecure = false

	mp, err := InitMeter(context.Background(), cfg)
	if err != nil {
		t.Skipf("InitMeter failed (schema conflict): %v", err)
	}
	defer mp.Shutdown(context.Background())
}

func withTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})
	return exporter
}

type stageCall struct {
	stage, status string
}

type fakeRecorder struct {
	mu       sync.Mutex
	stages   []stageCall
	llm      int
	sections int
}

func (f *fakeRecorder) RecordStage(_ context.Context, stage, status string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stages = append(f.stages, stageCall{stage, status})
}

func (f *fakeRecorder) RecordLLMCall(context.Context, string, string, string, int, int, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.llm++
}

func (f *fakeRecorder) RecordSectionFailure(context.Context, string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sections++
}

func TestOperationSuccess(t *testing.T) {
	exporter := withTestTracer(t)
	rec := &fakeRecorder{}

	ctx := ContextWithRunID(context.Background(), "run-1")
	ctx, op := StartOperation(ctx, rec, StageASR)
	if OperationFromContext(ctx) != op {
		t.Fatal("expected operation stored in context")
	}
	if op.RunID != "run-1" {
		t.Errorf("expected run id run-1, got %q", op.RunID)
	}
	op.End(ctx, nil)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != StageASR {
		t.Errorf("expected span %s, got %s", StageASR, spans[0].Name)
	}
	if len(rec.stages) != 1 || rec.stages[0] != (stageCall{StageASR, StatusOK}) {
		t.Errorf("unexpected stage records: %+v", rec.stages)
	}
}

func TestOperationError(t *testing.T) {
	exporter := withTestTracer(t)
	rec := &fakeRecorder{}

	ctx, op := StartOperation(context.Background(), rec, StageDiarization)
	op.SetStatus(StatusFallback)
	op.End(ctx, fmt.Errorf("boom"))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("expected error status, got %v", spans[0].Status.Code)
	}
	if rec.stages[0].status != StatusError {
		t.Errorf("error must win over fallback, got %s", rec.stages[0].status)
	}
}

func TestOperationFallbackStatus(t *testing.T) {
	rec := &fakeRecorder{}
	ctx, op := StartOperation(context.Background(), rec, StageDiarization)
	op.SetStatus(StatusFallback)
	op.End(ctx, nil)
	if rec.stages[0].status != StatusFallback {
		t.Errorf("expected fallback, got %s", rec.stages[0].status)
	}
}

func TestOperationNilRecorder(t *testing.T) {
	ctx, op := StartOperation(context.Background(), nil, StageFusion)
	op.End(ctx, nil)
	if op.Duration() < 0 {
		t.Error("negative duration")
	}
}

func TestOperationFromContextNotSet(t *testing.T) {
	if OperationFromContext(context.Background()) != nil {
		t.Error("expected nil operation")
	}
}

func TestSetSpanAttribute(t *testing.T) {
	exporter := withTestTracer(t)

	ctx, span := StartSpan(context.Background(), "attrs")
	SetSpanAttribute(ctx, "string-key", "value")
	SetSpanAttribute(ctx, "int-key", 42)
	SetSpanAttribute(ctx, "int64-key", int64(100))
	SetSpanAttribute(ctx, "float-key", 3.14)
	SetSpanAttribute(ctx, "bool-key", true)
	SetSpanAttribute(ctx, "string-slice-key", []string{"a", "b"})
	SetSpanAttribute(ctx, "unsupported-key", struct{}{})
	span.End()

	spans := exporter.GetSpans()
	if got := len(spans[0].Attributes); got != 6 {
		t.Errorf("expected 6 attributes, got %d", got)
	}
}

func TestSetSpanNoSpan(t *testing.T) {
	ctx := context.Background()
	SetSpanAttribute(ctx, "key", "value")
	SetSpanError(ctx, fmt.Errorf("no span"))
	SetSpanError(ctx, nil)
}

func TestMultiRecorder(t *testing.T) {
	a, b := &fakeRecorder{}, &fakeRecorder{}
	rec := Multi(a, nil, b)
	ctx := context.Background()

	rec.RecordStage(ctx, StageAudio, StatusOK, time.Second)
	rec.RecordLLMCall(ctx, "p", "openai", StatusOK, 1, 10, time.Second)
	rec.RecordSectionFailure(ctx, "ORD", "resumen")

	for i, r := range []*fakeRecorder{a, b} {
		if len(r.stages) != 1 || r.llm != 1 || r.sections != 1 {
			t.Errorf("recorder %d: stages=%d llm=%d sections=%d", i, len(r.stages), r.llm, r.sections)
		}
	}
}

func TestNopRecorder(t *testing.T) {
	rec := OrNop(nil)
	rec.RecordStage(context.Background(), StageAudio, StatusOK, 0)
	rec.RecordLLMCall(context.Background(), "", "", "", 0, 0, 0)
	rec.RecordSectionFailure(context.Background(), "", "")
}

func TestMetricsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := NewMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("unexpected error creating metrics: %v", err)
	}

	ctx := context.Background()
	m.RecordStage(ctx, StageAudio, StatusOK, 2*time.Second)
	m.RecordStage(ctx, StageAudio, StatusOK, time.Second)
	m.RecordLLMCall(ctx, "groq-1", "groq", StatusOK, 3, 120, 500*time.Millisecond)
	m.RecordSectionFailure(ctx, "ORD", "ruegos")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}

	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if sum, ok := md.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					sums[md.Name] += dp.Value
				}
			}
		}
	}

	want := map[string]int64{
		"pipeline.stage.total":     2,
		"llm.calls.total":          1,
		"llm.attempts.total":       3,
		"llm.tokens.total":         120,
		"minutes.section.failures": 1,
	}
	for name, v := range want {
		if sums[name] != v {
			t.Errorf("%s = %d, want %d", name, sums[name], v)
		}
	}
}

func TestServiceHealthAddComponent(t *testing.T) {
	sh := NewServiceHealth("minutes", "1.0.0")
	if sh.Status != HealthStatusUp {
		t.Fatalf("expected up, got %s", sh.Status)
	}

	sh.AddComponent(AvailabilityHealth("ffmpeg", true, false))
	if sh.Status != HealthStatusUp {
		t.Errorf("expected up, got %s", sh.Status)
	}

	sh.AddComponent(AvailabilityHealth("sox", false, true))
	if sh.Status != HealthStatusDegraded {
		t.Errorf("expected degraded, got %s", sh.Status)
	}

	sh.AddComponent(AvailabilityHealth("ffprobe", false, false))
	if sh.Status != HealthStatusDown {
		t.Errorf("expected down, got %s", sh.Status)
	}

	sh.AddComponent(Health{Name: "asr", Status: HealthStatusDegraded})
	if sh.Status != HealthStatusDown {
		t.Errorf("degraded must not override down, got %s", sh.Status)
	}
	if len(sh.Components) != 4 {
		t.Errorf("expected 4 components, got %d", len(sh.Components))
	}
}

func TestAvailabilityHealthMessage(t *testing.T) {
	h := AvailabilityHealth("sox", false, true)
	if h.Message != "sox is not available" {
		t.Errorf("unexpected message %q", h.Message)
	}
}
