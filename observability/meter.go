package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/kbukum/minutes/logger"
)

// Outcome labels.
const (
	StatusOK       = "ok"
	StatusError    = "error"
	StatusFallback = "fallback"
)

// Recorder receives pipeline measurements. The otel Metrics type and the
// prometheus collectors in package metrics both implement it.
type Recorder interface {
	RecordStage(ctx context.Context, stage, status string, d time.Duration)
	RecordLLMCall(ctx context.Context, providerID, kind, status string, attempts, tokens int, d time.Duration)
	RecordSectionFailure(ctx context.Context, templateCode, section string)
}

// Nop returns a Recorder that drops everything.
func Nop() Recorder { return nopRecorder{} }

type nopRecorder struct{}

func (nopRecorder) RecordStage(context.Context, string, string, time.Duration) {}
func (nopRecorder) RecordLLMCall(context.Context, string, string, string, int, int, time.Duration) {
}
func (nopRecorder) RecordSectionFailure(context.Context, string, string) {}

// Multi fans measurements out to every non-nil recorder.
func Multi(recorders ...Recorder) Recorder {
	out := make(multiRecorder, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

type multiRecorder []Recorder

func (m multiRecorder) RecordStage(ctx context.Context, stage, status string, d time.Duration) {
	for _, r := range m {
		r.RecordStage(ctx, stage, status, d)
	}
}

func (m multiRecorder) RecordLLMCall(ctx context.Context, providerID, kind, status string, attempts, tokens int, d time.Duration) {
	for _, r := range m {
		r.RecordLLMCall(ctx, providerID, kind, status, attempts, tokens, d)
	}
}

func (m multiRecorder) RecordSectionFailure(ctx context.Context, templateCode, section string) {
	for _, r := range m {
		r.RecordSectionFailure(ctx, templateCode, section)
	}
}

// OrNop returns r, or a no-op recorder when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop()
	}
	return r
}

// InitMeter initializes the OpenTelemetry meter provider.
// Returns a MeterProvider that should be shut down on application exit.
func InitMeter(ctx context.Context, cfg *Config) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}

	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}

	res, err := newResource(cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	readerOpts := []sdkmetric.PeriodicReaderOption{}
	if cfg.MetricInterval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.MetricInterval))
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, readerOpts...)),
		sdkmetric.WithResource(res),
	)

	otel.SetMeterProvider(mp)

	logger.Info("meter initialized", logger.Fields(
		"service", cfg.ServiceName,
		"endpoint", cfg.Endpoint,
		"interval", cfg.MetricInterval.String(),
	))

	return mp, nil
}

// Meter returns the pipeline meter from the global provider.
func Meter() metric.Meter {
	return otel.Meter(instrumentationName)
}

// Metrics holds the OpenTelemetry instruments for pipeline stages and
// LLM calls.
type Metrics struct {
	stageTotal      metric.Int64Counter
	stageDuration   metric.Float64Histogram
	llmCalls        metric.Int64Counter
	llmAttempts     metric.Int64Counter
	llmTokens       metric.Int64Counter
	llmDuration     metric.Float64Histogram
	sectionFailures metric.Int64Counter
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	stageTotal, err := meter.Int64Counter("pipeline.stage.total",
		metric.WithDescription("Pipeline stage executions by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating pipeline.stage.total counter: %w", err)
	}

	stageDuration, err := meter.Float64Histogram("pipeline.stage.duration",
		metric.WithDescription("Duration of pipeline stages in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating pipeline.stage.duration histogram: %w", err)
	}

	llmCalls, err := meter.Int64Counter("llm.calls.total",
		metric.WithDescription("LLM gateway invocations by provider and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating llm.calls.total counter: %w", err)
	}

	llmAttempts, err := meter.Int64Counter("llm.attempts.total",
		metric.WithDescription("HTTP attempts made by the LLM gateway, retries included"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating llm.attempts.total counter: %w", err)
	}

	llmTokens, err := meter.Int64Counter("llm.tokens.total",
		metric.WithDescription("Tokens reported or estimated for LLM calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating llm.tokens.total counter: %w", err)
	}

	llmDuration, err := meter.Float64Histogram("llm.call.duration",
		metric.WithDescription("Latency of LLM calls in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating llm.call.duration histogram: %w", err)
	}

	sectionFailures, err := meter.Int64Counter("minutes.section.failures",
		metric.WithDescription("Minutes sections that ended with an error body"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating minutes.section.failures counter: %w", err)
	}

	return &Metrics{
		stageTotal:      stageTotal,
		stageDuration:   stageDuration,
		llmCalls:        llmCalls,
		llmAttempts:     llmAttempts,
		llmTokens:       llmTokens,
		llmDuration:     llmDuration,
		sectionFailures: sectionFailures,
	}, nil
}

// RecordStage records one stage execution.
func (m *Metrics) RecordStage(ctx context.Context, stage, status string, d time.Duration) {
	m.stageTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("status", status),
	))
	m.stageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("stage", stage),
	))
}

// RecordLLMCall records one gateway invocation.
func (m *Metrics) RecordLLMCall(ctx context.Context, providerID, kind, status string, attempts, tokens int, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("provider", providerID),
		attribute.String("kind", kind),
	)
	m.llmCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", providerID),
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
	m.llmAttempts.Add(ctx, int64(attempts), attrs)
	if tokens > 0 {
		m.llmTokens.Add(ctx, int64(tokens), attrs)
	}
	m.llmDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordSectionFailure counts a failed minutes section.
func (m *Metrics) RecordSectionFailure(ctx context.Context, templateCode, section string) {
	m.sectionFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("template", templateCode),
		attribute.String("section", section),
	))
}

var _ Recorder = (*Metrics)(nil)
