// Package metrics provides Prometheus collectors for the pipeline.
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kbukum/minutes/observability"
)

const namespace = "minutes"

// Metrics holds all Prometheus collectors for the pipeline.
type Metrics struct {
	// Stage metrics
	StagesTotal   *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	StagesActive  *prometheus.GaugeVec

	// LLM gateway metrics
	LLMCallsTotal   *prometheus.CounterVec
	LLMAttempts     *prometheus.HistogramVec
	LLMTokensTotal  *prometheus.CounterVec
	LLMCallDuration *prometheus.HistogramVec

	// Minutes metrics
	SectionFailures *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil reg uses
// the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		StagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_total",
			Help:      "Pipeline stage executions by stage and outcome",
		}, []string{"stage", "status"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage latency",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"stage"}),
		StagesActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage_active",
			Help:      "Pipeline stages currently running",
		}, []string{"stage"}),

		LLMCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_calls_total",
			Help:      "LLM gateway invocations by provider, kind and outcome",
		}, []string{"provider", "kind", "status"}),
		LLMAttempts: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_attempts",
			Help:      "HTTP attempts per LLM invocation",
			Buckets:   []float64{1, 2, 3, 4, 5},
		}, []string{"provider"}),
		LLMTokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "Tokens reported by providers or estimated from text length",
		}, []string{"provider", "kind"}),
		LLMCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_call_duration_seconds",
			Help:      "LLM invocation latency including retries",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"provider", "kind"}),

		SectionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "section_failures_total",
			Help:      "Minutes sections emitted with an error body",
		}, []string{"template", "section"}),
	}
}

// RecordStage implements observability.Recorder.
func (m *Metrics) RecordStage(_ context.Context, stage, status string, d time.Duration) {
	m.StagesTotal.WithLabelValues(stage, status).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordLLMCall implements observability.Recorder.
func (m *Metrics) RecordLLMCall(_ context.Context, providerID, kind, status string, attempts, tokens int, d time.Duration) {
	m.LLMCallsTotal.WithLabelValues(providerID, kind, status).Inc()
	m.LLMAttempts.WithLabelValues(providerID).Observe(float64(attempts))
	if tokens > 0 {
		m.LLMTokensTotal.WithLabelValues(providerID, kind).Add(float64(tokens))
	}
	m.LLMCallDuration.WithLabelValues(providerID, kind).Observe(d.Seconds())
}

// RecordSectionFailure implements observability.Recorder.
func (m *Metrics) RecordSectionFailure(_ context.Context, templateCode, section string) {
	m.SectionFailures.WithLabelValues(templateCode, section).Inc()
}

// TrackStage marks stage active until the returned function runs.
func (m *Metrics) TrackStage(stage string) func() {
	g := m.StagesActive.WithLabelValues(stage)
	g.Inc()
	return g.Dec
}

// SectionLabel formats a section order for use as a label when the
// section has no name.
func SectionLabel(order int, name string) string {
	if name != "" {
		return name
	}
	return "section_" + strconv.Itoa(order)
}

var _ observability.Recorder = (*Metrics)(nil)
