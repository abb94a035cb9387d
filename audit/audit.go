// Package audit collects the processing audit attached to transcript and
// minutes documents: what the caller asked for, what every stage actually
// ran with, the fusion summary and each LLM call.
package audit

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/kbukum/minutes/storage"
)

// Stage names used by the pipeline.
const (
	StageAudio         = "audio_enhancement"
	StageTranscription = "transcription"
	StageDiarization   = "diarization"
	StageMinutes       = "minutes"
)

// Stage is the audit entry of one pipeline stage.
type Stage struct {
	Success           bool           `json:"success"`
	ModelMetadata     any            `json:"model_metadata,omitempty"`
	ParametersApplied map[string]any `json:"parameters_applied,omitempty"`
	AuditInfo         any            `json:"audit_info,omitempty"`
	DurationMS        int64          `json:"duration_ms"`
	Error             string         `json:"error,omitempty"`
}

// FusionSummary describes how ASR and diarization segments were combined.
type FusionSummary struct {
	Method              string  `json:"method_used"`
	OverlapThreshold    float64 `json:"overlap_threshold"`
	SegmentsASR         int     `json:"segments_asr"`
	SegmentsDiarization int     `json:"segments_diarization"`
	SegmentsCombined    int     `json:"segments_combined"`
	// Unassigned counts segments with no overlapping speaker turn.
	Unassigned int  `json:"segments_unassigned"`
	Fallback   bool `json:"fallback_binding"`
}

// LLMCall is the audit entry of one gateway invocation.
type LLMCall struct {
	ProviderID string `json:"provider_id"`
	Kind       string `json:"kind"`
	Model      string `json:"model"`
	// SectionOrder is 0 for calls that do not belong to a section.
	SectionOrder int            `json:"section_order,omitempty"`
	Section      string         `json:"section,omitempty"`
	Parameters   map[string]any `json:"parameters"`
	Attempts     int            `json:"attempts"`
	TokensUsed   int            `json:"tokens_used"`
	LatencyMS    int64          `json:"latency_ms"`
	InputChars   int            `json:"input_chars"`
	Error        string         `json:"error,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Record is the assembled audit. Field order fixes the JSON key order;
// map keys are emitted sorted.
type Record struct {
	Timestamp    time.Time        `json:"timestamp"`
	CallerConfig map[string]any   `json:"caller_config,omitempty"`
	Stages       map[string]Stage `json:"stages"`
	Fusion       *FusionSummary   `json:"fusion,omitempty"`
	LLMCalls     []LLMCall        `json:"llm_calls"`
}

// LLMCallCount returns the number of recorded LLM calls.
func (r *Record) LLMCallCount() int { return len(r.LLMCalls) }

// Recorder accumulates audit entries. It is safe for concurrent use.
type Recorder struct {
	clock func() time.Time

	mu     sync.Mutex
	caller map[string]any
	stages map[string]Stage
	fusion *FusionSummary
	calls  []LLMCall
}

// NewRecorder creates a Recorder. A nil clock uses time.Now.
func NewRecorder(clock func() time.Time) *Recorder {
	if clock == nil {
		clock = time.Now
	}
	return &Recorder{clock: clock, stages: map[string]Stage{}}
}

// Now returns the recorder's clock reading.
func (r *Recorder) Now() time.Time { return r.clock() }

// SetCallerConfig records the configuration as the caller supplied it.
func (r *Recorder) SetCallerConfig(cfg map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caller = cfg
}

// RecordStage stores the entry for name, replacing an earlier one.
func (r *Recorder) RecordStage(name string, s Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages[name] = s
}

// RecordFusion stores the fusion summary.
func (r *Recorder) RecordFusion(s FusionSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fusion = &s
}

// RecordLLMCall appends a call. A zero Timestamp is set from the clock.
func (r *Recorder) RecordLLMCall(c LLMCall) {
	if c.Timestamp.IsZero() {
		c.Timestamp = r.clock()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

// Build returns a snapshot. LLM calls are ordered by section order with
// non-section calls last; calls of the same section keep recording order.
func (r *Recorder) Build() Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := Record{
		Timestamp:    r.clock(),
		CallerConfig: r.caller,
		Stages:       make(map[string]Stage, len(r.stages)),
		LLMCalls:     slices.Clone(r.calls),
	}
	for k, v := range r.stages {
		rec.Stages[k] = v
	}
	if r.fusion != nil {
		f := *r.fusion
		rec.Fusion = &f
	}
	if rec.LLMCalls == nil {
		rec.LLMCalls = []LLMCall{}
	}
	slices.SortStableFunc(rec.LLMCalls, func(a, b LLMCall) int {
		return cmp.Compare(sectionRank(a.SectionOrder), sectionRank(b.SectionOrder))
	})
	return rec
}

func sectionRank(order int) int {
	if order <= 0 {
		return int(^uint(0) >> 1)
	}
	return order
}

// Save builds the record and writes it as JSON under key.
func (r *Recorder) Save(ctx context.Context, s storage.Storage, key string) (Record, error) {
	rec := r.Build()
	return rec, storage.PutJSON(ctx, s, key, rec)
}
