package pipeline

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kbukum/minutes/audio"
	"github.com/kbukum/minutes/audit"
	"github.com/kbukum/minutes/diarization"
	"github.com/kbukum/minutes/errors"
	"github.com/kbukum/minutes/fusion"
	"github.com/kbukum/minutes/logger"
	"github.com/kbukum/minutes/observability"
	"github.com/kbukum/minutes/storage/local"
	"github.com/kbukum/minutes/transcription"
	"github.com/kbukum/minutes/util"
)

var fixedNow = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// fakeEnhancer writes an empty {file_id}.wav into dir.
type fakeEnhancer struct {
	dir    string
	err    error
	calls  int32
	gotOpt audio.Options
	health observability.HealthStatus
}

func (f *fakeEnhancer) Enhance(_ context.Context, rawPath string, opts audio.Options) (*audio.Result, error) {
	atomic.AddInt32(&f.calls, 1)
	f.gotOpt = opts
	if f.err != nil {
		return nil, f.err
	}
	out := filepath.Join(f.dir, opts.FileID+".wav")
	if err := os.WriteFile(out, []byte("RIFF"), 0o644); err != nil {
		return nil, err
	}
	return &audio.Result{
		EnhancedPath: out,
		Raw:          audio.Artifact{Path: rawPath, Variant: audio.VariantRaw},
		Enhanced:     audio.Artifact{Path: out, Variant: audio.VariantEnhanced},
		Metadata: &audio.Metadata{
			PipelineVersion:   audio.PipelineVersion,
			FileID:            opts.FileID,
			StepsCompleted:    []string{audio.StepDecode, audio.StepPreemphasis},
			ParametersApplied: map[string]any{"target_sample_rate": 16000},
			ProcessingTimeMS:  12,
		},
	}, nil
}

func (f *fakeEnhancer) CheckHealth(context.Context) observability.Health {
	return observability.Health{Name: "audio", Status: statusOrUp(f.health)}
}

type fakeTranscriber struct {
	run   func(ctx context.Context) error
	calls int32
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, _ string, opts transcription.Options) (*transcription.Result, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.run != nil {
		if err := f.run(ctx); err != nil {
			return nil, err
		}
	}
	return &transcription.Result{
		Segments: []transcription.Segment{
			{Start: 0, End: 3.5, Text: "Buenos días.", Confidence: 0.9},
			{Start: 4, End: 9, Text: "Se aprueba el acta.", Confidence: 0.8},
		},
		FullText:         "Buenos días. Se aprueba el acta.",
		LanguageDetected: "es",
		Duration:         9,
		Audit: transcription.Audit{
			ParametersApplied: map[string]any{"beam_size": 1, "model": opts.ModelName},
			ModelMetadata:     transcription.ModelMetadata{RequestedModel: opts.ModelName, LoadedModel: opts.ModelName},
			ConfidenceSource:  "word_probability",
			ProcessingTimeMS:  40,
		},
	}, nil
}

type fakeDiarizer struct {
	run     func(ctx context.Context) error
	gotOpts diarization.Options
	health  observability.HealthStatus
}

func (f *fakeDiarizer) Diarize(ctx context.Context, _ string, opts diarization.Options) (*diarization.Result, error) {
	f.gotOpts = opts
	if f.run != nil {
		if err := f.run(ctx); err != nil {
			return nil, err
		}
	}
	return &diarization.Result{
		Segments: []diarization.Segment{
			{Start: 0, End: 3.6, Label: "SPEAKER_00", Index: 0},
			{Start: 3.9, End: 9.2, Label: "SPEAKER_01", Index: 1},
		},
		Speakers: []diarization.Speaker{
			{Index: 0, Label: "SPEAKER_00", FirstAppearance: 0, TotalTime: 3.6},
			{Index: 1, Label: "SPEAKER_01", FirstAppearance: 3.9, TotalTime: 5.3},
		},
		SpeakersDetected: 2,
		TotalDuration:    8.9,
		Audit: diarization.Audit{
			RequestedPipeline: opts.PipelineName,
			LoadedPipeline:    opts.PipelineName,
			ParametersApplied: map[string]any{"clustering_threshold": 0.5},
			ProcessingTimeMS:  30,
		},
	}, nil
}

func (f *fakeDiarizer) CheckHealth(context.Context) observability.Health {
	return observability.Health{Name: "diarization", Status: statusOrUp(f.health)}
}

func statusOrUp(s observability.HealthStatus) observability.HealthStatus {
	if s == "" {
		return observability.HealthStatusUp
	}
	return s
}

func roster() []fusion.Participant {
	return []fusion.Participant{
		{Order: 1, FullName: "Alberto", Role: "Alcalde"},
		{Order: 2, FullName: "Elizabeth", Role: "Concejala"},
	}
}

func testConfig(fileID string) TranscriptionConfig {
	return TranscriptionConfig{
		Audio:        audio.Options{FileID: fileID},
		ASR:          transcription.Options{ModelName: "base", Language: "es"},
		Diarization:  diarization.Options{PipelineName: "pyannote/speaker-diarization-3.1", AuthToken: "hf-secret"},
		Participants: roster(),
	}
}

func newTestRunner(e Enhancer, tr Transcriber, d Diarizer, opts ...Option) *Runner {
	opts = append([]Option{WithLogger(logger.NewNop()), WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewRunner(e, tr, d, opts...)
}

func TestRun_WritesDocument(t *testing.T) {
	dir := t.TempDir()
	enh := &fakeEnhancer{dir: dir}
	diar := &fakeDiarizer{}
	r := newTestRunner(enh, &fakeTranscriber{}, diar)

	doc, err := r.Run(context.Background(), "/in/session.mp3", testConfig("f-001"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if doc.FileID != "f-001" || doc.NormalizedWAV != filepath.Join(dir, "f-001.wav") {
		t.Errorf("doc = %s / %s", doc.FileID, doc.NormalizedWAV)
	}
	if doc.SpeakersDetected != 2 || doc.Speakers[0].Name != "Alberto" || doc.Speakers[1].Name != "Elizabeth" {
		t.Errorf("speakers = %+v", doc.Speakers)
	}
	if diar.gotOpts.ExpectedSpeakers != 2 {
		t.Errorf("ExpectedSpeakers = %d, want roster size 2", diar.gotOpts.ExpectedSpeakers)
	}

	rec := doc.ProcessingAudit
	if rec == nil {
		t.Fatal("audit not attached")
	}
	for _, stage := range []string{audit.StageAudio, audit.StageTranscription, audit.StageDiarization} {
		if s, ok := rec.Stages[stage]; !ok || !s.Success {
			t.Errorf("stage %s = %+v, %v", stage, s, ok)
		}
	}
	if rec.Stages[audit.StageTranscription].DurationMS != 40 {
		t.Errorf("transcription duration = %d", rec.Stages[audit.StageTranscription].DurationMS)
	}
	if rec.Fusion == nil || rec.Fusion.SegmentsCombined != 2 || rec.Fusion.Method != fusion.Method {
		t.Errorf("fusion summary = %+v", rec.Fusion)
	}
	if !rec.Timestamp.Equal(fixedNow) {
		t.Errorf("timestamp = %v", rec.Timestamp)
	}

	data, err := os.ReadFile(filepath.Join(dir, "f-001.json"))
	if err != nil {
		t.Fatalf("document not written: %v", err)
	}
	if strings.Contains(string(data), "hf-secret") {
		t.Error("auth token leaked into the document")
	}
	var stored map[string]json.RawMessage
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"file_id", "speakers_detected", "speakers", "segments", "metrics", "normalized_wav", "processing_audit"} {
		if _, ok := stored[key]; !ok {
			t.Errorf("stored document lacks %q", key)
		}
	}
}

func TestRun_RecognitionRunsConcurrently(t *testing.T) {
	asrStarted := make(chan struct{})
	diarStarted := make(chan struct{})
	wait := func(own, other chan struct{}) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			close(own)
			select {
			case <-other:
				return nil
			case <-time.After(2 * time.Second):
				return stderrors.New("stages ran sequentially")
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	r := newTestRunner(&fakeEnhancer{dir: t.TempDir()},
		&fakeTranscriber{run: wait(asrStarted, diarStarted)},
		&fakeDiarizer{run: wait(diarStarted, asrStarted)})

	if _, err := r.Run(context.Background(), "in.wav", testConfig("f-par")); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRun_FailureCancelsSibling(t *testing.T) {
	dir := t.TempDir()
	var diarCanceled atomic.Bool
	tr := &fakeTranscriber{run: func(context.Context) error {
		return errors.Inference("transcription", stderrors.New("sidecar crashed"))
	}}
	diar := &fakeDiarizer{run: func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			diarCanceled.Store(true)
			return ctx.Err()
		case <-time.After(2 * time.Second):
			return nil
		}
	}}
	r := newTestRunner(&fakeEnhancer{dir: dir}, tr, diar)

	doc, err := r.Run(context.Background(), "in.wav", testConfig("f-err"))
	if doc != nil || errors.CodeOf(err) != errors.ErrCodeInference {
		t.Fatalf("Run() = %v, %v; want INFERENCE_ERROR", doc, err)
	}
	if !diarCanceled.Load() {
		t.Error("diarization was not canceled")
	}
	if _, err := os.Stat(filepath.Join(dir, "f-err.json")); !os.IsNotExist(err) {
		t.Error("document written for a failed run")
	}

	var rec audit.Record
	data, err := os.ReadFile(filepath.Join(dir, "f-err.audit.json"))
	if err != nil {
		t.Fatalf("failed-run audit not saved: %v", err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatal(err)
	}
	if s := rec.Stages[audit.StageTranscription]; s.Success || !strings.Contains(s.Error, "INFERENCE_ERROR") {
		t.Errorf("transcription stage = %+v", s)
	}
	if !rec.Stages[audit.StageAudio].Success {
		t.Error("audio stage should be recorded as successful")
	}
}

func TestRun_EnhancementFailure(t *testing.T) {
	enh := &fakeEnhancer{err: errors.AudioPipeline("in.txt", "no audio stream")}
	tr := &fakeTranscriber{}
	r := newTestRunner(enh, tr, &fakeDiarizer{})

	_, err := r.Run(context.Background(), "in.txt", testConfig("f-bad"))
	if errors.CodeOf(err) != errors.ErrCodeAudioPipeline {
		t.Fatalf("err = %v, want AUDIO_PIPELINE_ERROR", err)
	}
	if atomic.LoadInt32(&tr.calls) != 0 {
		t.Error("ASR ran after enhancement failed")
	}
}

func TestRun_RosterValidation(t *testing.T) {
	tests := []struct {
		name         string
		participants []fusion.Participant
		required     bool
		wantErr      bool
	}{
		{"empty roster allowed", nil, false, false},
		{"empty roster required", nil, true, true},
		{"participant without name", []fusion.Participant{{Order: 1}}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enh := &fakeEnhancer{dir: t.TempDir()}
			cfg := testConfig("f-roster")
			cfg.Participants = tt.participants
			cfg.Fuse.ParticipantsRequired = tt.required

			_, err := newTestRunner(enh, &fakeTranscriber{}, &fakeDiarizer{}).Run(context.Background(), "in.wav", cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if errors.CodeOf(err) != errors.ErrCodeInput {
					t.Errorf("code = %s, want INPUT_ERROR", errors.CodeOf(err))
				}
				if atomic.LoadInt32(&enh.calls) != 0 {
					t.Error("enhancement ran with an invalid roster")
				}
			}
		})
	}
}

func TestRun_GeneratesFileID(t *testing.T) {
	enh := &fakeEnhancer{dir: t.TempDir()}
	doc, err := newTestRunner(enh, &fakeTranscriber{}, &fakeDiarizer{}).Run(context.Background(), "in.wav", testConfig(""))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !util.IsUUID(doc.FileID) || enh.gotOpt.FileID != doc.FileID {
		t.Errorf("file id = %q, enhancer got %q", doc.FileID, enh.gotOpt.FileID)
	}
}

func TestRun_MirrorsToPublisher(t *testing.T) {
	pub, err := local.NewStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	r := newTestRunner(&fakeEnhancer{dir: t.TempDir()}, &fakeTranscriber{}, &fakeDiarizer{}, WithPublisher(pub))
	if _, err := r.Run(context.Background(), "in.wav", testConfig("f-pub")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	ok, err := pub.Exists(context.Background(), DocumentKey("f-pub"))
	if err != nil || !ok {
		t.Errorf("published document missing: %v", err)
	}
}

func TestRun_DeadlineIsTimeout(t *testing.T) {
	block := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	r := newTestRunner(&fakeEnhancer{dir: t.TempDir()}, &fakeTranscriber{run: block}, &fakeDiarizer{run: block})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := r.Run(ctx, "in.wav", testConfig("f-slow")); errors.CodeOf(err) != errors.ErrCodeTimeout {
		t.Errorf("err = %v, want TIMEOUT", err)
	}
}

func TestCheckHealth(t *testing.T) {
	r := newTestRunner(&fakeEnhancer{}, &fakeTranscriber{}, &fakeDiarizer{health: observability.HealthStatusDown})
	sh := r.CheckHealth(context.Background(), "minutes", "1.0.0")
	if sh.Status != observability.HealthStatusDown {
		t.Errorf("status = %s, want down", sh.Status)
	}
	// the fake transcriber does not report health
	if len(sh.Components) != 2 {
		t.Errorf("components = %+v", sh.Components)
	}
}
