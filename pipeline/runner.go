// Package pipeline turns a raw recording into a speaker-attributed
// transcript document: enhancement, then ASR and diarization side by side,
// then fusion. The document is written as {file_id}.json next to the
// enhanced WAV.
package pipeline

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kbukum/minutes/audio"
	"github.com/kbukum/minutes/audit"
	"github.com/kbukum/minutes/diarization"
	"github.com/kbukum/minutes/errors"
	"github.com/kbukum/minutes/fusion"
	"github.com/kbukum/minutes/logger"
	"github.com/kbukum/minutes/observability"
	"github.com/kbukum/minutes/storage"
	"github.com/kbukum/minutes/storage/local"
	"github.com/kbukum/minutes/transcription"
	"github.com/kbukum/minutes/util"
)

// Enhancer produces the normalized WAV. *audio.Enhancer implements it.
type Enhancer interface {
	Enhance(ctx context.Context, rawPath string, opts audio.Options) (*audio.Result, error)
}

// Transcriber runs ASR. *transcription.Engine implements it.
type Transcriber interface {
	Transcribe(ctx context.Context, path string, opts transcription.Options) (*transcription.Result, error)
}

// Diarizer runs speaker diarization. *diarization.Diarizer implements it.
type Diarizer interface {
	Diarize(ctx context.Context, path string, opts diarization.Options) (*diarization.Result, error)
}

// TranscriptionConfig holds the per-stage parameter sets of one run.
type TranscriptionConfig struct {
	Audio        audio.Options         `mapstructure:"audio" json:"audio"`
	ASR          transcription.Options `mapstructure:"asr" json:"asr"`
	Diarization  diarization.Options   `mapstructure:"diarization" json:"diarization"`
	Participants []fusion.Participant  `mapstructure:"participants" json:"participants"`
	Fuse         fusion.Options        `mapstructure:"fuse" json:"fuse"`
}

// DocumentKey is the storage key of the transcript document of fileID.
func DocumentKey(fileID string) string { return fileID + ".json" }

// Runner executes the transcript pipeline.
type Runner struct {
	enhancer    Enhancer
	transcriber Transcriber
	diarizer    Diarizer
	publisher   storage.Storage
	log         *logger.Logger
	rec         observability.Recorder
	clock       func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option { return func(r *Runner) { r.log = l } }

// WithRecorder sets the metrics recorder.
func WithRecorder(rec observability.Recorder) Option { return func(r *Runner) { r.rec = rec } }

// WithClock sets the audit clock.
func WithClock(clock func() time.Time) Option { return func(r *Runner) { r.clock = clock } }

// WithPublisher mirrors every transcript document to s.
func WithPublisher(s storage.Storage) Option { return func(r *Runner) { r.publisher = s } }

// NewRunner creates a Runner over the three stage implementations.
func NewRunner(enhancer Enhancer, transcriber Transcriber, diarizer Diarizer, opts ...Option) *Runner {
	r := &Runner{
		enhancer:    enhancer,
		transcriber: transcriber,
		diarizer:    diarizer,
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logger.GetGlobalLogger()
	}
	r.log = r.log.WithComponent("pipeline")
	r.rec = observability.OrNop(r.rec)
	return r
}

// Run processes rawPath and returns the fused document with its audit
// attached. ASR and diarization both run on the enhanced WAV and must both
// succeed; the first failure cancels the other.
func (r *Runner) Run(ctx context.Context, rawPath string, cfg TranscriptionConfig) (_ *fusion.Document, err error) {
	if err := cfg.Fuse.Validate(cfg.Participants); err != nil {
		return nil, err
	}

	fileID := util.Coalesce(cfg.Fuse.FileID, cfg.Audio.FileID, util.NewID())
	cfg.Audio.FileID = fileID
	cfg.Fuse.FileID = fileID
	if cfg.Diarization.ExpectedSpeakers == 0 {
		cfg.Diarization.ExpectedSpeakers = len(cfg.Participants)
	}

	ctx = observability.ContextWithRunID(ctx, fileID)
	ctx = logger.ContextWithRunID(ctx, fileID)
	ctx, op := observability.StartOperation(ctx, r.rec, observability.StageTranscript)
	defer func() { op.End(ctx, err) }()

	log := r.log.WithContext(ctx).WithFields(logger.Fields(logger.FieldFileID, fileID))
	start := time.Now()

	rec := audit.NewRecorder(r.clock)
	rec.SetCallerConfig(map[string]any{
		"audio":        cfg.Audio,
		"asr":          cfg.ASR,
		"diarization":  cfg.Diarization,
		"participants": cfg.Participants,
		"fuse":         cfg.Fuse,
	})

	enhanced, err := r.enhancer.Enhance(ctx, rawPath, cfg.Audio)
	if err != nil {
		log.Error("audio enhancement failed", logger.Fields(logger.FieldError, err.Error()))
		return nil, stageError(err, "audio enhancement")
	}
	rec.RecordStage(audit.StageAudio, audit.Stage{
		Success:           true,
		ModelMetadata:     map[string]any{"pipeline_version": enhanced.Metadata.PipelineVersion, "tools": enhanced.Metadata.Tools},
		ParametersApplied: enhanced.Metadata.ParametersApplied,
		AuditInfo:         enhanced.Metadata,
		DurationMS:        enhanced.Metadata.ProcessingTimeMS,
	})

	asr, diar, err := r.recognize(ctx, enhanced.EnhancedPath, cfg, rec)
	if err != nil {
		log.Error("recognition failed", logger.Fields(logger.FieldError, err.Error()))
		r.saveFailedAudit(ctx, rec, enhanced.EnhancedPath, fileID, log)
		return nil, stageError(err, "recognition")
	}

	cfg.Fuse.NormalizedWAV = enhanced.EnhancedPath
	_, fuseOp := observability.StartOperation(ctx, r.rec, observability.StageFusion)
	doc := fusion.Fuse(asr, diar, cfg.Participants, cfg.Fuse)
	fuseOp.End(ctx, nil)
	rec.RecordFusion(doc.Summary)

	record := rec.Build()
	doc.ProcessingAudit = &record

	if err := r.write(ctx, enhanced.EnhancedPath, doc); err != nil {
		log.Error("writing transcript failed", logger.Fields(logger.FieldError, err.Error()))
		return nil, errors.Internal(err).WithDetail("file_id", fileID)
	}

	log.Info("transcript ready", logger.Fields(
		"segments", len(doc.Segments),
		"speakers", doc.SpeakersDetected,
		logger.FieldDuration, time.Since(start).Milliseconds(),
	))
	return doc, nil
}

// recognize runs ASR and diarization concurrently and records both stages.
func (r *Runner) recognize(ctx context.Context, wav string, cfg TranscriptionConfig, rec *audit.Recorder) (*transcription.Result, *diarization.Result, error) {
	var (
		asr  *transcription.Result
		diar *diarization.Result
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		started := time.Now()
		res, err := r.transcriber.Transcribe(gctx, wav, cfg.ASR)
		if err != nil {
			rec.RecordStage(audit.StageTranscription, failedStage(err, started))
			return err
		}
		rec.RecordStage(audit.StageTranscription, audit.Stage{
			Success:           true,
			ModelMetadata:     res.Audit.ModelMetadata,
			ParametersApplied: res.Audit.ParametersApplied,
			AuditInfo: map[string]any{
				"confidence_source":    res.Audit.ConfidenceSource,
				"language_detected":    res.LanguageDetected,
				"language_probability": res.LanguageProbability,
				"segments":             len(res.Segments),
			},
			DurationMS: res.Audit.ProcessingTimeMS,
		})
		asr = res
		return nil
	})
	g.Go(func() error {
		started := time.Now()
		res, err := r.diarizer.Diarize(gctx, wav, cfg.Diarization)
		if err != nil {
			rec.RecordStage(audit.StageDiarization, failedStage(err, started))
			return err
		}
		rec.RecordStage(audit.StageDiarization, audit.Stage{
			Success: true,
			ModelMetadata: map[string]any{
				"requested_pipeline": res.Audit.RequestedPipeline,
				"loaded_pipeline":    res.Audit.LoadedPipeline,
				"backend":            res.Audit.Backend,
				"device":             res.Audit.Device,
				"fallback_used":      res.Audit.FallbackUsed,
			},
			ParametersApplied: res.Audit.ParametersApplied,
			AuditInfo:         res.Audit,
			DurationMS:        res.Audit.ProcessingTimeMS,
		})
		diar = res
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return asr, diar, nil
}

// write stores doc next to the enhanced WAV and mirrors it to the publisher.
func (r *Runner) write(ctx context.Context, wav string, doc *fusion.Document) error {
	dir, err := local.NewStorage(filepath.Dir(wav))
	if err != nil {
		return err
	}
	key := DocumentKey(doc.FileID)
	if err := storage.PutJSON(ctx, dir, key, doc); err != nil {
		return err
	}
	if r.publisher != nil {
		if err := storage.PutJSON(ctx, r.publisher, key, doc); err != nil {
			return err
		}
	}
	return nil
}

// saveFailedAudit keeps the audit of a run that failed after enhancement.
func (r *Runner) saveFailedAudit(ctx context.Context, rec *audit.Recorder, wav, fileID string, log *logger.Logger) {
	dir, err := local.NewStorage(filepath.Dir(wav))
	if err != nil {
		return
	}
	if _, err := rec.Save(context.WithoutCancel(ctx), dir, fileID+".audit.json"); err != nil {
		log.Warn("saving failed-run audit", logger.Fields(logger.FieldError, err.Error()))
	}
}

// CheckHealth aggregates the health of every stage that reports it.
func (r *Runner) CheckHealth(ctx context.Context, service, version string) *observability.ServiceHealth {
	sh := observability.NewServiceHealth(service, version)
	for _, c := range []any{r.enhancer, r.transcriber, r.diarizer} {
		if hc, ok := c.(observability.HealthChecker); ok {
			sh.AddComponent(hc.CheckHealth(ctx))
		}
	}
	return sh
}

func failedStage(err error, started time.Time) audit.Stage {
	return audit.Stage{Success: false, Error: err.Error(), DurationMS: time.Since(started).Milliseconds()}
}

func stageError(err error, op string) error {
	if appErr, ok := errors.AsAppError(err); ok {
		return appErr
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Timeout(op).WithCause(err)
	}
	return errors.Internal(err)
}
