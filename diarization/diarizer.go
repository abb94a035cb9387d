package diarization

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kbukum/minutes/config"
	"github.com/kbukum/minutes/errors"
	"github.com/kbukum/minutes/logger"
	"github.com/kbukum/minutes/observability"
	"github.com/kbukum/minutes/provider"
	"github.com/kbukum/minutes/resilience"
)

// Diarizer runs diarization through a registered backend.
type Diarizer struct {
	backends   *provider.Registry[Backend]
	backendCfg map[string]map[string]any
	cache      *PipelineCache
	env        *config.Env
	log        *logger.Logger
	rec        observability.Recorder
	retry      resilience.RetryConfig
}

// Option configures a Diarizer.
type Option func(*Diarizer)

// WithCache replaces the process-wide pipeline cache.
func WithCache(c *PipelineCache) Option { return func(d *Diarizer) { d.cache = c } }

// WithEnv overrides the environment snapshot.
func WithEnv(env *config.Env) Option { return func(d *Diarizer) { d.env = env } }

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option { return func(d *Diarizer) { d.log = l } }

// WithRecorder reports stage outcomes to rec.
func WithRecorder(rec observability.Recorder) Option { return func(d *Diarizer) { d.rec = rec } }

// WithBackendConfig passes cfg to the named backend's factory.
func WithBackendConfig(name string, cfg map[string]any) Option {
	return func(d *Diarizer) {
		if d.backendCfg == nil {
			d.backendCfg = map[string]map[string]any{}
		}
		d.backendCfg[name] = cfg
	}
}

// WithLoadBackoff sets the delay before the pipeline-load retry.
func WithLoadBackoff(b time.Duration) Option {
	return func(d *Diarizer) { d.retry.InitialBackoff = b }
}

// NewDiarizer creates a Diarizer over backends.
func NewDiarizer(backends *provider.Registry[Backend], opts ...Option) *Diarizer {
	d := &Diarizer{
		backends: backends,
		cache:    defaultCache,
		retry: resilience.RetryConfig{
			MaxAttempts:    2,
			InitialBackoff: time.Second,
			BackoffFactor:  2,
			RetryIf:        errors.IsRetryable,
		},
	}
	for _, o := range opts {
		o(d)
	}
	if d.env == nil {
		d.env = config.ReadEnv()
	}
	if d.log == nil {
		d.log = logger.GetGlobalLogger()
	}
	d.log = d.log.WithComponent("diarization")
	d.rec = observability.OrNop(d.rec)
	return d
}

// Diarize runs speaker diarization on path.
func (d *Diarizer) Diarize(ctx context.Context, path string, opts Options) (res *Result, err error) {
	opts.ApplyDefaults(d.env)
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if fi, statErr := os.Stat(path); statErr != nil || fi.IsDir() {
		return nil, errors.InputError("path", fmt.Sprintf("audio file %q not found", path))
	}
	backend, err := d.backend(opts.Backend)
	if err != nil {
		return nil, err
	}

	ctx, op := observability.StartOperation(ctx, d.rec, observability.StageDiarization)
	defer func() { op.End(ctx, err) }()

	started := time.Now()
	log := d.log.WithContext(ctx)
	audit := Audit{
		RequestedPipeline: opts.PipelineName,
		Backend:           opts.Backend,
	}

	pipe, err := d.acquire(ctx, backend, opts, &audit, log)
	if err != nil {
		return nil, err
	}
	info := pipe.Info()
	audit.LoadedPipeline = info.Name
	audit.Device = info.Device
	if audit.Device == "" {
		audit.Device = opts.Device()
	}

	params := InferenceParams{MinSpeakers: opts.MinSpeakers, MaxSpeakers: opts.MaxSpeakers}
	if info.SupportsThreshold {
		t := opts.ClusteringThreshold
		params.ClusteringThreshold = &t
	}
	audit.ParametersApplied = params.Map()

	inferCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	turns, err := pipe.Diarize(inferCtx, path, params)
	if err != nil {
		if appErr, ok := errors.AsAppError(err); ok && appErr.Code == errors.ErrCodeInput {
			return nil, appErr
		}
		return nil, errors.Inference("diarization", err).WithDetail("pipeline", info.Name)
	}

	segments, speakers, mapping := Normalize(turns, MergeGap)
	audit.LabelMapping = mapping
	audit.SegmentsRaw = len(turns)
	audit.SegmentsMerged = len(turns) - len(segments)

	if opts.ExpectedSpeakers > 0 && len(speakers) != opts.ExpectedSpeakers {
		msg := fmt.Sprintf("detected %d speakers, roster lists %d", len(speakers), opts.ExpectedSpeakers)
		audit.Warnings = append(audit.Warnings, msg)
		log.Warn("speaker count differs from roster", logger.Fields(
			"detected", len(speakers), "expected", opts.ExpectedSpeakers,
		))
	}

	total := 0.0
	for _, s := range segments {
		total = max(total, s.End)
	}
	audit.ProcessingTimeMS = time.Since(started).Milliseconds()
	res = &Result{
		Segments:         segments,
		Speakers:         speakers,
		SpeakersDetected: len(speakers),
		TotalDuration:    total,
		Audit:            audit,
	}
	observability.SetSpanAttribute(ctx, observability.AttrModel, info.Name)
	log.Info("diarization complete", logger.Fields(
		"speakers", res.SpeakersDetected,
		"segments", len(segments),
		"pipeline", info.Name,
		"fallback", audit.FallbackUsed,
		logger.FieldDuration, audit.ProcessingTimeMS,
	))
	return res, nil
}

// acquire loads the requested pipeline, retrying once, and falls back to
// the baseline pipeline when that still fails.
func (d *Diarizer) acquire(ctx context.Context, b Backend, opts Options, audit *Audit, log *logger.Logger) (Pipeline, error) {
	key := PipelineKey{Backend: opts.Backend, Pipeline: opts.PipelineName, Device: opts.Device()}
	p, hit, attempts, err := d.load(ctx, b, key, opts.AuthToken, log)
	audit.LoadAttempts = attempts
	audit.CacheHit = hit
	if err == nil {
		return p, nil
	}
	if opts.PipelineName == BaselinePipeline || ctx.Err() != nil {
		return nil, err
	}

	log.Warn("pipeline load failed, falling back to baseline", logger.Fields(
		"pipeline", opts.PipelineName, "baseline", BaselinePipeline, logger.FieldError, err.Error(),
	))
	baseline := PipelineKey{Backend: opts.Backend, Pipeline: BaselinePipeline, Device: key.Device}
	p, hit, err2 := d.cache.Get(ctx, b, baseline, "")
	audit.LoadAttempts++
	if err2 != nil {
		return nil, errors.ModelLoad(opts.PipelineName, key.Device, err).
			WithDetail("fallback_error", err2.Error())
	}
	audit.CacheHit = hit
	audit.FallbackUsed = true
	audit.FallbackReason = err.Error()
	return p, nil
}

func (d *Diarizer) load(ctx context.Context, b Backend, key PipelineKey, token string, log *logger.Logger) (Pipeline, bool, int, error) {
	type loaded struct {
		p   Pipeline
		hit bool
	}
	cfg := d.retry
	cfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
		log.Warn("pipeline load failed, retrying", logger.Fields(
			logger.FieldAttempt, attempt, logger.FieldError, err.Error(), "backoff", backoff.String(),
		))
	}
	out, attempts, err := resilience.Do(ctx, cfg, func(int) (loaded, error) {
		p, hit, err := d.cache.Get(ctx, b, key, token)
		if err != nil {
			if appErr, ok := errors.AsAppError(err); ok && appErr.Code == errors.ErrCodeModelLoad {
				return loaded{}, appErr
			}
			return loaded{}, errors.ModelLoad(key.Pipeline, key.Device, err)
		}
		return loaded{p, hit}, nil
	})
	if err != nil {
		if _, ok := errors.AsAppError(err); !ok {
			err = errors.ModelLoad(key.Pipeline, key.Device, err)
		}
		return nil, false, attempts, err
	}
	return out.p, out.hit, attempts, nil
}

func (d *Diarizer) backend(name string) (Backend, error) {
	b, err := d.backends.GetOrCreate(name, d.backendCfg[name])
	if err != nil {
		return nil, errors.InputError("backend", fmt.Sprintf("unknown diarization backend %q (registered: %s)",
			name, strings.Join(d.backends.List(), ", "))).WithCause(err)
	}
	return b, nil
}

// Release evicts pipeline name on device from the cache.
func (d *Diarizer) Release(ctx context.Context, name, device string) error {
	return d.cache.Release(ctx, name, device)
}

// CheckHealth reports backend availability.
func (d *Diarizer) CheckHealth(ctx context.Context) observability.Health {
	available := d.backends.Available(ctx)
	return observability.AvailabilityHealth("diarization", len(available) > 0, false)
}
