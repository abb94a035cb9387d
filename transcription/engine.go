package transcription

import (
	"cmp"
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/kbukum/minutes/config"
	"github.com/kbukum/minutes/errors"
	"github.com/kbukum/minutes/logger"
	"github.com/kbukum/minutes/observability"
	"github.com/kbukum/minutes/provider"
	"github.com/kbukum/minutes/resilience"
	"github.com/kbukum/minutes/util"
)

// Engine runs ASR through a registered backend.
type Engine struct {
	backends *provider.Registry[Backend]
	cache    *ModelCache
	env      *config.Env
	log      *logger.Logger
	rec      observability.Recorder
	retry    resilience.RetryConfig

	backendCfg map[string]map[string]any
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache replaces the process-wide model cache.
func WithCache(c *ModelCache) Option { return func(e *Engine) { e.cache = c } }

// WithEnv overrides the environment snapshot used for defaults.
func WithEnv(env *config.Env) Option { return func(e *Engine) { e.env = env } }

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option { return func(e *Engine) { e.log = l } }

// WithRecorder reports stage outcomes to rec.
func WithRecorder(rec observability.Recorder) Option { return func(e *Engine) { e.rec = rec } }

// WithBackendConfig passes cfg to the named backend's factory.
func WithBackendConfig(name string, cfg map[string]any) Option {
	return func(e *Engine) {
		if e.backendCfg == nil {
			e.backendCfg = map[string]map[string]any{}
		}
		e.backendCfg[name] = cfg
	}
}

// WithLoadBackoff sets the delay before the single model-load retry.
func WithLoadBackoff(d time.Duration) Option {
	return func(e *Engine) { e.retry.InitialBackoff = d }
}

// NewEngine creates an Engine over backends.
func NewEngine(backends *provider.Registry[Backend], opts ...Option) *Engine {
	e := &Engine{
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
		o(e)
	}
	if e.env == nil {
		e.env = config.ReadEnv()
	}
	if e.log == nil {
		e.log = logger.GetGlobalLogger()
	}
	e.log = e.log.WithComponent("asr")
	e.rec = observability.OrNop(e.rec)
	return e
}

// Transcribe runs ASR on path.
func (e *Engine) Transcribe(ctx context.Context, path string, opts Options) (res *Result, err error) {
	opts.ApplyDefaults(e.env)
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if fi, statErr := os.Stat(path); statErr != nil || fi.IsDir() {
		return nil, errors.InputError("path", fmt.Sprintf("audio file %q not found", path))
	}

	backend, err := e.backend(opts.Backend)
	if err != nil {
		return nil, err
	}

	ctx, op := observability.StartOperation(ctx, e.rec, observability.StageASR)
	defer func() { op.End(ctx, err) }()

	started := time.Now()
	key := ModelKey{Backend: opts.Backend, Model: opts.ModelName, Device: opts.Device()}
	log := e.log.WithContext(ctx).WithFields(logger.Fields(
		logger.FieldModel, key.Model, logger.FieldDevice, key.Device, "backend", key.Backend,
	))

	model, hit, attempts, err := e.load(ctx, backend, key, log)
	if err != nil {
		return nil, err
	}

	params := e.inferenceParams(opts)
	inferCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	raw, err := model.Transcribe(inferCtx, path, params)
	if err != nil {
		if appErr, ok := errors.AsAppError(err); ok && appErr.Code == errors.ErrCodeInput {
			return nil, appErr
		}
		return nil, errors.Inference("asr", err).WithDetail(logger.FieldModel, key.Model)
	}

	info := model.Info()
	res = buildResult(raw)
	res.Audit = Audit{
		ParametersApplied: raw.ParamsSent,
		ModelMetadata: ModelMetadata{
			RequestedModel: opts.ModelName,
			LoadedModel:    util.Coalesce(info.Name, opts.ModelName),
			Backend:        opts.Backend,
			Device:         util.Coalesce(info.Device, key.Device),
			ComputeType:    info.ComputeType,
			SizeMB:         ModelSizeMB(util.Coalesce(info.Name, opts.ModelName)),
			NumThreads:     info.NumThreads,
			CacheHit:       hit,
			LoadAttempts:   attempts,
		},
		ConfidenceSource: res.Audit.ConfidenceSource,
		ProcessingTimeMS: time.Since(started).Milliseconds(),
	}
	if res.Audit.ParametersApplied == nil {
		res.Audit.ParametersApplied = params.Map()
	}

	observability.SetSpanAttribute(ctx, observability.AttrModel, res.Audit.ModelMetadata.LoadedModel)
	observability.SetSpanAttribute(ctx, observability.AttrDevice, res.Audit.ModelMetadata.Device)
	log.Info("transcription complete", logger.Fields(
		"segments", len(res.Segments),
		"language", res.LanguageDetected,
		"confidence_source", res.Audit.ConfidenceSource,
		logger.FieldDuration, res.Audit.ProcessingTimeMS,
	))
	return res, nil
}

// load fetches the model from the cache, retrying a failed load once.
func (e *Engine) load(ctx context.Context, b Backend, key ModelKey, log *logger.Logger) (Model, bool, int, error) {
	type loaded struct {
		m   Model
		hit bool
	}
	cfg := e.retry
	cfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
		log.Warn("model load failed, retrying", logger.Fields(
			logger.FieldAttempt, attempt, logger.FieldError, err.Error(), "backoff", backoff.String(),
		))
	}
	out, attempts, err := resilience.Do(ctx, cfg, func(int) (loaded, error) {
		m, hit, err := e.cache.Get(ctx, b, key)
		if err != nil {
			if appErr, ok := errors.AsAppError(err); ok && appErr.Code == errors.ErrCodeModelLoad {
				return loaded{}, appErr
			}
			return loaded{}, errors.ModelLoad(key.Model, key.Device, err)
		}
		return loaded{m, hit}, nil
	})
	if err != nil {
		if _, ok := errors.AsAppError(err); !ok {
			err = errors.ModelLoad(key.Model, key.Device, err)
		}
		return nil, false, attempts, err
	}
	return out.m, out.hit, attempts, nil
}

func (e *Engine) inferenceParams(opts Options) InferenceParams {
	p := DefaultInferenceParams()
	if opts.Language != LanguageAuto {
		p.Language = opts.Language
	}
	p.Temperature = opts.Temperature
	p.WordTimestamps = opts.WordTimestamps
	p.InitialPrompt = opts.InitialPrompt
	return p
}

// Map returns the parameters as an audit map.
func (p InferenceParams) Map() map[string]any {
	m := map[string]any{
		"beam_size":                  p.BeamSize,
		"best_of":                    p.BestOf,
		"vad_filter":                 p.VADFilter,
		"condition_on_previous_text": p.ConditionOnPreviousText,
		"no_speech_threshold":        p.NoSpeechThreshold,
		"temperature":                p.Temperature,
		"word_timestamps":            p.WordTimestamps,
		"language":                   util.Coalesce(p.Language, LanguageAuto),
	}
	if p.InitialPrompt != "" {
		m["initial_prompt"] = p.InitialPrompt
	}
	return m
}

func buildResult(raw *RawTranscript) *Result {
	segments := make([]Segment, 0, len(raw.Segments))
	sources := map[string]int{}
	texts := make([]string, 0, len(raw.Segments))
	for _, rs := range raw.Segments {
		conf, wordMean, source := SegmentConfidence(rs)
		sources[source]++
		text := strings.TrimSpace(rs.Text)
		segments = append(segments, Segment{
			Start:        rs.Start,
			End:          max(rs.End, rs.Start),
			Text:         text,
			Confidence:   util.Round(conf, 4),
			AvgLogProb:   rs.AvgLogProb,
			WordProbMean: wordMean,
			NoSpeechProb: rs.NoSpeechProb,
			Words:        rs.Words,
		})
	}
	slices.SortStableFunc(segments, func(a, b Segment) int {
		return cmp.Or(cmp.Compare(a.Start, b.Start), cmp.Compare(a.End, b.End))
	})
	for _, s := range segments {
		if s.Text != "" {
			texts = append(texts, s.Text)
		}
	}

	duration := raw.Duration
	if duration == 0 && len(segments) > 0 {
		duration = segments[len(segments)-1].End
	}
	return &Result{
		Segments:            segments,
		FullText:            strings.Join(texts, " "),
		LanguageDetected:    raw.Language,
		LanguageProbability: raw.LanguageProbability,
		Duration:            duration,
		Audit:               Audit{ConfidenceSource: summarizeSources(sources)},
	}
}

// Warm pre-loads models. Keys without a backend use the default backend.
func (e *Engine) Warm(ctx context.Context, keys []ModelKey) error {
	var errs []error
	for _, key := range keys {
		if key.Backend == "" {
			o := Options{}
			o.ApplyDefaults(e.env)
			key.Backend = o.Backend
		}
		if key.Device == "" {
			key.Device = DeviceCPU
		}
		b, err := e.backend(key.Backend)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, _, _, err := e.load(ctx, b, key, e.log); err != nil {
			errs = append(errs, err)
			continue
		}
		e.log.Info("model warmed", logger.Fields("key", key.String()))
	}
	return stderrors.Join(errs...)
}

// backend returns the named backend, building it from its registered
// factory on first use.
func (e *Engine) backend(name string) (Backend, error) {
	b, err := e.backends.GetOrCreate(name, e.backendCfg[name])
	if err != nil {
		return nil, errors.InputError("backend", fmt.Sprintf("unknown ASR backend %q (registered: %s)",
			name, strings.Join(e.backends.List(), ", "))).WithCause(err)
	}
	return b, nil
}

// Release evicts model on device from the cache.
func (e *Engine) Release(ctx context.Context, model, device string) error {
	return e.cache.Release(ctx, model, device)
}

// CheckHealth reports backend availability.
func (e *Engine) CheckHealth(ctx context.Context) observability.Health {
	h := observability.Health{Name: "asr", Status: observability.HealthStatusUp, Details: map[string]string{}}
	available := e.backends.Available(ctx)
	for _, name := range e.backends.List() {
		h.Details[name] = fmt.Sprint(slices.Contains(available, name))
	}
	if len(available) == 0 {
		h.Status = observability.HealthStatusDown
		h.Message = "no ASR backend reachable"
	}
	return h
}
