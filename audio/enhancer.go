package audio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kbukum/minutes/errors"
	"github.com/kbukum/minutes/logger"
	"github.com/kbukum/minutes/observability"
	"github.com/kbukum/minutes/process"
	"github.com/kbukum/minutes/storage"
	"github.com/kbukum/minutes/storage/local"
	"github.com/kbukum/minutes/util"
)

// Sox effect chain: voice band, soft compander, normalize.
var soxEffects = []string{
	"highpass", "300",
	"lowpass", "3400",
	"compand", "0.3,1", "6:-70,-60,-20", "-5", "-90", "0.2",
	"gain", "-n",
}

// Enhancer runs the enhancement chain. It is safe for concurrent use.
type Enhancer struct {
	exec      process.Executor
	log       *logger.Logger
	publisher storage.Storage
	rec       observability.Recorder
	tempRoot  string
	gate      GateConfig
}

// Option configures an Enhancer.
type Option func(*Enhancer)

// WithExecutor replaces the subprocess runner.
func WithExecutor(exec process.Executor) Option {
	return func(e *Enhancer) { e.exec = exec }
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(e *Enhancer) { e.log = log }
}

// WithPublisher mirrors the enhanced WAV to s as {file_id}.wav.
func WithPublisher(s storage.Storage) Option {
	return func(e *Enhancer) { e.publisher = s }
}

// WithRecorder reports stage outcomes to rec.
func WithRecorder(rec observability.Recorder) Option {
	return func(e *Enhancer) { e.rec = rec }
}

// WithTempRoot sets where run-scoped temp directories are created.
func WithTempRoot(dir string) Option {
	return func(e *Enhancer) { e.tempRoot = dir }
}

// WithGateConfig tunes noise reduction.
func WithGateConfig(cfg GateConfig) Option {
	return func(e *Enhancer) { e.gate = cfg }
}

// NewEnhancer creates an Enhancer backed by os/exec.
func NewEnhancer(opts ...Option) *Enhancer {
	e := &Enhancer{
		exec: process.NewRunner(5*time.Second, DefaultStageTimeout),
		gate: DefaultGateConfig(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.log == nil {
		e.log = logger.GetGlobalLogger()
	}
	e.log = e.log.WithComponent("audio")
	e.rec = observability.OrNop(e.rec)
	return e
}

// Tools reports which external binaries resolve.
func (e *Enhancer) Tools() map[string]bool {
	return map[string]bool{
		ToolFFmpeg:  e.exec.Available(ToolFFmpeg),
		ToolFFprobe: e.exec.Available(ToolFFprobe),
		ToolSox:     e.exec.Available(ToolSox),
	}
}

// CheckHealth reports media toolchain availability. sox is optional.
func (e *Enhancer) CheckHealth(_ context.Context) observability.Health {
	tools := e.Tools()
	h := observability.Health{Name: "audio", Status: observability.HealthStatusUp, Details: map[string]string{}}
	for _, tool := range util.SortedKeys(tools) {
		h.Details[tool] = fmt.Sprint(tools[tool])
	}
	switch {
	case !tools[ToolFFmpeg] || !tools[ToolFFprobe]:
		h.Status = observability.HealthStatusDown
		h.Message = "ffmpeg/ffprobe not found"
	case !tools[ToolSox]:
		h.Status = observability.HealthStatusDegraded
		h.Message = "sox not found, compand stage unavailable"
	}
	return h
}

// Enhance converts rawPath into {OutputDir}/{FileID}.wav.
func (e *Enhancer) Enhance(ctx context.Context, rawPath string, opts Options) (res *Result, err error) {
	opts.ApplyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.FileID == "" {
		opts.FileID = util.NewID()
	}
	if fi, statErr := os.Stat(rawPath); statErr != nil || fi.IsDir() {
		return nil, errors.InputError("raw_path", fmt.Sprintf("audio file %q not found", rawPath))
	}

	ctx, op := observability.StartOperation(ctx, e.rec, observability.StageAudio)
	defer func() { op.End(ctx, err) }()
	observability.SetSpanAttribute(ctx, observability.AttrFileID, opts.FileID)

	log := e.log.WithContext(ctx).WithFields(logger.Fields(logger.FieldFileID, opts.FileID))
	started := time.Now()

	tools := e.Tools()
	for _, tool := range []string{ToolFFprobe, ToolFFmpeg} {
		if !tools[tool] {
			return nil, errors.ExternalTool(tool, -1, fmt.Errorf("%w: %s", process.ErrNotFound, tool))
		}
	}

	dir, cleanup, err := newRunDir(e.tempRoot, opts.FileID)
	if err != nil {
		return nil, errors.Internal(err)
	}
	defer cleanup()

	meta := &Metadata{
		PipelineVersion: PipelineVersion,
		FileID:          opts.FileID,
		StepsCompleted:  []string{},
		StepsSkipped:    []string{},
		Tools:           tools,
		ParametersApplied: map[string]any{
			"target_sample_rate":    opts.TargetSampleRate,
			"apply_noise_reduction": opts.ApplyNoiseReduction,
			"apply_compand_filter":  opts.ApplyCompandFilter,
			"top_db":                DefaultTopDB,
			"preemphasis_coef":      DefaultPreemphasis,
			"peak_dbfs":             DefaultPeakDBFS,
			"min_trim_ratio":        MinTrimRatio,
		},
	}

	raw, err := Probe(ctx, e.exec, rawPath, opts.StageTimeout)
	if err != nil {
		return nil, err
	}
	meta.OriginalDuration = raw.Duration
	meta.OriginalSize = raw.Size
	meta.OriginalSampleRate = raw.SampleRate
	meta.OriginalChannels = raw.Channels

	// 1. decode
	decoded := filepath.Join(dir, "decoded.wav")
	if err := e.decode(ctx, rawPath, decoded, opts); err != nil {
		return nil, err
	}
	pcm, err := ReadWAV(decoded)
	if err != nil {
		return nil, errors.AudioPipeline(rawPath, "decoded audio unreadable").WithCause(err)
	}
	if len(pcm.Samples) == 0 {
		return nil, errors.AudioPipeline(rawPath, "decoded audio is empty")
	}
	meta.completed(StepDecode)
	meta.ParametersApplied["ffmpeg_args"] = decodeArgs(rawPath, decoded, opts.TargetSampleRate)

	// 2. trim + normalize
	samples := e.trim(pcm.Samples, meta, log)
	PeakNormalize(samples, DefaultPeakDBFS)
	meta.completed(StepTrimNormalize)

	// 3. pre-emphasis
	samples = Preemphasis(samples, DefaultPreemphasis)
	meta.completed(StepPreemphasis)

	// 4. noise reduction
	if opts.ApplyNoiseReduction {
		gated, gateErr := SpectralGate(samples, e.gate)
		if gateErr != nil {
			log.Warn("noise reduction failed, keeping previous signal", logger.ErrorFields(StepNoiseReduction, gateErr))
			meta.skipped(StepNoiseReduction, gateErr)
		} else {
			samples = gated
			meta.completed(StepNoiseReduction)
			meta.ParametersApplied["noise_reduction"] = map[string]any{
				"fft_size": e.gate.FFTSize, "hop": e.gate.Hop,
				"n_std": e.gate.NStd, "prop_decrease": e.gate.PropDecrease,
			}
		}
	} else {
		meta.skipped(StepNoiseReduction, nil)
	}

	// 5. peak normalize
	PeakNormalize(samples, DefaultPeakDBFS)
	meta.completed(StepPeakNormalize)

	current := filepath.Join(dir, "processed.wav")
	if err := WriteWAV(current, &PCM{SampleRate: pcm.SampleRate, Samples: samples}); err != nil {
		return nil, errors.Internal(fmt.Errorf("write processed wav: %w", err))
	}

	// 6. band pass + compand
	if opts.ApplyCompandFilter {
		current = e.compand(ctx, current, dir, opts, meta, log)
	} else {
		meta.skipped(StepBandpassCompand, nil)
	}

	enhancedPath, err := e.writeOutput(ctx, current, opts)
	if err != nil {
		return nil, err
	}

	enhanced, probeErr := Probe(ctx, e.exec, enhancedPath, opts.StageTimeout)
	if probeErr != nil {
		log.Warn("probe of enhanced audio failed, using decoded header", logger.ErrorFields("probe", probeErr))
		enhanced = artifactFromFile(enhancedPath, pcm.SampleRate, len(samples))
	}
	enhanced.Variant = VariantEnhanced
	enhanced.Path = enhancedPath

	meta.ProcessedDuration = enhanced.Duration
	meta.ProcessedSize = enhanced.Size
	meta.ProcessedSampleRate = enhanced.SampleRate
	meta.ProcessedChannels = enhanced.Channels
	if meta.OriginalSize > 0 {
		meta.CompressionRatio = util.Round(float64(meta.ProcessedSize)/float64(meta.OriginalSize), 4)
	}

	if e.publisher != nil {
		url, pubErr := storage.PublishFile(ctx, e.publisher, opts.FileID+".wav", enhancedPath)
		if pubErr != nil {
			log.Warn("publishing enhanced audio failed", logger.ErrorFields("publish", pubErr))
		} else {
			meta.PublishedURL = url
		}
	}
	meta.ProcessingTimeMS = time.Since(started).Milliseconds()

	log.Info("audio enhanced", logger.Fields(
		"steps", meta.StepsCompleted,
		"skipped", meta.StepsSkipped,
		"duration", meta.ProcessedDuration,
		logger.FieldDuration, meta.ProcessingTimeMS,
	))

	return &Result{
		EnhancedPath: enhancedPath,
		Raw:          *raw,
		Enhanced:     *enhanced,
		Metadata:     meta,
	}, nil
}

func decodeArgs(in, out string, sampleRate int) []string {
	return []string{
		"-y", "-i", in,
		"-ac", "1",
		"-ar", fmt.Sprint(sampleRate),
		"-vn",
		"-f", "wav",
		"-acodec", "pcm_s16le",
		out,
	}
}

func (e *Enhancer) decode(ctx context.Context, in, out string, opts Options) error {
	res, err := e.exec.Run(ctx, process.Command{
		Binary:  ToolFFmpeg,
		Args:    decodeArgs(in, out, opts.TargetSampleRate),
		Timeout: opts.StageTimeout,
	})
	if err != nil {
		return toolError(ToolFFmpeg, in, res, err)
	}
	return nil
}

func (e *Enhancer) trim(samples []float64, meta *Metadata, log *logger.Logger) []float64 {
	start, end := TrimSilence(samples, DefaultTopDB)
	kept := end - start
	if float64(kept) < MinTrimRatio*float64(len(samples)) {
		meta.TrimReverted = true
		log.Warn("silence trim kept too little audio, reverting", logger.Fields(
			"kept", kept, "total", len(samples),
		))
		out := make([]float64, len(samples))
		copy(out, samples)
		return out
	}
	meta.SamplesTrimmed = len(samples) - kept
	out := make([]float64, kept)
	copy(out, samples[start:end])
	return out
}

// compand runs the sox pass. On failure the input path is returned.
func (e *Enhancer) compand(ctx context.Context, in, dir string, opts Options, meta *Metadata, log *logger.Logger) string {
	if !meta.Tools[ToolSox] {
		log.Warn("sox not available, skipping compand stage")
		meta.skipped(StepBandpassCompand, fmt.Errorf("%w: %s", process.ErrNotFound, ToolSox))
		return in
	}
	out := filepath.Join(dir, "compand.wav")
	args := append([]string{in, out}, soxEffects...)
	res, err := e.exec.Run(ctx, process.Command{Binary: ToolSox, Args: args, Timeout: opts.StageTimeout})
	if err == nil {
		if _, statErr := os.Stat(out); statErr != nil {
			err = fmt.Errorf("sox produced no output: %w", statErr)
		}
	}
	if err != nil {
		toolErr := toolError(ToolSox, in, res, err)
		log.Warn("compand stage failed, keeping previous signal", logger.ErrorFields(StepBandpassCompand, toolErr))
		meta.skipped(StepBandpassCompand, toolErr)
		return in
	}
	meta.completed(StepBandpassCompand)
	meta.ParametersApplied["sox_effects"] = soxEffects
	return out
}

// writeOutput moves the final intermediate into the output directory.
// The local store writes through a temp file and rename.
func (e *Enhancer) writeOutput(ctx context.Context, src string, opts Options) (string, error) {
	out, err := local.NewStorage(opts.OutputDir)
	if err != nil {
		return "", errors.Internal(err)
	}
	f, err := os.Open(src)
	if err != nil {
		return "", errors.Internal(fmt.Errorf("open enhanced audio: %w", err))
	}
	defer f.Close() //nolint:errcheck // read-only

	key := opts.FileID + ".wav"
	if err := out.Upload(ctx, key, f); err != nil {
		return "", errors.Internal(err)
	}
	return out.Path(key)
}

func artifactFromFile(path string, sampleRate, samples int) *Artifact {
	art := &Artifact{
		Path:       path,
		Format:     "wav",
		Codec:      "pcm_s16le",
		Channels:   1,
		SampleRate: sampleRate,
		Duration:   float64(samples) / float64(sampleRate),
	}
	if fi, err := os.Stat(path); err == nil {
		art.Size = fi.Size()
	}
	return art
}

// newRunDir creates a temp directory for one run. cleanup removes it and
// is safe to call on every exit path.
func newRunDir(root, fileID string) (string, func(), error) {
	dir, err := os.MkdirTemp(root, "minutes-"+fileID+"-")
	if err != nil {
		return "", func() {}, fmt.Errorf("create run directory: %w", err)
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}
