package audio

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/kbukum/minutes/errors"
	"github.com/kbukum/minutes/logger"
	"github.com/kbukum/minutes/process"
	"github.com/kbukum/minutes/storage/local"
)

// fakeExec emulates ffprobe, ffmpeg and sox.
type fakeExec struct {
	mu       sync.Mutex
	missing  map[string]bool
	signal   []float64
	noAudio  bool
	soxFail  bool
	badInput bool
	calls    []process.Command
}

func (f *fakeExec) Available(binary string) bool { return !f.missing[binary] }

func (f *fakeExec) Run(_ context.Context, cmd process.Command) (*process.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	f.mu.Unlock()

	switch cmd.Binary {
	case ToolFFprobe:
		return f.probe(cmd.Args[len(cmd.Args)-1])
	case ToolFFmpeg:
		out := cmd.Args[len(cmd.Args)-1]
		sr := 16000
		if i := slices.Index(cmd.Args, "-ar"); i >= 0 {
			sr, _ = strconv.Atoi(cmd.Args[i+1])
		}
		if err := WriteWAV(out, &PCM{SampleRate: sr, Samples: f.signal}); err != nil {
			return &process.Result{ExitCode: 1}, err
		}
		return &process.Result{}, nil
	case ToolSox:
		if f.soxFail {
			return &process.Result{ExitCode: 2, Stderr: []byte("sox FAIL compand")}, fmt.Errorf("process: sox exit code 2")
		}
		data, err := os.ReadFile(cmd.Args[0])
		if err != nil {
			return &process.Result{ExitCode: 1}, err
		}
		return &process.Result{}, os.WriteFile(cmd.Args[1], data, 0o600)
	}
	return &process.Result{ExitCode: -1}, process.ErrNotFound
}

func (f *fakeExec) probe(path string) (*process.Result, error) {
	if strings.HasSuffix(path, ".wav") {
		pcm, err := ReadWAV(path)
		if err != nil {
			return &process.Result{ExitCode: 1}, err
		}
		fi, _ := os.Stat(path)
		return probeJSON("pcm_s16le", "wav", pcm.SampleRate, 1, pcm.Duration(), fi.Size(), true), nil
	}
	if f.badInput {
		return &process.Result{ExitCode: 1, Stderr: []byte("Invalid data found when processing input")},
			fmt.Errorf("process: ffprobe exit code 1")
	}
	return probeJSON("mp3", "mp3", 44100, 2, 3.2, 51200, !f.noAudio), nil
}

func probeJSON(codec, format string, sr, channels int, duration float64, size int64, audio bool) *process.Result {
	codecType := "audio"
	if !audio {
		codecType = "video"
	}
	out := map[string]any{
		"streams": []map[string]any{{
			"codec_type":  codecType,
			"codec_name":  codec,
			"sample_rate": strconv.Itoa(sr),
			"channels":    channels,
		}},
		"format": map[string]any{
			"format_name": format,
			"duration":    strconv.FormatFloat(duration, 'f', 6, 64),
			"size":        strconv.FormatInt(size, 10),
			"bit_rate":    "128000",
		},
	}
	data, _ := json.Marshal(out)
	return &process.Result{Stdout: data}
}

func (f *fakeExec) call(binary string) *process.Command {
	for i := range f.calls {
		if f.calls[i].Binary == binary {
			return &f.calls[i]
		}
	}
	return nil
}

// speechLike is 0.5 s of silence, 2 s of a tone over noise, 0.5 s of silence.
func speechLike(sr int) []float64 {
	rng := rand.New(rand.NewPCG(1, 2))
	out := make([]float64, 3*sr)
	for i := sr / 2; i < sr/2+2*sr; i++ {
		out[i] = 0.4*math.Sin(2*math.Pi*440*float64(i)/float64(sr)) + 0.02*(rng.Float64()*2-1)
	}
	return out
}

func rawFile(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "session.mp3")
	if err := os.WriteFile(p, []byte("ID3 not really mp3"), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func newTestEnhancer(t *testing.T, exec *fakeExec, opts ...Option) (*Enhancer, string) {
	t.Helper()
	tempRoot := t.TempDir()
	base := []Option{WithExecutor(exec), WithLogger(logger.NewNop()), WithTempRoot(tempRoot)}
	return NewEnhancer(append(base, opts...)...), tempRoot
}

func TestEnhanceFullChain(t *testing.T) {
	exec := &fakeExec{signal: speechLike(16000)}
	e, tempRoot := newTestEnhancer(t, exec)
	outDir := t.TempDir()

	res, err := e.Enhance(context.Background(), rawFile(t), Options{
		ApplyNoiseReduction: true,
		ApplyCompandFilter:  true,
		OutputDir:           outDir,
		FileID:              "acta-1",
	})
	if err != nil {
		t.Fatalf("Enhance() error = %v", err)
	}

	want := filepath.Join(outDir, "acta-1.wav")
	if abs, _ := filepath.Abs(want); res.EnhancedPath != abs {
		t.Errorf("EnhancedPath = %s, want %s", res.EnhancedPath, abs)
	}
	if _, err := os.Stat(res.EnhancedPath); err != nil {
		t.Fatalf("enhanced file missing: %v", err)
	}
	if res.Enhanced.SampleRate != 16000 || res.Enhanced.Channels != 1 {
		t.Errorf("enhanced = %d Hz / %d ch, want 16000 / 1", res.Enhanced.SampleRate, res.Enhanced.Channels)
	}
	if res.Enhanced.Variant != VariantEnhanced || res.Raw.Variant != VariantRaw {
		t.Errorf("unexpected variants %s / %s", res.Raw.Variant, res.Enhanced.Variant)
	}

	meta := res.Metadata
	wantSteps := []string{StepDecode, StepTrimNormalize, StepPreemphasis, StepNoiseReduction, StepPeakNormalize, StepBandpassCompand}
	if !slices.Equal(meta.StepsCompleted, wantSteps) {
		t.Errorf("StepsCompleted = %v, want %v", meta.StepsCompleted, wantSteps)
	}
	if len(meta.StepsSkipped) != 0 {
		t.Errorf("StepsSkipped = %v, want none", meta.StepsSkipped)
	}
	if meta.PipelineVersion != PipelineVersion {
		t.Errorf("PipelineVersion = %s", meta.PipelineVersion)
	}
	if meta.SamplesTrimmed <= 0 || meta.TrimReverted {
		t.Errorf("expected silence trimmed, got trimmed=%d reverted=%v", meta.SamplesTrimmed, meta.TrimReverted)
	}
	if meta.OriginalSampleRate != 44100 || meta.OriginalChannels != 2 {
		t.Errorf("original = %d Hz / %d ch", meta.OriginalSampleRate, meta.OriginalChannels)
	}
	if meta.ProcessedDuration >= 3.0 {
		t.Errorf("ProcessedDuration = %v, want < 3", meta.ProcessedDuration)
	}
	for _, tool := range []string{ToolFFmpeg, ToolFFprobe, ToolSox} {
		if !meta.Tools[tool] {
			t.Errorf("tool %s reported unavailable", tool)
		}
	}

	ff := exec.call(ToolFFmpeg)
	if ff == nil {
		t.Fatal("ffmpeg not invoked")
	}
	joined := strings.Join(ff.Args, " ")
	if !strings.Contains(joined, "-ac 1 -ar 16000 -vn -f wav -acodec pcm_s16le") {
		t.Errorf("unexpected ffmpeg args: %s", joined)
	}
	sox := exec.call(ToolSox)
	if sox == nil || !strings.Contains(strings.Join(sox.Args, " "), "highpass 300 lowpass 3400 compand 0.3,1 6:-70,-60,-20 -5 -90 0.2 gain -n") {
		t.Errorf("unexpected sox invocation: %+v", sox)
	}

	entries, _ := os.ReadDir(tempRoot)
	if len(entries) != 0 {
		t.Errorf("run directory not cleaned up: %d entries left", len(entries))
	}

	pcm, err := ReadWAV(res.EnhancedPath)
	if err != nil {
		t.Fatal(err)
	}
	want3dB := math.Pow(10, -3.0/20)
	if peak := Peak(pcm.Samples); math.Abs(peak-want3dB) > 0.01 {
		t.Errorf("peak = %v, want ~%v", peak, want3dB)
	}
}

func TestEnhanceOptionalStagesSkipped(t *testing.T) {
	exec := &fakeExec{signal: speechLike(16000)}
	e, _ := newTestEnhancer(t, exec)

	res, err := e.Enhance(context.Background(), rawFile(t), Options{OutputDir: t.TempDir(), FileID: "x"})
	if err != nil {
		t.Fatalf("Enhance() error = %v", err)
	}
	want := []string{StepNoiseReduction, StepBandpassCompand}
	if !slices.Equal(res.Metadata.StepsSkipped, want) {
		t.Errorf("StepsSkipped = %v, want %v", res.Metadata.StepsSkipped, want)
	}
	if exec.call(ToolSox) != nil {
		t.Error("sox must not run when compand is disabled")
	}
}

func TestEnhanceSoxFailureKeepsPrevious(t *testing.T) {
	exec := &fakeExec{signal: speechLike(16000), soxFail: true}
	e, tempRoot := newTestEnhancer(t, exec)

	res, err := e.Enhance(context.Background(), rawFile(t), Options{
		ApplyCompandFilter: true,
		OutputDir:          t.TempDir(),
		FileID:             "sox-fail",
	})
	if err != nil {
		t.Fatalf("optional stage failure must not abort: %v", err)
	}
	if !slices.Contains(res.Metadata.StepsSkipped, StepBandpassCompand) {
		t.Errorf("compand not recorded as skipped: %v", res.Metadata.StepsSkipped)
	}
	if res.Metadata.StepErrors[StepBandpassCompand] == "" {
		t.Error("expected compand error recorded")
	}
	if _, err := os.Stat(res.EnhancedPath); err != nil {
		t.Errorf("enhanced output missing: %v", err)
	}
	if entries, _ := os.ReadDir(tempRoot); len(entries) != 0 {
		t.Error("run directory not cleaned up after optional failure")
	}
}

func TestEnhanceSoxMissing(t *testing.T) {
	exec := &fakeExec{signal: speechLike(16000), missing: map[string]bool{ToolSox: true}}
	e, _ := newTestEnhancer(t, exec)

	res, err := e.Enhance(context.Background(), rawFile(t), Options{ApplyCompandFilter: true, OutputDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Enhance() error = %v", err)
	}
	if res.Metadata.Tools[ToolSox] {
		t.Error("sox reported available")
	}
	if !slices.Contains(res.Metadata.StepsSkipped, StepBandpassCompand) {
		t.Errorf("compand not skipped: %v", res.Metadata.StepsSkipped)
	}
	if res.Metadata.FileID == "" {
		t.Error("file id must be generated")
	}
}

func TestEnhanceTrimReverted(t *testing.T) {
	sr := 16000
	signal := make([]float64, 10*sr)
	for i := 5 * sr; i < 5*sr+100; i++ {
		signal[i] = 0.9
	}
	exec := &fakeExec{signal: signal}
	e, _ := newTestEnhancer(t, exec)

	res, err := e.Enhance(context.Background(), rawFile(t), Options{OutputDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Enhance() error = %v", err)
	}
	if !res.Metadata.TrimReverted {
		t.Error("expected trim to be reverted")
	}
	if res.Metadata.SamplesTrimmed != 0 {
		t.Errorf("SamplesTrimmed = %d, want 0", res.Metadata.SamplesTrimmed)
	}
	if math.Abs(res.Enhanced.Duration-10) > 0.01 {
		t.Errorf("duration = %v, want 10", res.Enhanced.Duration)
	}
}

func TestEnhanceErrors(t *testing.T) {
	tests := []struct {
		name string
		exec *fakeExec
		raw  func(t *testing.T) string
		opts Options
		code errors.ErrorCode
	}{
		{
			name: "missing input",
			exec: &fakeExec{},
			raw:  func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope.mp3") },
			code: errors.ErrCodeInput,
		},
		{
			name: "invalid sample rate",
			exec: &fakeExec{},
			raw:  rawFile,
			opts: Options{TargetSampleRate: 100},
			code: errors.ErrCodeInput,
		},
		{
			name: "file id escapes output dir",
			exec: &fakeExec{},
			raw:  rawFile,
			opts: Options{FileID: "../acta"},
			code: errors.ErrCodeInput,
		},
		{
			name: "file id with separator",
			exec: &fakeExec{},
			raw:  rawFile,
			opts: Options{FileID: `sub\acta`},
			code: errors.ErrCodeInput,
		},
		{
			name: "ffmpeg missing",
			exec: &fakeExec{missing: map[string]bool{ToolFFmpeg: true}},
			raw:  rawFile,
			code: errors.ErrCodeExternalTool,
		},
		{
			name: "ffprobe missing",
			exec: &fakeExec{missing: map[string]bool{ToolFFprobe: true}},
			raw:  rawFile,
			code: errors.ErrCodeExternalTool,
		},
		{
			name: "no audio stream",
			exec: &fakeExec{noAudio: true},
			raw:  rawFile,
			code: errors.ErrCodeAudioPipeline,
		},
		{
			name: "undecodable input",
			exec: &fakeExec{badInput: true},
			raw:  rawFile,
			code: errors.ErrCodeAudioPipeline,
		},
		{
			name: "empty decode",
			exec: &fakeExec{signal: nil},
			raw:  rawFile,
			code: errors.ErrCodeAudioPipeline,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e, _ := newTestEnhancer(t, tc.exec)
			opts := tc.opts
			opts.OutputDir = t.TempDir()
			_, err := e.Enhance(context.Background(), tc.raw(t), opts)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.CodeOf(err); got != tc.code {
				t.Errorf("code = %s, want %s (err: %v)", got, tc.code, err)
			}
		})
	}
}

func TestEnhancePublishes(t *testing.T) {
	pub, err := local.NewStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	e, _ := newTestEnhancer(t, &fakeExec{signal: speechLike(16000)}, WithPublisher(pub))

	res, err := e.Enhance(context.Background(), rawFile(t), Options{OutputDir: t.TempDir(), FileID: "pub"})
	if err != nil {
		t.Fatalf("Enhance() error = %v", err)
	}
	if !strings.HasPrefix(res.Metadata.PublishedURL, "file://") || !strings.HasSuffix(res.Metadata.PublishedURL, "pub.wav") {
		t.Errorf("PublishedURL = %q", res.Metadata.PublishedURL)
	}
	ok, err := pub.Exists(context.Background(), "pub.wav")
	if err != nil || !ok {
		t.Errorf("published object missing: %v", err)
	}
}

func TestCheckHealth(t *testing.T) {
	e, _ := newTestEnhancer(t, &fakeExec{missing: map[string]bool{ToolSox: true}})
	h := e.CheckHealth(context.Background())
	if h.Status != "degraded" {
		t.Errorf("status = %s, want degraded", h.Status)
	}

	e, _ = newTestEnhancer(t, &fakeExec{missing: map[string]bool{ToolFFmpeg: true}})
	if h := e.CheckHealth(context.Background()); h.Status != "down" {
		t.Errorf("status = %s, want down", h.Status)
	}
}

func TestToolErrorTimeout(t *testing.T) {
	err := toolError(ToolFFmpeg, "in", &process.Result{ExitCode: -1}, fmt.Errorf("%w after 1s", process.ErrTimeout))
	if errors.CodeOf(err) != errors.ErrCodeExternalTool {
		t.Errorf("code = %s", errors.CodeOf(err))
	}
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) || !stderrors.Is(appErr, process.ErrTimeout) {
		t.Error("cause must be preserved")
	}
}
