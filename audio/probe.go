package audio

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kbukum/minutes/errors"
	"github.com/kbukum/minutes/process"
)

// Tool binaries.
const (
	ToolFFmpeg  = "ffmpeg"
	ToolFFprobe = "ffprobe"
	ToolSox     = "sox"
)

type ffprobeOutput struct {
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		SampleRate string `json:"sample_rate"`
		Channels   int    `json:"channels"`
		Duration   string `json:"duration"`
	} `json:"streams"`
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		Size       string `json:"size"`
		BitRate    string `json:"bit_rate"`
	} `json:"format"`
}

// Probe inspects path with ffprobe. Input without an audio stream, or that
// ffprobe cannot parse, fails with AUDIO_PIPELINE_ERROR.
func Probe(ctx context.Context, exec process.Executor, path string, timeout time.Duration) (*Artifact, error) {
	res, err := exec.Run(ctx, process.Command{
		Binary:  ToolFFprobe,
		Args:    []string{"-v", "error", "-print_format", "json", "-show_format", "-show_streams", path},
		Timeout: timeout,
	})
	if err != nil {
		return nil, toolError(ToolFFprobe, path, res, err)
	}

	var out ffprobeOutput
	if err := json.Unmarshal(res.Stdout, &out); err != nil {
		return nil, errors.AudioPipeline(path, "unreadable ffprobe output").WithCause(err)
	}

	art := &Artifact{
		Path:    path,
		Variant: VariantRaw,
		Format:  firstFormat(out.Format.FormatName),
	}
	found := false
	for _, s := range out.Streams {
		if s.CodecType != "audio" {
			continue
		}
		found = true
		art.Codec = s.CodecName
		art.Channels = s.Channels
		art.SampleRate, _ = strconv.Atoi(s.SampleRate)
		art.Duration = parseFloat(s.Duration)
		break
	}
	if !found {
		return nil, errors.AudioPipeline(path, "no audio stream")
	}
	if d := parseFloat(out.Format.Duration); d > 0 {
		art.Duration = d
	}
	art.BitRate, _ = strconv.ParseInt(out.Format.BitRate, 10, 64)
	art.Size, _ = strconv.ParseInt(out.Format.Size, 10, 64)
	if art.Size == 0 {
		if fi, statErr := os.Stat(path); statErr == nil {
			art.Size = fi.Size()
		}
	}
	return art, nil
}

const stderrDetailBytes = 512

// toolError maps a failed invocation onto the taxonomy: a missing binary or
// timeout is EXTERNAL_TOOL_ERROR, ffprobe rejecting the input is
// AUDIO_PIPELINE_ERROR.
func toolError(tool, path string, res *process.Result, err error) error {
	exitCode := -1
	if res != nil {
		exitCode = res.ExitCode
	}
	if stderrors.Is(err, process.ErrNotFound) || stderrors.Is(err, process.ErrTimeout) || exitCode < 0 {
		return errors.ExternalTool(tool, exitCode, err)
	}
	if tool == ToolFFprobe {
		appErr := errors.AudioPipeline(path, "input cannot be decoded").WithCause(err)
		if msg := res.StderrTail(stderrDetailBytes); msg != "" {
			appErr.WithDetail("stderr", msg)
		}
		return appErr
	}
	appErr := errors.ExternalTool(tool, exitCode, err)
	if msg := res.StderrTail(stderrDetailBytes); msg != "" {
		appErr.WithDetail("stderr", msg)
	}
	return appErr
}

func firstFormat(name string) string {
	first, _, _ := strings.Cut(name, ",")
	return first
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}
