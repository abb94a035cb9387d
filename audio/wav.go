package audio

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVE format tags accepted by DecodeWAV. ffmpeg and sox emit
// WAVE_FORMAT_EXTENSIBLE for plain PCM too.
const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
)

// PCM holds mono samples in [-1, 1].
type PCM struct {
	SampleRate int
	Samples    []float64
}

// Duration returns the length in seconds.
func (p *PCM) Duration() float64 {
	if p.SampleRate == 0 {
		return 0
	}
	return float64(len(p.Samples)) / float64(p.SampleRate)
}

// ReadWAV decodes a PCM16 RIFF/WAVE file, averaging channels to mono.
func ReadWAV(path string) (*PCM, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeWAV(bytes.NewReader(raw))
}

// DecodeWAV decodes a PCM16 RIFF/WAVE stream.
func DecodeWAV(r io.ReadSeeker) (*PCM, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		if err := d.Err(); err != nil {
			return nil, fmt.Errorf("wav: invalid stream: %w", err)
		}
		return nil, fmt.Errorf("wav: not a RIFF/WAVE stream")
	}
	if (d.WavAudioFormat != wavFormatPCM && d.WavAudioFormat != wavFormatExtensible) || d.BitDepth != 16 {
		return nil, fmt.Errorf("wav: unsupported format %d/%d-bit, want PCM16", d.WavAudioFormat, d.BitDepth)
	}

	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("wav: read data: %w", err)
	}
	channels := int(d.NumChans)
	n := len(buf.Data) / channels
	samples := make([]float64, n)
	for i := range n {
		var sum float64
		for c := range channels {
			sum += float64(buf.Data[i*channels+c]) / 32768
		}
		samples[i] = sum / float64(channels)
	}
	return &PCM{SampleRate: int(d.SampleRate), Samples: samples}, nil
}

// WriteWAV writes p to path as mono PCM16.
func WriteWAV(path string, p *PCM) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	data := make([]int, len(p.Samples))
	for i, s := range p.Samples {
		data[i] = int(toInt16(s))
	}
	enc := wav.NewEncoder(f, p.SampleRate, 16, 1, wavFormatPCM)
	if err := enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: p.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}); err != nil {
		return fmt.Errorf("wav: write samples: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("wav: finalize header: %w", err)
	}
	return nil
}

func toInt16(s float64) int16 {
	v := math.Round(s * 32767)
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
