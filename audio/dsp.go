package audio

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Frame sizes for the energy-based silence trim.
const (
	trimFrameLength = 2048
	trimHopLength   = 512
)

// TrimSilence returns the [start, end) sample range whose frames are within
// topDB of the loudest frame. Silent or empty input keeps everything.
func TrimSilence(samples []float64, topDB float64) (start, end int) {
	n := len(samples)
	if n == 0 {
		return 0, 0
	}
	frames := frameRMS(samples, trimFrameLength, trimHopLength)
	peak := 0.0
	for _, v := range frames {
		peak = math.Max(peak, v)
	}
	if peak == 0 {
		return 0, n
	}

	threshold := peak * math.Pow(10, -topDB/20)
	first, last := -1, -1
	for i, v := range frames {
		if v > threshold {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return 0, n
	}
	start = first * trimHopLength
	end = min(n, last*trimHopLength+trimFrameLength)
	return start, end
}

// frameRMS computes RMS over non-centered frames. A signal shorter than one
// frame is a single frame.
func frameRMS(samples []float64, frameLen, hop int) []float64 {
	if len(samples) <= frameLen {
		return []float64{rms(samples)}
	}
	count := (len(samples)-frameLen)/hop + 1
	out := make([]float64, count)
	for i := range count {
		out[i] = rms(samples[i*hop : i*hop+frameLen])
	}
	return out
}

func rms(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(x)))
}

// Peak returns the largest absolute sample.
func Peak(samples []float64) float64 {
	peak := 0.0
	for _, v := range samples {
		peak = math.Max(peak, math.Abs(v))
	}
	return peak
}

// PeakNormalize scales samples in place so the peak sits at dbfs.
// Silent input is left unchanged.
func PeakNormalize(samples []float64, dbfs float64) {
	peak := Peak(samples)
	if peak == 0 {
		return
	}
	gain := math.Pow(10, dbfs/20) / peak
	for i := range samples {
		samples[i] *= gain
	}
}

// Preemphasis applies y[n] = x[n] - coef*x[n-1] and returns a new slice.
func Preemphasis(samples []float64, coef float64) []float64 {
	out := make([]float64, len(samples))
	if len(samples) == 0 {
		return out
	}
	out[0] = samples[0]
	for i := 1; i < len(samples); i++ {
		out[i] = samples[i] - coef*samples[i-1]
	}
	return out
}

// GateConfig tunes SpectralGate.
type GateConfig struct {
	FFTSize int
	Hop     int
	// NStd is how many standard deviations above the per-bin mean (in dB)
	// a bin must be to count as signal.
	NStd float64
	// PropDecrease is the attenuation applied to gated bins, 1 removes them.
	PropDecrease float64
}

// DefaultGateConfig mirrors a stationary noise reduction setup.
func DefaultGateConfig() GateConfig {
	return GateConfig{FFTSize: 1024, Hop: 256, NStd: 1.5, PropDecrease: 1.0}
}

// SpectralGate performs stationary noise reduction. The noise profile is
// estimated from the whole signal: per frequency bin, the mean plus NStd
// standard deviations of the dB magnitude over all frames.
func SpectralGate(samples []float64, cfg GateConfig) ([]float64, error) {
	if cfg.FFTSize <= 0 || cfg.FFTSize&(cfg.FFTSize-1) != 0 {
		return nil, fmt.Errorf("spectral gate: fft size %d is not a power of two", cfg.FFTSize)
	}
	if cfg.Hop <= 0 || cfg.Hop > cfg.FFTSize {
		return nil, fmt.Errorf("spectral gate: invalid hop %d", cfg.Hop)
	}
	if len(samples) < cfg.FFTSize {
		return nil, fmt.Errorf("spectral gate: signal of %d samples is shorter than one frame", len(samples))
	}

	fft := fourier.NewFFT(cfg.FFTSize)
	frames, padded := stft(fft, samples, cfg.FFTSize, cfg.Hop)
	bins := cfg.FFTSize/2 + 1

	mean := make([]float64, bins)
	std := make([]float64, bins)
	db := make([][]float64, len(frames))
	for t, frame := range frames {
		db[t] = make([]float64, bins)
		for k := range bins {
			v := 20 * math.Log10(cmplx.Abs(frame[k])+1e-10)
			db[t][k] = v
			mean[k] += v
		}
	}
	count := float64(len(frames))
	for k := range bins {
		mean[k] /= count
	}
	for t := range frames {
		for k := range bins {
			d := db[t][k] - mean[k]
			std[k] += d * d
		}
	}
	for k := range bins {
		std[k] = math.Sqrt(std[k] / count)
	}

	keep := 1 - cfg.PropDecrease
	for t, frame := range frames {
		for k := range bins {
			if db[t][k] <= mean[k]+cfg.NStd*std[k] {
				frame[k] *= complex(keep, 0)
			}
		}
	}

	return istft(fft, frames, cfg.FFTSize, cfg.Hop, padded, len(samples)), nil
}

func hann(n int) []float64 {
	w := make([]float64, n)
	for i := range n {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
	}
	return w
}

// stft zero-pads by fftSize/2 on both sides so edge samples get full
// window coverage. It returns the half spectra (fftSize/2+1 bins) and the
// padded length.
func stft(fft *fourier.FFT, samples []float64, fftSize, hop int) ([][]complex128, int) {
	pad := fftSize / 2
	padded := len(samples) + 2*pad
	x := make([]float64, padded)
	copy(x[pad:], samples)

	w := hann(fftSize)
	count := (padded-fftSize)/hop + 1
	frames := make([][]complex128, count)
	seq := make([]float64, fftSize)
	for t := range count {
		off := t * hop
		for i := range fftSize {
			seq[i] = x[off+i] * w[i]
		}
		frames[t] = fft.Coefficients(nil, seq)
	}
	return frames, padded
}

func istft(fft *fourier.FFT, frames [][]complex128, fftSize, hop, padded, n int) []float64 {
	w := hann(fftSize)
	out := make([]float64, padded)
	norm := make([]float64, padded)
	seq := make([]float64, fftSize)
	// Sequence is unnormalized
	scale := 1 / float64(fftSize)
	for t, frame := range frames {
		fft.Sequence(seq, frame)
		off := t * hop
		for i := range fftSize {
			out[off+i] += seq[i] * scale * w[i]
			norm[off+i] += w[i] * w[i]
		}
	}
	pad := fftSize / 2
	res := make([]float64, n)
	for i := range n {
		if d := norm[pad+i]; d > 1e-8 {
			res[i] = out[pad+i] / d
		}
	}
	return res
}
