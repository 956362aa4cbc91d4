package audio

import (
	"encoding/binary"
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	minFFTSize = 32
	maxFFTSize = 32768

	DefaultFFTSize   = 2048
	DefaultSmoothing = 0.8

	minDecibels = -100.0
	maxDecibels = -30.0
)

// Analyser computes smoothed frequency magnitudes over the most recent
// fftSize samples of a mono PCM16 stream. Byte output maps the
// [minDecibels, maxDecibels] range onto 0..255.
type Analyser struct {
	mu        sync.Mutex
	fftSize   int
	smoothing float64

	ring   []float64
	pos    int
	window []float64
	fft    *fourier.FFT
	frame  []float64
	coeffs []complex128
	mags   []float64
}

// NewAnalyser returns an analyser with the given FFT size and time
// smoothing constant. Sizes that are not a power of two within
// [32, 32768] fall back to DefaultFFTSize; smoothing is clamped to [0,1].
func NewAnalyser(fftSize int, smoothing float64) *Analyser {
	if fftSize < minFFTSize || fftSize > maxFFTSize || fftSize&(fftSize-1) != 0 {
		fftSize = DefaultFFTSize
	}
	if math.IsNaN(smoothing) {
		smoothing = DefaultSmoothing
	}
	smoothing = math.Min(math.Max(smoothing, 0), 1)

	window := make([]float64, fftSize)
	for i := range window {
		// Blackman
		x := 2 * math.Pi * float64(i) / float64(fftSize)
		window[i] = 0.42 - 0.5*math.Cos(x) + 0.08*math.Cos(2*x)
	}

	return &Analyser{
		fftSize:   fftSize,
		smoothing: smoothing,
		ring:      make([]float64, fftSize),
		window:    window,
		fft:       fourier.NewFFT(fftSize),
		frame:     make([]float64, fftSize),
		coeffs:    make([]complex128, fftSize/2+1),
		mags:      make([]float64, fftSize/2),
	}
}

func (a *Analyser) FFTSize() int { return a.fftSize }

func (a *Analyser) FrequencyBinCount() int { return a.fftSize / 2 }

// Write appends PCM16 little-endian samples to the analysis window.
func (a *Analyser) Write(data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i+1 < len(data); i += 2 {
		s := int16(binary.LittleEndian.Uint16(data[i:]))
		a.ring[a.pos] = float64(s) / 32768
		a.pos = (a.pos + 1) % a.fftSize
	}
}

// ByteFrequencyData runs one analysis pass and writes up to
// FrequencyBinCount values into dst.
func (a *Analyser) ByteFrequencyData(dst []uint8) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.analyse()

	scale := 255 / (maxDecibels - minDecibels)
	n := min(len(dst), len(a.mags))
	for i := 0; i < n; i++ {
		db := minDecibels
		if a.mags[i] > 0 {
			db = 20 * math.Log10(a.mags[i])
		}
		v := scale * (db - minDecibels)
		switch {
		case v < 0:
			dst[i] = 0
		case v > 255:
			dst[i] = 255
		default:
			dst[i] = uint8(v)
		}
	}
}

// analyse must be called with mu held.
func (a *Analyser) analyse() {
	for i := 0; i < a.fftSize; i++ {
		// oldest sample first
		a.frame[i] = a.ring[(a.pos+i)%a.fftSize] * a.window[i]
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.frame)

	norm := 1 / float64(a.fftSize)
	for k := range a.mags {
		c := a.coeffs[k]
		mag := math.Hypot(real(c), imag(c)) * norm
		a.mags[k] = a.smoothing*a.mags[k] + (1-a.smoothing)*mag
	}
}

// Reset clears buffered samples and smoothing history.
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.ring)
	clear(a.mags)
	a.pos = 0
}
