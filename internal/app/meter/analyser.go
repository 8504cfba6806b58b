// Package meter turns raw capture audio into smoothed UI levels.
package meter

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/dkeye/voicelink/internal/domain"
)

const (
	DefaultFFTSize   = 256
	DefaultSmoothing = 0.8
	DefaultMinDB     = -100.0
	DefaultMaxDB     = -30.0

	maxSampleValue = 32768.0
)

type AnalyserOptions struct {
	FFTSize   int
	Smoothing float64
	MinDB     float64
	MaxDB     float64
}

func (o AnalyserOptions) withDefaults() AnalyserOptions {
	if o.FFTSize <= 0 || o.FFTSize%2 != 0 {
		o.FFTSize = DefaultFFTSize
	}
	if o.Smoothing < 0 || o.Smoothing >= 1 {
		o.Smoothing = DefaultSmoothing
	}
	if o.MinDB == 0 && o.MaxDB == 0 || o.MinDB >= o.MaxDB {
		o.MinDB, o.MaxDB = DefaultMinDB, DefaultMaxDB
	}
	return o
}

// Analyser keeps the most recent FFTSize samples of a capture and reports
// their frequency-domain energy averaged across bins, normalized to [0,1].
// Write is called from the capture callback, Level from the meter loop.
type Analyser struct {
	opts AnalyserOptions

	mu     sync.Mutex
	ring   []float64
	pos    int
	fft    *fourier.FFT
	window []float64
	frame  []float64
	coeffs []complex128
	smooth []float64
}

func NewAnalyser(opts AnalyserOptions) *Analyser {
	opts = opts.withDefaults()
	n := opts.FFTSize
	return &Analyser{
		opts:   opts,
		ring:   make([]float64, n),
		fft:    fourier.NewFFT(n),
		window: blackman(n),
		frame:  make([]float64, n),
		coeffs: make([]complex128, n/2+1),
		smooth: make([]float64, n/2),
	}
}

// Write appends S16 mono samples.
func (a *Analyser) Write(samples []int16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range samples {
		a.ring[a.pos] = float64(s) / maxSampleValue
		a.pos = (a.pos + 1) % len(a.ring)
	}
}

// Level computes one frame. Bins are smoothed over time, so successive calls
// decay toward silence rather than dropping to zero at once.
func (a *Analyser) Level() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.ring)
	for i := 0; i < n; i++ {
		a.frame[i] = a.ring[(a.pos+i)%n] * a.window[i]
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.frame)

	span := a.opts.MaxDB - a.opts.MinDB
	var sum float64
	for k := range a.smooth {
		c := a.coeffs[k]
		mag := math.Hypot(real(c), imag(c)) / float64(n)
		a.smooth[k] = a.opts.Smoothing*a.smooth[k] + (1-a.opts.Smoothing)*mag
		db := 20 * math.Log10(a.smooth[k])
		sum += domain.ClampLevel((db - a.opts.MinDB) / span)
	}
	return domain.ClampLevel(sum / float64(len(a.smooth)))
}

// Reset clears buffered audio and smoothing state.
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.ring)
	clear(a.smooth)
	a.pos = 0
}

func blackman(n int) []float64 {
	const a0, a1, a2 = 0.42, 0.5, 0.08
	w := make([]float64, n)
	for i := range w {
		x := 2 * math.Pi * float64(i) / float64(n)
		w[i] = a0 - a1*math.Cos(x) + a2*math.Cos(2*x)
	}
	return w
}
