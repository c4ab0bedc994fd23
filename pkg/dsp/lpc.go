package dsp

import (
	"math"

	"phoneme-recognizer/pkg/errors"
)

// responseEpsilon is the smallest |A(w)|^2 the envelope will invert
const responseEpsilon = 1e-12

// Autocorrelate writes r[l] = sum_n x[n]*x[n+l] for l in [0, len(r))
func Autocorrelate(x, r []float64) {
	for l := range r {
		var sum float64
		for n := 0; n+l < len(x); n++ {
			sum += x[n] * x[n+l]
		}
		r[l] = sum
	}
}

// LevinsonDurbin solves for the prediction polynomial a (a[0] = 1) of order
// len(a)-1 from the autocorrelation r. e receives the residual energy after
// each order, with e[0] = 1 by convention and e[1] = r[0]*(1-k1^2).
// r, a and e must all have len(a) elements.
func LevinsonDurbin(r, a, e []float64) error {
	order := len(a) - 1
	if order < 1 || len(r) < order+1 || len(e) < order+1 {
		return errors.NewInvalidInput("levinson-durbin buffers are too short", map[string]interface{}{
			"order": order,
		})
	}
	if r[0] <= 0 {
		return errors.Wrap(errors.ErrDegenerateSpectrum, "autocorrelation has no energy")
	}

	for i := range a {
		a[i] = 0
		e[i] = 0
	}
	a[0] = 1
	e[0] = 1
	a[1] = -r[1] / r[0]
	e[1] = r[0] + r[1]*a[1]

	for k := 1; k < order; k++ {
		if e[k] <= 0 {
			// the predictor is already exact; higher orders add nothing
			for j := k + 1; j <= order; j++ {
				e[j] = e[k]
			}
			return nil
		}

		var acc float64
		for j := 0; j <= k; j++ {
			acc += a[j] * r[k+1-j]
		}
		lambda := -acc / e[k]

		for n := 0; n <= (k+1)/2; n++ {
			lo := a[n]
			hi := a[k+1-n]
			a[n] = lo + lambda*hi
			a[k+1-n] = hi + lambda*lo
		}

		e[k+1] = e[k] * (1 - lambda*lambda)
	}
	return nil
}

// FormantMethod selects how formants are read off the envelope
type FormantMethod string

const (
	FormantPeak             FormantMethod = "peak"
	FormantSecondDerivative FormantMethod = "second_derivative"
)

// Valid reports whether m names a known method
func (m FormantMethod) Valid() bool {
	return m == FormantPeak || m == FormantSecondDerivative
}

// MaxFormants is the number of formants an estimate can hold
const MaxFormants = 3

// FormantEstimate holds up to three formant frequencies in Hz
type FormantEstimate struct {
	Frequencies [MaxFormants]float64 `json:"frequencies"`
	Count       int                  `json:"count"`
}

// Vector copies the first len(dst) formants into dst and reports whether
// that many were found
func (f FormantEstimate) Vector(dst []float64) bool {
	if len(dst) > f.Count {
		return false
	}
	copy(dst, f.Frequencies[:len(dst)])
	return true
}

// LPCConfig sizes an LPC analyzer
type LPCConfig struct {
	FrameLength         int
	SampleRate          int
	Order               int
	FrequencyResolution int     // envelope bins
	MaxFrequency        float64 // frequency of the last envelope bin, Hz
	FilterCoefficient   float64 // envelope blend toward the new frame, 0..1
	MinLogMagnitude     float64 // log10 floor for formant peaks
	MinFormantGap       float64 // Hz between successive formants
	Method              FormantMethod
}

// LPCAnalyzer computes a smoothed all-pole envelope and picks formants from it
type LPCAnalyzer struct {
	cfg LPCConfig

	r, a, e  []float64
	cosTable []float64 // cosTable[n*(order+1)+k] = cos(w_n*k)
	sinTable []float64
	response []float64
	envelope []float64
	d2       []float64
	primed   bool
}

// NewLPCAnalyzer validates cfg and precomputes the frequency-response tables
func NewLPCAnalyzer(cfg LPCConfig) (*LPCAnalyzer, error) {
	if cfg.Order < 2 || cfg.Order >= cfg.FrameLength {
		return nil, errors.NewInvalidConfig("lpc_order", cfg.Order, "must be in [2, frame_length)")
	}
	if cfg.FrequencyResolution < 3 {
		return nil, errors.NewInvalidConfig("frequency_resolution", cfg.FrequencyResolution, "must be at least 3")
	}
	if cfg.MaxFrequency <= 0 || cfg.MaxFrequency > float64(cfg.SampleRate)/2 {
		return nil, errors.NewInvalidConfig("max_frequency", cfg.MaxFrequency, "must be in (0, nyquist]")
	}
	if cfg.FilterCoefficient <= 0 || cfg.FilterCoefficient > 1 {
		return nil, errors.NewInvalidConfig("filter_coefficient", cfg.FilterCoefficient, "must be in (0, 1]")
	}
	if !cfg.Method.Valid() {
		return nil, errors.NewInvalidConfig("formant_method", cfg.Method, "is not a known method")
	}

	p := cfg.Order + 1
	n := cfg.FrequencyResolution
	l := &LPCAnalyzer{
		cfg:      cfg,
		r:        make([]float64, p),
		a:        make([]float64, p),
		e:        make([]float64, p),
		cosTable: make([]float64, n*p),
		sinTable: make([]float64, n*p),
		response: make([]float64, n),
		envelope: make([]float64, n),
		d2:       make([]float64, n),
	}
	for bin := 0; bin < n; bin++ {
		w := 2 * math.Pi * l.BinFrequency(bin) / float64(cfg.SampleRate)
		for k := 0; k < p; k++ {
			l.cosTable[bin*p+k] = math.Cos(w * float64(k))
			l.sinTable[bin*p+k] = math.Sin(w * float64(k))
		}
	}
	return l, nil
}

// BinFrequency returns the frequency in Hz of envelope bin n
func (l *LPCAnalyzer) BinFrequency(n int) float64 {
	return l.cfg.MaxFrequency * float64(n) / float64(l.cfg.FrequencyResolution)
}

// Coefficients returns the prediction polynomial of the last frame
func (l *LPCAnalyzer) Coefficients() []float64 {
	return l.a
}

// ResidualEnergy returns the residual energy sequence of the last frame
func (l *LPCAnalyzer) ResidualEnergy() []float64 {
	return l.e
}

// Envelope returns the smoothed magnitude envelope
func (l *LPCAnalyzer) Envelope() []float64 {
	return l.envelope
}

// Reset discards the smoothed envelope
func (l *LPCAnalyzer) Reset() {
	l.primed = false
	for i := range l.response {
		l.response[i] = 0
		l.envelope[i] = 0
	}
}

// Analyze runs autocorrelation, Levinson-Durbin and envelope evaluation on
// frame, blends the result into the running envelope and returns the formants
func (l *LPCAnalyzer) Analyze(frame []float64) (FormantEstimate, error) {
	if len(frame) != l.cfg.FrameLength {
		return FormantEstimate{}, errors.NewInvalidInput("frame length does not match the analyzer", map[string]interface{}{
			"expected": l.cfg.FrameLength,
			"actual":   len(frame),
		})
	}

	Autocorrelate(frame, l.r)
	if err := LevinsonDurbin(l.r, l.a, l.e); err != nil {
		return FormantEstimate{}, err
	}

	l.evaluateResponse()

	fc := l.cfg.FilterCoefficient
	for i, h := range l.response {
		if !l.primed {
			l.envelope[i] = h
			continue
		}
		l.envelope[i] += fc * (h - l.envelope[i])
	}
	l.primed = true

	if l.cfg.Method == FormantSecondDerivative {
		return l.secondDerivativeFormants(), nil
	}
	return l.peakFormants(), nil
}

// evaluateResponse computes |1/A(w)| at every bin. Bins where A vanishes keep
// their previous value.
func (l *LPCAnalyzer) evaluateResponse() {
	p := l.cfg.Order + 1
	for bin := range l.response {
		var re, im float64
		row := bin * p
		for k := 0; k < p; k++ {
			re += l.a[k] * l.cosTable[row+k]
			im -= l.a[k] * l.sinTable[row+k]
		}
		mag2 := re*re + im*im
		if mag2 < responseEpsilon {
			continue
		}
		l.response[bin] = 1 / math.Sqrt(mag2)
	}
}

func (l *LPCAnalyzer) accept(est *FormantEstimate, bin int) bool {
	h := l.envelope[bin]
	if h <= 0 || math.Log10(h) < l.cfg.MinLogMagnitude {
		return false
	}
	f := l.BinFrequency(bin)
	if est.Count > 0 && f-est.Frequencies[est.Count-1] < l.cfg.MinFormantGap {
		return false
	}
	est.Frequencies[est.Count] = f
	est.Count++
	return true
}

func (l *LPCAnalyzer) peakFormants() FormantEstimate {
	var est FormantEstimate
	h := l.envelope
	for n := 1; n < len(h)-1 && est.Count < MaxFormants; n++ {
		if h[n] > h[n-1] && h[n] >= h[n+1] {
			l.accept(&est, n)
		}
	}
	return est
}

// secondDerivativeFormants takes, in every run of bins where the envelope is
// concave, the bin where the second difference is most negative
func (l *LPCAnalyzer) secondDerivativeFormants() FormantEstimate {
	var est FormantEstimate
	h := l.envelope
	n := len(h)

	l.d2[0] = 0
	l.d2[n-1] = 0
	for i := 1; i < n-1; i++ {
		l.d2[i] = h[i-1] - 2*h[i] + h[i+1]
	}

	best := -1
	for i := 1; i < n && est.Count < MaxFormants; i++ {
		if i < n-1 && l.d2[i] < 0 {
			if best < 0 || l.d2[i] < l.d2[best] {
				best = i
			}
			continue
		}
		if best >= 0 {
			l.accept(&est, best)
			best = -1
		}
	}
	return est
}
