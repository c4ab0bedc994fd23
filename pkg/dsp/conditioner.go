package dsp

import (
	"math"

	"phoneme-recognizer/pkg/errors"
)

// peakEpsilon is the smallest peak amplitude normalization will divide by
const peakEpsilon = 1e-12

// ConditionerConfig sizes a Conditioner
type ConditionerConfig struct {
	SourceRate   int        // rate of the snapshot fed to Process
	TargetRate   int        // rate after downsampling
	FrameLength  int        // samples produced per Process call
	LowPassRange float64    // transition band of the anti-alias filter in Hz
	PreEmphasis  float64    // first-difference coefficient, 0 disables
	Window       WindowType // analysis window
	Normalize    bool       // scale the frame to a unit peak
}

// Conditioner turns a raw snapshot into an analysis frame:
// low-pass, downsample, pre-emphasis, window, optional peak normalization.
// All scratch space is allocated by NewConditioner; Process does not allocate
// as long as the input length stays the same.
type Conditioner struct {
	cfg ConditionerConfig

	kernel   []float64
	window   []float64
	filtered []float64
	decim    []float64
}

// NewConditioner precomputes the filter kernel and window table
func NewConditioner(cfg ConditionerConfig) (*Conditioner, error) {
	if cfg.SourceRate <= 0 || cfg.TargetRate <= 0 {
		return nil, errors.NewInvalidConfig("sample_rate", cfg.SourceRate, "must be positive")
	}
	if cfg.TargetRate > cfg.SourceRate {
		return nil, errors.NewInvalidConfig("target_sample_rate", cfg.TargetRate, "must not exceed the source rate")
	}
	if cfg.FrameLength <= 0 {
		return nil, errors.NewInvalidConfig("frame_length", cfg.FrameLength, "must be positive")
	}
	if !cfg.Window.Valid() {
		return nil, errors.NewInvalidConfig("window", cfg.Window, "is not a known window")
	}

	c := &Conditioner{
		cfg:    cfg,
		window: WindowTable(cfg.Window, cfg.FrameLength),
		decim:  make([]float64, cfg.FrameLength),
	}
	if cfg.TargetRate < cfg.SourceRate {
		c.kernel = LowPassKernel(float64(cfg.SourceRate), float64(cfg.TargetRate)/2, cfg.LowPassRange)
		c.filtered = make([]float64, c.InputLength())
	}
	return c, nil
}

// FrameLength returns the length of the frames Process writes
func (c *Conditioner) FrameLength() int {
	return c.cfg.FrameLength
}

// InputLength returns the snapshot length that covers one frame at the source rate
func (c *Conditioner) InputLength() int {
	return InputLength(c.cfg.FrameLength, c.cfg.SourceRate, c.cfg.TargetRate)
}

// InputLength returns ceil(frameLength*sourceRate/targetRate)
func InputLength(frameLength, sourceRate, targetRate int) int {
	if targetRate <= 0 {
		return frameLength
	}
	return (frameLength*sourceRate + targetRate - 1) / targetRate
}

// Process conditions in into out. out must hold FrameLength samples.
func (c *Conditioner) Process(in []float64, out []float64) {
	src := in
	if c.kernel != nil {
		if cap(c.filtered) < len(in) {
			c.filtered = make([]float64, len(in))
		}
		c.filtered = c.filtered[:len(in)]
		Convolve(in, c.kernel, c.filtered)
		src = c.filtered
	}

	Downsample(src, c.decim, c.cfg.SourceRate, c.cfg.TargetRate)

	if c.cfg.PreEmphasis != 0 {
		PreEmphasis(c.decim, out, c.cfg.PreEmphasis)
	} else {
		copy(out, c.decim)
	}

	ApplyWindow(out, c.window)

	if c.cfg.Normalize {
		NormalizePeak(out)
	}
}

// LowPassKernel builds a sinc FIR kernel at sampleRate with the pass band
// ending at cutoff-rangeHz. The kernel length is round(3.1/(range/sampleRate)),
// forced odd so the filter has a centre tap.
func LowPassKernel(sampleRate, cutoff, rangeHz float64) []float64 {
	if rangeHz <= 0 {
		rangeHz = cutoff / 2
	}
	fc := (cutoff - rangeHz) / sampleRate
	if fc <= 0 {
		fc = cutoff / sampleRate / 2
	}
	band := rangeHz / sampleRate

	n := int(math.Round(3.1 / band))
	if n < 1 {
		n = 1
	}
	if n%2 == 0 {
		n++
	}

	kernel := make([]float64, n)
	mid := float64(n-1) / 2
	for i := range kernel {
		x := float64(i) - mid
		if x == 0 {
			kernel[i] = 2 * fc
			continue
		}
		ang := 2 * math.Pi * fc * x
		kernel[i] = 2 * fc * math.Sin(ang) / ang
	}
	return kernel
}

// Convolve computes the causal FIR response out[i] = sum_j kernel[j]*in[i-j].
// in and out must not alias.
func Convolve(in, kernel, out []float64) {
	for i := range out {
		var acc float64
		jmax := len(kernel)
		if i+1 < jmax {
			jmax = i + 1
		}
		for j := 0; j < jmax; j++ {
			acc += kernel[j] * in[i-j]
		}
		out[i] = acc
	}
}

// Downsample fills out from in, picking every Nth sample when the rates divide
// evenly and linearly interpolating otherwise. Reads past the end of in are
// clamped to the last sample.
func Downsample(in, out []float64, sourceRate, targetRate int) {
	if len(in) == 0 {
		for i := range out {
			out[i] = 0
		}
		return
	}
	last := len(in) - 1

	if sourceRate%targetRate == 0 {
		skip := sourceRate / targetRate
		for i := range out {
			idx := i * skip
			if idx > last {
				idx = last
			}
			out[i] = in[idx]
		}
		return
	}

	step := float64(sourceRate) / float64(targetRate)
	for i := range out {
		pos := step * float64(i)
		i0 := int(pos)
		if i0 >= last {
			out[i] = in[last]
			continue
		}
		t := pos - float64(i0)
		out[i] = in[i0]*(1-t) + in[i0+1]*t
	}
}

// PreEmphasis writes y[n] = x[n] - p*x[n-1] into out; y[0] = x[0]
func PreEmphasis(in, out []float64, p float64) {
	if len(in) == 0 {
		return
	}
	out[0] = in[0]
	for i := 1; i < len(in); i++ {
		out[i] = in[i] - p*in[i-1]
	}
}

// NormalizePeak scales x so its largest absolute value is 1.
// Frames with a peak below machine precision are left untouched.
func NormalizePeak(x []float64) {
	var peak float64
	for _, v := range x {
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	if peak < peakEpsilon {
		return
	}
	inv := 1 / peak
	for i := range x {
		x[i] *= inv
	}
}
