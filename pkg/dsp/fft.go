package dsp

import (
	"math"
	"math/cmplx"

	"phoneme-recognizer/pkg/errors"
)

// FFT is a precomputed radix-2 decimation-in-time transform of a fixed size
type FFT struct {
	n       int
	twiddle []complex128
	in      []complex128
	out     []complex128
}

// IsPowerOfTwo reports whether n is a positive power of two
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// NewFFT allocates twiddle factors and buffers for transforms of length n
func NewFFT(n int) (*FFT, error) {
	if !IsPowerOfTwo(n) {
		return nil, errors.NewInvalidConfig("fft_size", n, "must be a power of two")
	}

	f := &FFT{
		n:       n,
		twiddle: make([]complex128, n/2),
		in:      make([]complex128, n),
		out:     make([]complex128, n),
	}
	for k := range f.twiddle {
		f.twiddle[k] = cmplx.Rect(1, -2*math.Pi*float64(k)/float64(n))
	}
	return f, nil
}

// Size returns the transform length
func (f *FFT) Size() int {
	return f.n
}

// Transform runs the forward FFT of a real frame and returns the complex
// spectrum. The returned slice is owned by f and overwritten by the next call.
func (f *FFT) Transform(frame []float64) []complex128 {
	for i := range f.in {
		if i < len(frame) {
			f.in[i] = complex(frame[i], 0)
		} else {
			f.in[i] = 0
		}
	}
	f.recurse(f.out, f.in, f.n, 1)
	return f.out
}

// Magnitude writes |X[k]| for every bin of the transform of frame into mag
func (f *FFT) Magnitude(frame []float64, mag []float64) {
	spectrum := f.Transform(frame)
	for i := range mag {
		mag[i] = cmplx.Abs(spectrum[i])
	}
}

// recurse computes out = DFT(in[0], in[stride], in[2*stride], ...) of length n.
// Even samples land in out[:n/2], odd samples in out[n/2:], then the
// butterflies combine them in place.
func (f *FFT) recurse(out, in []complex128, n, stride int) {
	if n == 1 {
		out[0] = in[0]
		return
	}

	half := n / 2
	f.recurse(out[:half], in, half, stride*2)
	f.recurse(out[half:], in[stride:], half, stride*2)

	for k := 0; k < half; k++ {
		t := f.twiddle[k*stride] * out[k+half]
		e := out[k]
		out[k] = e + t
		out[k+half] = e - t
	}
}
