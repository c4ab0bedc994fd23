package dsp

import "math"

// WindowType selects the analysis window applied before the transform
type WindowType string

const (
	WindowHamming        WindowType = "hamming"
	WindowHann           WindowType = "hann"
	WindowBlackmanHarris WindowType = "blackman_harris"
	WindowGaussian       WindowType = "gaussian"
)

// gaussianSigma is the window width relative to half the frame length
const gaussianSigma = 0.4

// Valid reports whether w names a known window
func (w WindowType) Valid() bool {
	switch w {
	case WindowHamming, WindowHann, WindowBlackmanHarris, WindowGaussian:
		return true
	}
	return false
}

// WindowTable returns the n coefficients of the window w
func WindowTable(w WindowType, n int) []float64 {
	table := make([]float64, n)
	if n == 1 {
		table[0] = 1
		return table
	}

	last := float64(n - 1)
	for i := range table {
		x := float64(i) / last
		switch w {
		case WindowHann:
			table[i] = 0.5 - 0.5*math.Cos(2*math.Pi*x)
		case WindowBlackmanHarris:
			table[i] = 0.35875 -
				0.48829*math.Cos(2*math.Pi*x) +
				0.14128*math.Cos(4*math.Pi*x) -
				0.01168*math.Cos(6*math.Pi*x)
		case WindowGaussian:
			half := last / 2
			d := (float64(i) - half) / (gaussianSigma * half)
			table[i] = math.Exp(-0.5 * d * d)
		default:
			table[i] = 0.54 - 0.46*math.Cos(2*math.Pi*x)
		}
	}
	return table
}

// ApplyWindow multiplies frame by table element-wise in place
func ApplyWindow(frame, table []float64) {
	for i := range frame {
		frame[i] *= table[i]
	}
}
