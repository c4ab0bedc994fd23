package dsp

import "math"

// LogScale selects how mel energies are compressed
type LogScale string

const (
	LogScaleDecibel LogScale = "decibel"
	LogScaleLog10   LogScale = "log10"
)

// logFloor keeps empty bins finite after compression
const logFloor = 1e-10

// Valid reports whether s names a known scale
func (s LogScale) Valid() bool {
	return s == LogScaleDecibel || s == LogScaleLog10
}

// Compress applies log10 (or 10*log10 for decibels) to every element in place
func Compress(x []float64, scale LogScale) {
	mul := 1.0
	if scale == LogScaleDecibel {
		mul = 10
	}
	for i, v := range x {
		if v < logFloor {
			v = logFloor
		}
		x[i] = mul * math.Log10(v)
	}
}

// DCT is an unnormalized type-II discrete cosine transform with a cached basis
type DCT struct {
	n     int
	basis []float64 // basis[i*n+j] = cos((j+0.5)*i*pi/n)
}

// NewDCT precomputes the n x n cosine basis
func NewDCT(n int) *DCT {
	d := &DCT{n: n, basis: make([]float64, n*n)}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			d.basis[i*n+j] = math.Cos((float64(j) + 0.5) * float64(i) * math.Pi / float64(n))
		}
	}
	return d
}

// Transform writes the first len(out) coefficients of DCT-II(in) into out
func (d *DCT) Transform(in, out []float64) {
	for i := range out {
		row := d.basis[i*d.n : (i+1)*d.n]
		var sum float64
		for j, v := range in {
			sum += v * row[j]
		}
		out[i] = sum
	}
}
