package dsp

// DeltaWindow keeps the last N cepstra and computes backward-looking delta
// coefficients d[t] = sum_{n=1}^{N} n*(c[t]-c[t-n]) / sum_{n=1}^{N} n^2.
// Frames older than the first one seen are clamped to it, so the first
// delta is zero.
type DeltaWindow struct {
	n       int
	dim     int
	denom   float64
	history [][]float64 // history[0] is the previous frame
	filled  int
}

// NewDeltaWindow allocates history for n frames of dim coefficients
func NewDeltaWindow(n, dim int) *DeltaWindow {
	w := &DeltaWindow{
		n:       n,
		dim:     dim,
		history: make([][]float64, n),
	}
	for i := range w.history {
		w.history[i] = make([]float64, dim)
	}
	for k := 1; k <= n; k++ {
		w.denom += float64(k * k)
	}
	return w
}

// Reset forgets every stored frame
func (w *DeltaWindow) Reset() {
	w.filled = 0
}

// Push computes the delta of c against the stored history into out, then
// records c as the newest frame.
func (w *DeltaWindow) Push(c, out []float64) {
	if w.filled == 0 {
		for i := range out {
			out[i] = 0
		}
	} else {
		for d := 0; d < w.dim; d++ {
			var num float64
			for k := 1; k <= w.n; k++ {
				idx := k - 1
				if idx >= w.filled {
					idx = w.filled - 1
				}
				num += float64(k) * (c[d] - w.history[idx][d])
			}
			out[d] = num / w.denom
		}
	}

	// rotate: the oldest slice is reused for the newest frame
	oldest := w.history[w.n-1]
	copy(w.history[1:], w.history[:w.n-1])
	copy(oldest, c)
	w.history[0] = oldest
	if w.filled < w.n {
		w.filled++
	}
}
