package dsp

import "math"

// minVolumeRange keeps the volume normalization from dividing by zero
const minVolumeRange = 1e-4

// RMS returns the root mean square of samples, 0 for an empty slice
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// NormalizeVolume maps an RMS amplitude onto [0,1] using a log10 range
// [minLog, maxLog]. Silence maps to 0.
func NormalizeVolume(rms, minLog, maxLog float64) float64 {
	if rms <= 0 {
		return 0
	}
	span := math.Max(maxLog-minLog, minVolumeRange)
	v := (math.Log10(rms) - minLog) / span
	return math.Max(0, math.Min(1, v))
}
