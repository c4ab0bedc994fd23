package dsp

import (
	"math"

	"phoneme-recognizer/pkg/errors"
)

// HzToMel converts a frequency to the mel scale
func HzToMel(hz float64) float64 {
	return 1127.01 * math.Log(hz/700+1)
}

// MelToHz converts a mel value back to Hz
func MelToHz(mel float64) float64 {
	return 700 * (math.Exp(mel/1127.01) - 1)
}

type melFilter struct {
	first   int
	weights []float64
}

// MelFilterbank projects a magnitude spectrum onto triangular bins spaced
// uniformly in mel between 0 Hz and Nyquist. Each triangle is scaled by the
// inverse of its half width so every channel has roughly unit area.
type MelFilterbank struct {
	filters []melFilter
}

// NewMelFilterbank builds channels filters for an fftSize-point spectrum at sampleRate
func NewMelFilterbank(channels, fftSize, sampleRate int) (*MelFilterbank, error) {
	if channels <= 0 {
		return nil, errors.NewInvalidConfig("mel_channels", channels, "must be positive")
	}
	if fftSize < 2 || sampleRate <= 0 {
		return nil, errors.NewInvalidConfig("fft_size", fftSize, "is too small for a filterbank")
	}

	fMax := float64(sampleRate) / 2
	nMax := fftSize / 2
	df := fMax / float64(nMax)
	dMel := HzToMel(fMax) / float64(channels+1)

	fb := &MelFilterbank{filters: make([]melFilter, channels)}
	for ch := 0; ch < channels; ch++ {
		fBegin := MelToHz(dMel * float64(ch))
		fCenter := MelToHz(dMel * float64(ch+1))
		fEnd := MelToHz(dMel * float64(ch+2))

		iBegin := int(math.Ceil(fBegin / df))
		iCenter := int(math.Round(fCenter / df))
		iEnd := int(math.Floor(fEnd / df))
		if iEnd > nMax {
			iEnd = nMax
		}

		norm := (fEnd - fBegin) / 2
		filter := melFilter{first: iBegin + 1}
		for i := iBegin + 1; i <= iEnd; i++ {
			f := df * float64(i)
			var a float64
			if i < iCenter {
				a = (f - fBegin) / (fCenter - fBegin)
			} else {
				a = (fEnd - f) / (fEnd - fCenter)
			}
			if a < 0 {
				a = 0
			}
			filter.weights = append(filter.weights, a/norm)
		}
		fb.filters[ch] = filter
	}
	return fb, nil
}

// Channels returns the number of filters
func (fb *MelFilterbank) Channels() int {
	return len(fb.filters)
}

// Apply writes the weighted sum of spectrum under each filter into out
func (fb *MelFilterbank) Apply(spectrum, out []float64) {
	for ch, filter := range fb.filters {
		var sum float64
		for j, w := range filter.weights {
			sum += w * spectrum[filter.first+j]
		}
		out[ch] = sum
	}
}
