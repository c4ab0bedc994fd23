package phoneme

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"phoneme-recognizer/pkg/errors"
)

// vowelTargets holds f1, f2, f3 in Hz for the five-vowel profile
var vowelTargets = []struct {
	name     string
	formants [3]float64
}{
	{"A", [3]float64{800, 1200, 2500}},
	{"I", [3]float64{300, 2300, 3000}},
	{"U", [3]float64{300, 1200, 2300}},
	{"E", [3]float64{500, 1900, 2500}},
	{"O", [3]float64{500, 800, 2500}},
}

// DefaultVowelProfile returns the fixed A/I/U/E/O formant profile with
// dimensions formants per vowel (2 or 3)
func DefaultVowelProfile(dimensions, historyDepth int) (*Profile, error) {
	if dimensions != 2 && dimensions != 3 {
		return nil, errors.NewInvalidConfig("formant_dimensions", dimensions, "must be 2 or 3")
	}

	p, err := NewProfile(Options{
		Name:          "vowels",
		Dimension:     dimensions,
		HistoryDepth:  historyDepth,
		CompareMethod: CompareL2,
	})
	if err != nil {
		return nil, err
	}

	for _, v := range vowelTargets {
		idx, err := p.AddEntry(v.name)
		if err != nil {
			return nil, err
		}
		if err := p.Calibrate(idx, v.formants[:dimensions]); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// MatchFormants finds the entry whose average formant vector is nearest to
// formants in Euclidean distance. A nearest distance above tolerance is a
// rejected match (ok is false). The ratios are one-hot on the winner.
func MatchFormants(formants []float64, p *Profile, tolerance float64) (Classification, float64, bool, error) {
	return new(FormantMatcher).Match(formants, p, tolerance)
}

// FormantMatcher runs MatchFormants with scratch buffers kept between calls.
// It is not safe for concurrent use.
type FormantMatcher struct {
	names  []string
	scores []float64
	ratios []float64
}

// Match is MatchFormants; the returned slices are owned by m until the next call
func (m *FormantMatcher) Match(formants []float64, p *Profile, tolerance float64) (Classification, float64, bool, error) {
	if p == nil {
		return Classification{}, 0, false, errors.ErrProfileMissing
	}

	p.mutex.RLock()
	defer p.mutex.RUnlock()

	n := len(p.entries)
	if n == 0 {
		return Classification{}, 0, false, errors.Wrap(errors.ErrProfileMissing, "profile has no entries")
	}
	if len(formants) != p.opts.Dimension {
		return Classification{}, 0, false, errors.NewDimensionMismatch(p.opts.Dimension, len(formants))
	}

	best, bestDist := -1, math.Inf(1)
	for k, e := range p.entries {
		if d := floats.Distance(formants, e.average, 2); d < bestDist {
			best, bestDist = k, d
		}
	}
	if bestDist > tolerance {
		return Classification{}, bestDist, false, nil
	}

	m.names = p.appendNames(m.names[:0])
	m.scores = resize(m.scores, n)
	m.ratios = resize(m.ratios, n)
	for i := range m.scores {
		m.scores[i] = 0
		m.ratios[i] = 0
	}
	m.scores[best] = 1
	m.ratios[best] = 1

	return Classification{
		Index:   best,
		Phoneme: p.entries[best].Name,
		Names:   m.names,
		Scores:  m.scores,
		Ratios:  m.ratios,
	}, bestDist, true, nil
}
