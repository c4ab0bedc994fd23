package realtime

// ratioFloor is where a ratio absent from the raw results is dropped
const ratioFloor = 1e-6

// Smoother blends every new result into the previous one so consumers see a
// steady distribution instead of frame-to-frame jitter. With
// alpha = 1 - smoothness each value moves alpha of the way toward the new
// raw value; smoothness 0 passes raw results through.
type Smoother struct {
	smoothness float64
	ratios     map[string]float64
	volume     float64
}

// NewSmoother creates a smoother; smoothness is clamped to [0, 1)
func NewSmoother(smoothness float64) *Smoother {
	s := &Smoother{ratios: make(map[string]float64)}
	s.SetSmoothness(smoothness)
	return s
}

// SetSmoothness changes the blend factor without discarding state
func (s *Smoother) SetSmoothness(smoothness float64) {
	switch {
	case smoothness < 0:
		smoothness = 0
	case smoothness >= 1:
		smoothness = 0.999
	}
	s.smoothness = smoothness
}

func (s *Smoother) alpha() float64 {
	return 1 - s.smoothness
}

// Update blends raw ratios and volume into the running state and returns
// copies of the smoothed values. Ratios are renormalized to sum to 1. A raw
// distribution with no positive ratio zeroes the state, so a frame that
// matched nothing never reports the previous winner.
func (s *Smoother) Update(raw map[string]float64, volume float64) (map[string]float64, float64) {
	var rawSum float64
	for _, r := range raw {
		rawSum += r
	}
	if rawSum <= 0 {
		s.ratios = make(map[string]float64, len(raw))
		for name := range raw {
			s.ratios[name] = 0
		}
		return s.Ratios(), s.UpdateVolume(volume)
	}

	alpha := s.alpha()

	for name, r := range raw {
		cur := s.ratios[name]
		s.ratios[name] = cur + alpha*(r-cur)
	}
	for name, cur := range s.ratios {
		if _, ok := raw[name]; ok {
			continue
		}
		next := cur - alpha*cur
		if next < ratioFloor {
			delete(s.ratios, name)
			continue
		}
		s.ratios[name] = next
	}

	var sum float64
	for _, r := range s.ratios {
		sum += r
	}
	if sum > 0 {
		for name, r := range s.ratios {
			s.ratios[name] = r / sum
		}
	}

	return s.Ratios(), s.UpdateVolume(volume)
}

// UpdateVolume blends only the volume, leaving ratios unchanged
func (s *Smoother) UpdateVolume(volume float64) float64 {
	s.volume += s.alpha() * (volume - s.volume)
	return s.volume
}

// Ratios returns a copy of the smoothed ratios
func (s *Smoother) Ratios() map[string]float64 {
	out := make(map[string]float64, len(s.ratios))
	for k, v := range s.ratios {
		out[k] = v
	}
	return out
}

// Volume returns the smoothed volume
func (s *Smoother) Volume() float64 {
	return s.volume
}

// Reset forgets the ratio distribution, used when the vocabulary changes
func (s *Smoother) Reset() {
	s.ratios = make(map[string]float64)
}
