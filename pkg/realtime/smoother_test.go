package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSmootherDisabledPassesRawThrough(t *testing.T) {
	s := NewSmoother(0)

	raw := map[string]float64{"A": 0.7, "I": 0.3}
	ratios, volume := s.Update(raw, 0.4)
	assert.InDelta(t, 0.7, ratios["A"], 1e-12)
	assert.InDelta(t, 0.3, ratios["I"], 1e-12)
	assert.InDelta(t, 0.4, volume, 1e-12)

	ratios, volume = s.Update(map[string]float64{"A": 0.1, "I": 0.9}, 0.2)
	assert.InDelta(t, 0.1, ratios["A"], 1e-12)
	assert.InDelta(t, 0.9, ratios["I"], 1e-12)
	assert.InDelta(t, 0.2, volume, 1e-12)
}

func TestSmootherBlendsTowardRaw(t *testing.T) {
	s := NewSmoother(0.5)

	ratios, volume := s.Update(map[string]float64{"A": 1, "I": 0}, 0.8)
	assert.InDelta(t, 1.0, ratios["A"], 1e-12)
	assert.InDelta(t, 0.0, ratios["I"], 1e-12)
	assert.InDelta(t, 0.4, volume, 1e-12)

	ratios, volume = s.Update(map[string]float64{"A": 0, "I": 1}, 0.8)
	assert.InDelta(t, 0.5, ratios["A"], 1e-12)
	assert.InDelta(t, 0.5, ratios["I"], 1e-12)
	assert.InDelta(t, 0.6, volume, 1e-12)
}

func TestSmootherDecaysMissingPhonemes(t *testing.T) {
	s := NewSmoother(0.5)
	s.Update(map[string]float64{"A": 0.5, "I": 0.5}, 0)

	ratios, _ := s.Update(map[string]float64{"I": 1}, 0)
	assert.InDelta(t, 0.25, ratios["A"], 1e-12)
	assert.InDelta(t, 0.75, ratios["I"], 1e-12)
	assert.InDelta(t, 1.0, ratios["A"]+ratios["I"], 1e-12)

	for i := 0; i < 30; i++ {
		ratios, _ = s.Update(map[string]float64{"I": 1}, 0)
	}
	assert.NotContains(t, ratios, "A")
	assert.InDelta(t, 1.0, ratios["I"], 1e-6)
}

func TestSmootherVolumeOnlyKeepsRatios(t *testing.T) {
	s := NewSmoother(0)
	s.Update(map[string]float64{"A": 0.6, "I": 0.4}, 0.9)

	assert.InDelta(t, 0.1, s.UpdateVolume(0.1), 1e-12)
	assert.Equal(t, map[string]float64{"A": 0.6, "I": 0.4}, s.Ratios())
	assert.InDelta(t, 0.1, s.Volume(), 1e-12)

	s.Reset()
	assert.Empty(t, s.Ratios())
}

func TestSmootherAllZeroRatios(t *testing.T) {
	s := NewSmoother(0.2)
	ratios, _ := s.Update(map[string]float64{"A": 0, "I": 0}, 0)
	assert.Equal(t, 0.0, ratios["A"])
	assert.Equal(t, 0.0, ratios["I"])
}

func TestSmootherAllZeroRatiosDropPreviousWinner(t *testing.T) {
	s := NewSmoother(0.05)
	ratios, _ := s.Update(map[string]float64{"A": 1, "I": 0}, 0.5)
	assert.InDelta(t, 1.0, ratios["A"], 1e-12)

	for i := 0; i < 2; i++ {
		ratios, _ = s.Update(map[string]float64{"A": 0, "I": 0}, 0.5)
		assert.Equal(t, map[string]float64{"A": 0, "I": 0}, ratios)
		assert.Equal(t, ratios, s.Ratios())
	}

	// a positive frame afterwards starts from the zeroed state
	ratios, _ = s.Update(map[string]float64{"A": 0, "I": 1}, 0.5)
	assert.InDelta(t, 0.0, ratios["A"], 1e-12)
	assert.InDelta(t, 1.0, ratios["I"], 1e-12)
}

func TestSmootherClampsSmoothness(t *testing.T) {
	s := NewSmoother(-1)
	_, volume := s.Update(nil, 0.5)
	assert.InDelta(t, 0.5, volume, 1e-12)

	s = NewSmoother(2)
	_, volume = s.Update(nil, 1)
	assert.Greater(t, volume, 0.0)
	assert.Less(t, volume, 0.01)
}
