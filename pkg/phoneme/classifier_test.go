package phoneme

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phoneme-recognizer/pkg/errors"
)

func TestScoreFunctions(t *testing.T) {
	x := []float64{1, 2, 3, 4}
	y := []float64{2, 2, 1, 4}

	assert.InDelta(t, math.Pow(10, -0.75), ScoreL1(x, y), 1e-12)
	assert.InDelta(t, math.Pow(10, -math.Sqrt(5.0/4)), ScoreL2(x, y), 1e-12)
	assert.Equal(t, 1.0, ScoreL2(x, x))

	assert.InDelta(t, 1.0, ScoreCosine(x, []float64{2, 4, 6, 8}), 1e-9)
	assert.Equal(t, 0.0, ScoreCosine(x, []float64{-1, -2, -3, -4}), "opposed vectors clamp to zero")
	assert.Equal(t, 0.0, ScoreCosine(x, make([]float64, 4)))

	cos := (1*2 + 2*2 + 3*1 + 4*4) / (math.Sqrt(30) * math.Sqrt(25))
	assert.InDelta(t, math.Pow(cos, 100), ScoreCosine(x, y), 1e-12)
}

func TestNormalizeScoresSumsToOne(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 200; trial++ {
		n := 1 + rng.Intn(20)
		scores := make([]float64, n)
		for i := range scores {
			if rng.Intn(4) > 0 {
				scores[i] = rng.Float64() * math.Pow(10, float64(rng.Intn(6)-3))
			}
		}
		ratios := make([]float64, n)
		NormalizeScores(scores, ratios)

		var sum, scoreSum float64
		for i := range ratios {
			sum += ratios[i]
			scoreSum += scores[i]
		}
		if scoreSum == 0 {
			for _, r := range ratios {
				assert.Equal(t, 0.0, r)
			}
			continue
		}
		assert.InDelta(t, 1.0, sum, 1e-6)
	}

	ratios := []float64{9, 9}
	NormalizeScores([]float64{0, 0}, ratios)
	assert.Equal(t, []float64{0, 0}, ratios)
}

func TestArgMaxPrefersFirst(t *testing.T) {
	assert.Equal(t, 1, ArgMax([]float64{0.2, 0.5, 0.5, 0.1}))
	assert.Equal(t, 0, ArgMax([]float64{0, 0, 0}))
}

func TestClassifyEndToEndScenario(t *testing.T) {
	const dim = 12
	p := newTestProfile(t, dim, "A", "I")
	require.NoError(t, p.Calibrate(0, constant(dim, 1.0)))
	require.NoError(t, p.Calibrate(1, constant(dim, -1.0)))

	c, err := NewClassifier(CompareL2)
	require.NoError(t, err)

	result, err := c.Classify(constant(dim, 0.9), p)
	require.NoError(t, err)

	ratios := result.RatioMap()
	assert.Equal(t, "A", result.Phoneme)
	assert.Equal(t, 0, result.Index)
	assert.Greater(t, ratios["A"], ratios["I"])
	assert.InDelta(t, 1.0, ratios["A"]+ratios["I"], 1e-9)
}

func TestClassifyAllMethods(t *testing.T) {
	const dim = 4
	p := newTestProfile(t, dim, "A", "I", "U")
	require.NoError(t, p.Calibrate(0, []float64{1, 0, 0, 0}))
	require.NoError(t, p.Calibrate(1, []float64{0, 1, 0, 0}))
	require.NoError(t, p.Calibrate(2, []float64{0, 0, 1, 0}))

	for _, method := range []CompareMethod{CompareL1, CompareL2, CompareCosine} {
		t.Run(string(method), func(t *testing.T) {
			c, err := NewClassifier(method)
			require.NoError(t, err)

			result, err := c.Classify([]float64{0.1, 0.9, 0.1, 0}, p)
			require.NoError(t, err)
			assert.Equal(t, "I", result.Phoneme)

			var sum float64
			for _, r := range result.Ratios {
				sum += r
			}
			assert.InDelta(t, 1.0, sum, 1e-6)
		})
	}
}

func TestClassifyTieGoesToFirstEntry(t *testing.T) {
	p := newTestProfile(t, 2, "A", "B")
	require.NoError(t, p.Calibrate(0, []float64{1, 1}))
	require.NoError(t, p.Calibrate(1, []float64{1, 1}))

	c, err := NewClassifier(CompareL1)
	require.NoError(t, err)
	result, err := c.Classify([]float64{0, 0}, p)
	require.NoError(t, err)
	assert.Equal(t, "A", result.Phoneme)
	assert.InDelta(t, 0.5, result.Ratios[1], 1e-12)
}

func TestClassifyCosineZeroScores(t *testing.T) {
	p := newTestProfile(t, 2, "A", "B")
	require.NoError(t, p.Calibrate(0, []float64{1, 0}))
	require.NoError(t, p.Calibrate(1, []float64{0, 1}))

	c, err := NewClassifier(CompareCosine)
	require.NoError(t, err)
	result, err := c.Classify([]float64{-1, -1}, p)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0}, result.Ratios)
}

func TestClassifyWithStandardization(t *testing.T) {
	p := newTestProfile(t, 2, "A", "I")
	require.NoError(t, p.SetScoring(CompareL2, true))
	require.NoError(t, p.Calibrate(0, []float64{100, 0.1}))
	require.NoError(t, p.Calibrate(1, []float64{100, 0.3}))

	c, err := NewClassifier(CompareL2)
	require.NoError(t, err)

	// without standardization the tiny second coefficient barely matters;
	// with it, the zero-spread first coefficient is only centred
	result, err := c.Classify([]float64{100, 0.29}, p)
	require.NoError(t, err)
	assert.Equal(t, "I", result.Phoneme)
	assert.Greater(t, result.Ratios[1], 0.7)
}

func TestClassifyErrors(t *testing.T) {
	c, err := NewClassifier(CompareL2)
	require.NoError(t, err)

	_, err = c.Classify([]float64{1}, nil)
	assert.True(t, errors.IsErrorType(err, errors.ErrProfileMissing))

	empty := newTestProfile(t, 1)
	_, err = c.Classify([]float64{1}, empty)
	assert.True(t, errors.IsErrorType(err, errors.ErrProfileMissing))

	p := newTestProfile(t, 3, "A")
	_, err = c.Classify([]float64{1}, p)
	assert.True(t, errors.IsErrorType(err, errors.ErrDimensionMismatch))

	_, err = NewClassifier("hamming")
	assert.True(t, errors.IsErrorType(err, errors.ErrInvalidConfig))
}

func BenchmarkClassify(b *testing.B) {
	p, _ := NewProfile(Options{Dimension: 12, HistoryDepth: 32})
	rng := rand.New(rand.NewSource(1))
	for _, name := range []string{"A", "I", "U", "E", "O", "N"} {
		idx, _ := p.AddEntry(name)
		v := make([]float64, 12)
		for i := range v {
			v[i] = rng.NormFloat64()
		}
		p.Calibrate(idx, v)
	}
	c, _ := NewClassifier(CompareL2)
	features := make([]float64, 12)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Classify(features, p)
	}
}
