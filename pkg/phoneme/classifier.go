package phoneme

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"phoneme-recognizer/pkg/errors"
)

// CompareMethod selects the per-entry score
type CompareMethod string

const (
	CompareL1     CompareMethod = "l1"
	CompareL2     CompareMethod = "l2"
	CompareCosine CompareMethod = "cosine"
)

// cosineExponent sharpens cosine similarity into near one-hot scores
const cosineExponent = 100

// Valid reports whether m names a known method
func (m CompareMethod) Valid() bool {
	switch m {
	case CompareL1, CompareL2, CompareCosine:
		return true
	}
	return false
}

// ScoreL1 returns 10^-(mean absolute difference)
func ScoreL1(x, y []float64) float64 {
	return math.Pow(10, -floats.Distance(x, y, 1)/float64(len(x)))
}

// ScoreL2 returns 10^-(root mean squared difference)
func ScoreL2(x, y []float64) float64 {
	return math.Pow(10, -floats.Distance(x, y, 2)/math.Sqrt(float64(len(x))))
}

// ScoreCosine returns max(0, cos(x, y))^100. Zero vectors score 0.
func ScoreCosine(x, y []float64) float64 {
	nx := floats.Norm(x, 2)
	ny := floats.Norm(y, 2)
	if nx == 0 || ny == 0 {
		return 0
	}
	c := floats.Dot(x, y) / (nx * ny)
	if c <= 0 {
		return 0
	}
	return math.Pow(math.Min(c, 1), cosineExponent)
}

// Score dispatches to the scoring function of method
func Score(method CompareMethod, x, y []float64) float64 {
	switch method {
	case CompareL1:
		return ScoreL1(x, y)
	case CompareCosine:
		return ScoreCosine(x, y)
	default:
		return ScoreL2(x, y)
	}
}

// NormalizeScores writes score/sum into ratios. A zero sum yields all-zero ratios.
func NormalizeScores(scores, ratios []float64) {
	sum := floats.Sum(scores)
	if sum <= 0 {
		for i := range ratios {
			ratios[i] = 0
		}
		return
	}
	for i, s := range scores {
		ratios[i] = s / sum
	}
}

// ArgMax returns the index of the largest value, preferring the first on ties
func ArgMax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

// Classification is the outcome of scoring one feature vector
type Classification struct {
	Index   int
	Phoneme string
	Names   []string
	Scores  []float64
	Ratios  []float64
}

// RatioMap keys the ratios by entry name
func (c Classification) RatioMap() map[string]float64 {
	return RatioMap(c.Names, c.Ratios)
}

// Classifier scores feature vectors against a profile. It keeps scratch
// buffers between calls and is not safe for concurrent use.
type Classifier struct {
	method CompareMethod
	x      []float64
	y      []float64
	scores []float64
	ratios []float64
	names  []string
}

// NewClassifier creates a classifier using method
func NewClassifier(method CompareMethod) (*Classifier, error) {
	if !method.Valid() {
		return nil, errors.NewInvalidConfig("compare_method", method, "is not a known method")
	}
	return &Classifier{method: method}, nil
}

// Method returns the configured comparison method
func (c *Classifier) Method() CompareMethod {
	return c.method
}

// Classify standardizes features and every entry average with the profile
// statistics, scores them and normalizes the scores into ratios. The returned
// slices are owned by the classifier until the next call.
func (c *Classifier) Classify(features []float64, p *Profile) (Classification, error) {
	if p == nil {
		return Classification{}, errors.ErrProfileMissing
	}

	p.mutex.RLock()
	defer p.mutex.RUnlock()

	n := len(p.entries)
	if n == 0 {
		return Classification{}, errors.Wrap(errors.ErrProfileMissing, "profile has no entries")
	}
	if len(features) != p.opts.Dimension {
		return Classification{}, errors.NewDimensionMismatch(p.opts.Dimension, len(features))
	}

	c.x = resize(c.x, len(features))
	c.y = resize(c.y, len(features))
	c.scores = resize(c.scores, n)
	c.ratios = resize(c.ratios, n)

	p.standardize(c.x, features)
	for k, e := range p.entries {
		p.standardize(c.y, e.average)
		c.scores[k] = Score(c.method, c.x, c.y)
	}
	NormalizeScores(c.scores, c.ratios)

	best := ArgMax(c.scores)
	c.names = p.appendNames(c.names[:0])
	return Classification{
		Index:   best,
		Phoneme: p.entries[best].Name,
		Names:   c.names,
		Scores:  c.scores,
		Ratios:  c.ratios,
	}, nil
}

func resize(buf []float64, n int) []float64 {
	if cap(buf) < n {
		return make([]float64, n)
	}
	return buf[:n]
}
