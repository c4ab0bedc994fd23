package phoneme

import (
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"phoneme-recognizer/pkg/errors"
)

// minStdDev keeps standardization from dividing by a vanishing spread
const minStdDev = 1e-9

// Options describes the shape and scoring settings of a profile
type Options struct {
	Name               string
	Dimension          int // feature vector length every sample must have
	HistoryDepth       int // calibration samples kept per entry
	UseStandardization bool
	CompareMethod      CompareMethod

	// Recorded with the profile so a document shows what produced its vectors
	MelChannels      int
	TargetSampleRate int
	SampleCount      int
}

// Entry is one named phoneme with its calibration history
type Entry struct {
	Name    string
	history [][]float64
	average []float64
}

// Profile is the ordered set of calibrated phoneme entries. Entry order is the
// canonical phoneme index. Profile is safe for concurrent use.
type Profile struct {
	mutex   sync.RWMutex
	opts    Options
	entries []*Entry

	mean   []float64
	stdDev []float64
	column []float64
}

// NewProfile creates an empty profile
func NewProfile(opts Options) (*Profile, error) {
	if opts.Dimension <= 0 {
		return nil, errors.NewInvalidConfig("dimension", opts.Dimension, "must be positive")
	}
	if opts.HistoryDepth <= 0 {
		return nil, errors.NewInvalidConfig("history_depth", opts.HistoryDepth, "must be positive")
	}
	if opts.CompareMethod == "" {
		opts.CompareMethod = CompareL2
	}
	if !opts.CompareMethod.Valid() {
		return nil, errors.NewInvalidConfig("compare_method", opts.CompareMethod, "is not a known method")
	}

	p := &Profile{
		opts:   opts,
		mean:   make([]float64, opts.Dimension),
		stdDev: make([]float64, opts.Dimension),
	}
	p.resetStatistics()
	return p, nil
}

// Options returns the profile settings
func (p *Profile) Options() Options {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.opts
}

// Dimension returns the feature vector length
func (p *Profile) Dimension() int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.opts.Dimension
}

// Len returns the number of entries
func (p *Profile) Len() int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return len(p.entries)
}

// Names returns entry names in profile order
func (p *Profile) Names() []string {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.names()
}

func (p *Profile) names() []string {
	return p.appendNames(make([]string, 0, len(p.entries)))
}

func (p *Profile) appendNames(dst []string) []string {
	for _, e := range p.entries {
		dst = append(dst, e.Name)
	}
	return dst
}

// IndexOf returns the index of the named entry, or -1
func (p *Profile) IndexOf(name string) int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.indexOf(name)
}

func (p *Profile) indexOf(name string) int {
	for i, e := range p.entries {
		if e.Name == name {
			return i
		}
	}
	return -1
}

// AddEntry appends an uncalibrated entry and returns its index
func (p *Profile) AddEntry(name string) (int, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if name == "" {
		return -1, errors.NewInvalidInput("phoneme name must not be empty")
	}
	if p.indexOf(name) >= 0 {
		return -1, errors.Wrap(errors.ErrDuplicatePhoneme, name)
	}

	p.entries = append(p.entries, &Entry{
		Name:    name,
		average: make([]float64, p.opts.Dimension),
	})
	return len(p.entries) - 1, nil
}

// RemoveEntry deletes the entry at index; later entries shift down
func (p *Profile) RemoveEntry(index int) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if index < 0 || index >= len(p.entries) {
		return errors.NewIndexOutOfRange(index, len(p.entries))
	}
	p.entries = append(p.entries[:index], p.entries[index+1:]...)
	p.updateStatistics()
	return nil
}

// AddSample appends v to the entry's history, evicting the oldest samples
// beyond the history depth. The average is not updated; see RecomputeAverage.
func (p *Profile) AddSample(index int, v []float64) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.addSample(index, v)
}

func (p *Profile) addSample(index int, v []float64) error {
	if index < 0 || index >= len(p.entries) {
		return errors.NewIndexOutOfRange(index, len(p.entries))
	}
	if len(v) != p.opts.Dimension {
		return errors.NewDimensionMismatch(p.opts.Dimension, len(v))
	}

	e := p.entries[index]
	sample := append([]float64(nil), v...)
	if len(e.history) >= p.opts.HistoryDepth {
		drop := len(e.history) - p.opts.HistoryDepth + 1
		e.history = append(e.history[:0], e.history[drop:]...)
	}
	e.history = append(e.history, sample)
	return nil
}

// RecomputeAverage refreshes the entry's average and, when standardization is
// enabled, the profile-wide mean and standard deviation
func (p *Profile) RecomputeAverage(index int) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.recomputeAverage(index)
}

func (p *Profile) recomputeAverage(index int) error {
	if index < 0 || index >= len(p.entries) {
		return errors.NewIndexOutOfRange(index, len(p.entries))
	}

	e := p.entries[index]
	for i := range e.average {
		e.average[i] = 0
	}
	if len(e.history) > 0 {
		for _, h := range e.history {
			floats.Add(e.average, h)
		}
		floats.Scale(1/float64(len(e.history)), e.average)
	}

	p.updateStatistics()
	return nil
}

// Calibrate records v for the entry and refreshes the derived vectors
func (p *Profile) Calibrate(index int, v []float64) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if err := p.addSample(index, v); err != nil {
		return err
	}
	return p.recomputeAverage(index)
}

// ClearHistory drops every calibration sample of the entry
func (p *Profile) ClearHistory(index int) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if index < 0 || index >= len(p.entries) {
		return errors.NewIndexOutOfRange(index, len(p.entries))
	}
	p.entries[index].history = nil
	return p.recomputeAverage(index)
}

// SetScoring changes the comparison method and standardization flag,
// recomputing the profile statistics
func (p *Profile) SetScoring(method CompareMethod, useStandardization bool) error {
	if !method.Valid() {
		return errors.NewInvalidConfig("compare_method", method, "is not a known method")
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.opts.CompareMethod = method
	p.opts.UseStandardization = useStandardization
	p.updateStatistics()
	return nil
}

// Average returns a copy of the entry's average vector
func (p *Profile) Average(index int) ([]float64, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if index < 0 || index >= len(p.entries) {
		return nil, errors.NewIndexOutOfRange(index, len(p.entries))
	}
	return append([]float64(nil), p.entries[index].average...), nil
}

// History returns a copy of the entry's calibration samples, oldest first
func (p *Profile) History(index int) ([][]float64, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if index < 0 || index >= len(p.entries) {
		return nil, errors.NewIndexOutOfRange(index, len(p.entries))
	}
	return copyHistory(p.entries[index].history), nil
}

// Statistics returns copies of the per-coefficient mean and standard deviation
func (p *Profile) Statistics() (mean, stdDev []float64) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return append([]float64(nil), p.mean...), append([]float64(nil), p.stdDev...)
}

// Clone returns a deep copy of the profile
func (p *Profile) Clone() *Profile {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	c := &Profile{
		opts:    p.opts,
		entries: make([]*Entry, len(p.entries)),
		mean:    append([]float64(nil), p.mean...),
		stdDev:  append([]float64(nil), p.stdDev...),
	}
	for i, e := range p.entries {
		c.entries[i] = &Entry{
			Name:    e.Name,
			history: copyHistory(e.history),
			average: append([]float64(nil), e.average...),
		}
	}
	return c
}

func (p *Profile) resetStatistics() {
	for i := range p.mean {
		p.mean[i] = 0
		p.stdDev[i] = 1
	}
}

// updateStatistics derives the profile-wide mean and population standard
// deviation of every coefficient over all entries' histories
func (p *Profile) updateStatistics() {
	if !p.opts.UseStandardization {
		p.resetStatistics()
		return
	}

	for d := 0; d < p.opts.Dimension; d++ {
		p.column = p.column[:0]
		for _, e := range p.entries {
			for _, h := range e.history {
				p.column = append(p.column, h[d])
			}
		}
		if len(p.column) == 0 {
			p.mean[d], p.stdDev[d] = 0, 1
			continue
		}
		p.mean[d], p.stdDev[d] = stat.PopMeanStdDev(p.column, nil)
	}
}

// standardize writes (v-mean)/stdDev into dst. Coefficients with no spread
// are only centred. Caller holds the read lock.
func (p *Profile) standardize(dst, v []float64) {
	for i, x := range v {
		sd := p.stdDev[i]
		if sd < minStdDev {
			sd = 1
		}
		dst[i] = (x - p.mean[i]) / sd
	}
}

func copyHistory(history [][]float64) [][]float64 {
	out := make([][]float64, len(history))
	for i, h := range history {
		out[i] = append([]float64(nil), h...)
	}
	return out
}
