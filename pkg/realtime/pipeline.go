package realtime

import (
	"time"

	"phoneme-recognizer/pkg/config"
	"phoneme-recognizer/pkg/dsp"
	"phoneme-recognizer/pkg/errors"
	"phoneme-recognizer/pkg/metrics"
	"phoneme-recognizer/pkg/phoneme"
)

// Analysis is the outcome of running the pipeline over one snapshot
type Analysis struct {
	Outcome  string
	Index    int
	Phoneme  string
	Names    []string
	Ratios   []float64
	Features []float64 // the vector a calibration would record
	Formants []float64 // every formant found, LPC only
	Distance float64   // formant-space distance of the match, LPC only
	Duration time.Duration
	Err      error
}

// Pipeline turns a snapshot into a classification. Exactly one of the
// strategy sections is populated, selected by the config's Strategy. All
// buffers are allocated by NewPipeline and Process does not allocate; a
// Pipeline must only be used by one goroutine at a time.
type Pipeline struct {
	strategy    config.Strategy
	conditioner *dsp.Conditioner
	input       []float64
	frame       []float64

	// cepstral strategy
	mfcc       *dsp.MFCC
	classifier *phoneme.Classifier
	features   []float64

	// formant strategy
	lpc       *dsp.LPCAnalyzer
	matcher   *phoneme.FormantMatcher
	formants  []float64
	found     []float64
	tolerance float64
}

// NewPipeline builds the conditioner and transform for cfg
func NewPipeline(cfg config.AnalysisConfig) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	conditioner, err := dsp.NewConditioner(cfg.ConditionerConfig())
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		strategy:    cfg.Strategy,
		conditioner: conditioner,
		input:       make([]float64, cfg.RingCapacity()),
		frame:       make([]float64, cfg.FrameLength),
	}

	switch cfg.Strategy {
	case config.StrategyLPC:
		p.lpc, err = dsp.NewLPCAnalyzer(cfg.LPCConfig())
		if err != nil {
			return nil, err
		}
		p.matcher = &phoneme.FormantMatcher{}
		p.formants = make([]float64, cfg.FormantDimensions)
		p.found = make([]float64, 0, dsp.MaxFormants)
		p.tolerance = cfg.ErrorTolerance
	default:
		p.mfcc, err = dsp.NewMFCC(cfg.MFCCConfig())
		if err != nil {
			return nil, err
		}
		p.classifier, err = phoneme.NewClassifier(cfg.CompareMethod)
		if err != nil {
			return nil, err
		}
		p.features = make([]float64, p.mfcc.Dimension())
	}
	return p, nil
}

// Strategy returns the transform the pipeline runs
func (p *Pipeline) Strategy() config.Strategy {
	return p.strategy
}

// InputLength returns the snapshot length Process expects
func (p *Pipeline) InputLength() int {
	return len(p.input)
}

// Process conditions the snapshot, extracts features and classifies them
// against profile. The returned slices are owned by the pipeline and are
// overwritten by the next call.
func (p *Pipeline) Process(snapshot []float32, profile *phoneme.Profile) Analysis {
	start := time.Now()

	var a Analysis
	if len(snapshot) != len(p.input) {
		a = Analysis{Outcome: metrics.OutcomeError, Index: -1, Err: errors.NewDimensionMismatch(len(p.input), len(snapshot))}
	} else {
		for i, s := range snapshot {
			p.input[i] = float64(s)
		}
		p.conditioner.Process(p.input, p.frame)

		if p.strategy == config.StrategyLPC {
			a = p.processFormants(profile)
		} else {
			a = p.processCepstrum(profile)
		}
	}

	a.Duration = time.Since(start)
	return a
}

func (p *Pipeline) processCepstrum(profile *phoneme.Profile) Analysis {
	if err := p.mfcc.Extract(p.frame, p.features); err != nil {
		return Analysis{Outcome: metrics.OutcomeError, Index: -1, Err: err}
	}
	a := Analysis{Index: -1, Features: p.features}

	c, err := p.classifier.Classify(p.features, profile)
	if err != nil {
		a.Outcome = metrics.OutcomeError
		a.Err = err
		return a
	}

	a.Outcome = metrics.OutcomeComputed
	a.Index = c.Index
	a.Phoneme = c.Phoneme
	a.Names = c.Names
	a.Ratios = c.Ratios
	return a
}

func (p *Pipeline) processFormants(profile *phoneme.Profile) Analysis {
	est, err := p.lpc.Analyze(p.frame)
	if err != nil {
		return Analysis{Outcome: metrics.OutcomeError, Index: -1, Err: err}
	}

	p.found = append(p.found[:0], est.Frequencies[:est.Count]...)
	a := Analysis{Index: -1, Formants: p.found}
	if !est.Vector(p.formants) {
		a.Outcome = metrics.OutcomeNoMatch
		return a
	}
	a.Features = p.formants

	c, dist, ok, err := p.matcher.Match(p.formants, profile, p.tolerance)
	a.Distance = dist
	switch {
	case err != nil:
		a.Outcome = metrics.OutcomeError
		a.Err = err
	case !ok:
		a.Outcome = metrics.OutcomeNoMatch
	default:
		a.Outcome = metrics.OutcomeComputed
		a.Index = c.Index
		a.Phoneme = c.Phoneme
		a.Names = c.Names
		a.Ratios = c.Ratios
	}
	return a
}
