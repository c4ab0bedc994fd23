package dsp

import (
	"phoneme-recognizer/pkg/errors"
)

// MFCCConfig sizes an MFCC extractor
type MFCCConfig struct {
	FrameLength      int
	SampleRate       int
	MelChannels      int
	CoefficientCount int
	LogScale         LogScale
	DeltaWindow      int // 0 disables delta coefficients
}

// Dimension returns the feature vector length the configuration produces
func (c MFCCConfig) Dimension() int {
	if c.DeltaWindow > 0 {
		return 2 * c.CoefficientCount
	}
	return c.CoefficientCount
}

// MFCC turns a conditioned frame into cepstral coefficients 1..CoefficientCount,
// optionally followed by their deltas
type MFCC struct {
	cfg   MFCCConfig
	fft   *FFT
	mel   *MelFilterbank
	dct   *DCT
	delta *DeltaWindow

	spectrum []float64
	melBins  []float64
	cepstrum []float64
}

// NewMFCC validates cfg and allocates every buffer the extractor needs
func NewMFCC(cfg MFCCConfig) (*MFCC, error) {
	if cfg.CoefficientCount < 1 || cfg.CoefficientCount >= cfg.MelChannels {
		return nil, errors.NewInvalidConfig("coefficient_count", cfg.CoefficientCount, "must be in [1, mel_channels)")
	}
	if !cfg.LogScale.Valid() {
		return nil, errors.NewInvalidConfig("log_scale", cfg.LogScale, "is not a known scale")
	}

	fft, err := NewFFT(cfg.FrameLength)
	if err != nil {
		return nil, err
	}
	mel, err := NewMelFilterbank(cfg.MelChannels, cfg.FrameLength, cfg.SampleRate)
	if err != nil {
		return nil, err
	}

	m := &MFCC{
		cfg:      cfg,
		fft:      fft,
		mel:      mel,
		dct:      NewDCT(cfg.MelChannels),
		spectrum: make([]float64, cfg.FrameLength),
		melBins:  make([]float64, cfg.MelChannels),
		cepstrum: make([]float64, cfg.CoefficientCount+1),
	}
	if cfg.DeltaWindow > 0 {
		m.delta = NewDeltaWindow(cfg.DeltaWindow, cfg.CoefficientCount)
	}
	return m, nil
}

// Dimension returns the length of the vectors Extract writes
func (m *MFCC) Dimension() int {
	return m.cfg.Dimension()
}

// Extract writes the feature vector of frame into features
func (m *MFCC) Extract(frame, features []float64) error {
	if len(frame) != m.cfg.FrameLength {
		return errors.NewInvalidInput("frame length does not match the transform size", map[string]interface{}{
			"expected": m.cfg.FrameLength,
			"actual":   len(frame),
		})
	}
	if len(features) != m.Dimension() {
		return errors.NewDimensionMismatch(m.Dimension(), len(features))
	}

	m.fft.Magnitude(frame, m.spectrum)
	m.mel.Apply(m.spectrum, m.melBins)
	Compress(m.melBins, m.cfg.LogScale)
	m.dct.Transform(m.melBins, m.cepstrum)

	// coefficient 0 is the overall power and is dropped
	c := m.cfg.CoefficientCount
	copy(features[:c], m.cepstrum[1:])
	if m.delta != nil {
		m.delta.Push(features[:c], features[c:])
	}
	return nil
}
