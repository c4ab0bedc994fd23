package config

import (
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"phoneme-recognizer/pkg/dsp"
	"phoneme-recognizer/pkg/errors"
	"phoneme-recognizer/pkg/phoneme"
)

// Strategy selects the spectral transform used by the analysis pipeline
type Strategy string

const (
	StrategyMFCC Strategy = "mfcc"
	StrategyLPC  Strategy = "lpc"
)

// Valid reports whether s names a known strategy
func (s Strategy) Valid() bool {
	return s == StrategyMFCC || s == StrategyLPC
}

// AnalysisConfig holds the per-session analysis parameters. A session treats
// it as immutable; changing it goes through Engine.SetConfig.
type AnalysisConfig struct {
	SourceSampleRate int      `json:"source_sample_rate" yaml:"source_sample_rate" env:"SOURCE_SAMPLE_RATE" default:"48000"`
	TargetSampleRate int      `json:"target_sample_rate" yaml:"target_sample_rate" env:"TARGET_SAMPLE_RATE" default:"16000"`
	FrameLength      int      `json:"frame_length" yaml:"frame_length" env:"FRAME_LENGTH" default:"1024"`
	Strategy         Strategy `json:"strategy" yaml:"strategy" env:"ANALYSIS_STRATEGY" default:"mfcc"`

	// Cepstral strategy
	CoefficientCount int          `json:"coefficient_count" yaml:"coefficient_count" env:"MFCC_COEFFICIENTS" default:"12"`
	MelChannels      int          `json:"mel_channels" yaml:"mel_channels" env:"MEL_CHANNELS" default:"30"`
	DeltaWindow      int          `json:"delta_window" yaml:"delta_window" env:"MFCC_DELTA_WINDOW" default:"0"`
	LogScale         dsp.LogScale `json:"log_scale" yaml:"log_scale" env:"MFCC_LOG_SCALE" default:"log10"`

	// Conditioning
	Window       dsp.WindowType `json:"window" yaml:"window" env:"ANALYSIS_WINDOW" default:"hamming"`
	PreEmphasis  float64        `json:"pre_emphasis" yaml:"pre_emphasis" env:"PRE_EMPHASIS" default:"0.97"`
	LowPassRange float64        `json:"low_pass_range" yaml:"low_pass_range" env:"LOW_PASS_RANGE"`

	// Scoring and calibration
	CompareMethod      phoneme.CompareMethod `json:"compare_method" yaml:"compare_method" env:"COMPARE_METHOD" default:"l2"`
	UseStandardization bool                  `json:"use_standardization" yaml:"use_standardization" env:"USE_STANDARDIZATION" default:"false"`
	HistoryDepth       int                   `json:"history_depth" yaml:"history_depth" env:"CALIBRATION_HISTORY_DEPTH" default:"32"`

	// Volume and smoothing
	SilenceThreshold float64 `json:"silence_threshold" yaml:"silence_threshold" env:"SILENCE_THRESHOLD" default:"0.0001"`
	MinVolume        float64 `json:"min_volume" yaml:"min_volume" env:"MIN_VOLUME" default:"-4.0"`
	MaxVolume        float64 `json:"max_volume" yaml:"max_volume" env:"MAX_VOLUME" default:"-2.0"`
	Smoothness       float64 `json:"smoothness" yaml:"smoothness" env:"SMOOTHNESS" default:"0.05"`

	// LPC strategy
	LPCOrder            int               `json:"lpc_order" yaml:"lpc_order" env:"LPC_ORDER" default:"64"`
	FrequencyResolution int               `json:"frequency_resolution" yaml:"frequency_resolution" env:"LPC_FREQUENCY_RESOLUTION" default:"256"`
	MaxFrequency        float64           `json:"max_frequency" yaml:"max_frequency" env:"LPC_MAX_FREQUENCY" default:"3000"`
	FilterCoefficient   float64           `json:"filter_coefficient" yaml:"filter_coefficient" env:"LPC_FILTER_COEFFICIENT" default:"0.5"`
	MinLogMagnitude     float64           `json:"min_log_magnitude" yaml:"min_log_magnitude" env:"LPC_MIN_LOG_MAGNITUDE" default:"-1.0"`
	MinFormantGap       float64           `json:"min_formant_gap" yaml:"min_formant_gap" env:"LPC_MIN_FORMANT_GAP" default:"50"`
	FormantMethod       dsp.FormantMethod `json:"formant_method" yaml:"formant_method" env:"LPC_FORMANT_METHOD" default:"peak"`
	FormantDimensions   int               `json:"formant_dimensions" yaml:"formant_dimensions" env:"LPC_FORMANT_DIMENSIONS" default:"2"`
	ErrorTolerance      float64           `json:"error_tolerance" yaml:"error_tolerance" env:"LPC_ERROR_TOLERANCE" default:"400"`
}

// DefaultAnalysisConfig returns the stock cepstral configuration
func DefaultAnalysisConfig() AnalysisConfig {
	return AnalysisConfig{
		SourceSampleRate:    48000,
		TargetSampleRate:    16000,
		FrameLength:         1024,
		Strategy:            StrategyMFCC,
		CoefficientCount:    12,
		MelChannels:         30,
		LogScale:            dsp.LogScaleLog10,
		Window:              dsp.WindowHamming,
		PreEmphasis:         0.97,
		CompareMethod:       phoneme.CompareL2,
		HistoryDepth:        32,
		SilenceThreshold:    1e-4,
		MinVolume:           -4.0,
		MaxVolume:           -2.0,
		Smoothness:          0.05,
		LPCOrder:            64,
		FrequencyResolution: 256,
		MaxFrequency:        3000,
		FilterCoefficient:   0.5,
		MinLogMagnitude:     -1.0,
		MinFormantGap:       50,
		FormantMethod:       dsp.FormantPeak,
		FormantDimensions:   2,
		ErrorTolerance:      400,
	}
}

// SizeKey is the subset of fields that determine buffer sizes. Two configs
// with equal keys can share every allocated buffer.
type SizeKey struct {
	Strategy            Strategy
	SourceSampleRate    int
	TargetSampleRate    int
	FrameLength         int
	CoefficientCount    int
	MelChannels         int
	DeltaWindow         int
	LPCOrder            int
	FrequencyResolution int
	FormantDimensions   int
}

// SizeKey returns the size-affecting fields of c
func (c AnalysisConfig) SizeKey() SizeKey {
	return SizeKey{
		Strategy:            c.Strategy,
		SourceSampleRate:    c.SourceSampleRate,
		TargetSampleRate:    c.TargetSampleRate,
		FrameLength:         c.FrameLength,
		CoefficientCount:    c.CoefficientCount,
		MelChannels:         c.MelChannels,
		DeltaWindow:         c.DeltaWindow,
		LPCOrder:            c.LPCOrder,
		FrequencyResolution: c.FrequencyResolution,
		FormantDimensions:   c.FormantDimensions,
	}
}

// FeatureDimension returns the length of the feature vectors the configured
// strategy produces, which is the dimension a matching profile must have
func (c AnalysisConfig) FeatureDimension() int {
	if c.Strategy == StrategyLPC {
		return c.FormantDimensions
	}
	return c.MFCCConfig().Dimension()
}

// RingCapacity returns the number of source-rate samples one frame needs
func (c AnalysisConfig) RingCapacity() int {
	return dsp.InputLength(c.FrameLength, c.SourceSampleRate, c.TargetSampleRate)
}

// LowPassRangeHz returns the anti-alias transition band, defaulting to
// 1/32 of the target rate (500 Hz at 16 kHz) so the pass band reaches close
// to the Nyquist frequency of the downsampled frame
func (c AnalysisConfig) LowPassRangeHz() float64 {
	if c.LowPassRange > 0 {
		return c.LowPassRange
	}
	return float64(c.TargetSampleRate) / 32
}

// ConditionerConfig derives the signal conditioner settings
func (c AnalysisConfig) ConditionerConfig() dsp.ConditionerConfig {
	return dsp.ConditionerConfig{
		SourceRate:   c.SourceSampleRate,
		TargetRate:   c.TargetSampleRate,
		FrameLength:  c.FrameLength,
		LowPassRange: c.LowPassRangeHz(),
		PreEmphasis:  c.PreEmphasis,
		Window:       c.Window,
		Normalize:    c.Strategy == StrategyMFCC,
	}
}

// MFCCConfig derives the cepstral extractor settings
func (c AnalysisConfig) MFCCConfig() dsp.MFCCConfig {
	return dsp.MFCCConfig{
		FrameLength:      c.FrameLength,
		SampleRate:       c.TargetSampleRate,
		MelChannels:      c.MelChannels,
		CoefficientCount: c.CoefficientCount,
		LogScale:         c.LogScale,
		DeltaWindow:      c.DeltaWindow,
	}
}

// LPCConfig derives the formant analyzer settings
func (c AnalysisConfig) LPCConfig() dsp.LPCConfig {
	return dsp.LPCConfig{
		FrameLength:         c.FrameLength,
		SampleRate:          c.TargetSampleRate,
		Order:               c.LPCOrder,
		FrequencyResolution: c.FrequencyResolution,
		MaxFrequency:        c.MaxFrequency,
		FilterCoefficient:   c.FilterCoefficient,
		MinLogMagnitude:     c.MinLogMagnitude,
		MinFormantGap:       c.MinFormantGap,
		Method:              c.FormantMethod,
	}
}

// ProfileOptions returns the options a fresh profile for this config needs
func (c AnalysisConfig) ProfileOptions(name string) phoneme.Options {
	return phoneme.Options{
		Name:               name,
		Dimension:          c.FeatureDimension(),
		HistoryDepth:       c.HistoryDepth,
		UseStandardization: c.UseStandardization,
		CompareMethod:      c.CompareMethod,
		MelChannels:        c.MelChannels,
		TargetSampleRate:   c.TargetSampleRate,
		SampleCount:        c.FrameLength,
	}
}

// Validate rejects configurations the pipeline cannot be built from. The first
// offending field is reported as an ErrInvalidConfig.
func (c AnalysisConfig) Validate() error {
	if c.SourceSampleRate <= 0 {
		return errors.NewInvalidConfig("source_sample_rate", c.SourceSampleRate, "must be positive")
	}
	if c.TargetSampleRate <= 0 {
		return errors.NewInvalidConfig("target_sample_rate", c.TargetSampleRate, "must be positive")
	}
	if c.TargetSampleRate > c.SourceSampleRate {
		return errors.NewInvalidConfig("target_sample_rate", c.TargetSampleRate, "must not exceed the source sample rate")
	}
	if !dsp.IsPowerOfTwo(c.FrameLength) {
		return errors.NewInvalidConfig("frame_length", c.FrameLength, "must be a power of two")
	}
	if !c.Strategy.Valid() {
		return errors.NewInvalidConfig("strategy", c.Strategy, "must be mfcc or lpc")
	}
	if !c.Window.Valid() {
		return errors.NewInvalidConfig("window", c.Window, "is not a known window")
	}
	if !c.CompareMethod.Valid() {
		return errors.NewInvalidConfig("compare_method", c.CompareMethod, "must be l1, l2 or cosine")
	}
	if c.PreEmphasis < 0 || c.PreEmphasis >= 1 {
		return errors.NewInvalidConfig("pre_emphasis", c.PreEmphasis, "must be in [0, 1)")
	}
	if c.LowPassRange < 0 || c.LowPassRangeHz() >= float64(c.TargetSampleRate)/2 {
		return errors.NewInvalidConfig("low_pass_range", c.LowPassRange, "must be below half the target sample rate")
	}
	if c.HistoryDepth < 1 {
		return errors.NewInvalidConfig("history_depth", c.HistoryDepth, "must be at least 1")
	}
	if c.SilenceThreshold < 0 {
		return errors.NewInvalidConfig("silence_threshold", c.SilenceThreshold, "must not be negative")
	}
	if c.MaxVolume <= c.MinVolume {
		return errors.NewInvalidConfig("max_volume", c.MaxVolume, "must exceed min_volume")
	}
	if c.Smoothness < 0 || c.Smoothness >= 1 {
		return errors.NewInvalidConfig("smoothness", c.Smoothness, "must be in [0, 1)")
	}

	switch c.Strategy {
	case StrategyMFCC:
		if c.MelChannels < 2 {
			return errors.NewInvalidConfig("mel_channels", c.MelChannels, "must be at least 2")
		}
		if c.CoefficientCount < 1 || c.CoefficientCount > c.MelChannels-1 {
			return errors.NewInvalidConfig("coefficient_count", c.CoefficientCount, "must be in 1..mel_channels-1")
		}
		if c.DeltaWindow < 0 {
			return errors.NewInvalidConfig("delta_window", c.DeltaWindow, "must not be negative")
		}
		if !c.LogScale.Valid() {
			return errors.NewInvalidConfig("log_scale", c.LogScale, "must be decibel or log10")
		}
	case StrategyLPC:
		if c.LPCOrder < 2 || c.LPCOrder >= c.FrameLength {
			return errors.NewInvalidConfig("lpc_order", c.LPCOrder, "must be in 2..frame_length-1")
		}
		if c.FrequencyResolution < 3 {
			return errors.NewInvalidConfig("frequency_resolution", c.FrequencyResolution, "must be at least 3")
		}
		if c.MaxFrequency <= 0 || c.MaxFrequency > float64(c.TargetSampleRate)/2 {
			return errors.NewInvalidConfig("max_frequency", c.MaxFrequency, "must be in (0, target_sample_rate/2]")
		}
		if c.FilterCoefficient <= 0 || c.FilterCoefficient > 1 {
			return errors.NewInvalidConfig("filter_coefficient", c.FilterCoefficient, "must be in (0, 1]")
		}
		if !c.FormantMethod.Valid() {
			return errors.NewInvalidConfig("formant_method", c.FormantMethod, "must be peak or second_derivative")
		}
		if c.FormantDimensions != 2 && c.FormantDimensions != 3 {
			return errors.NewInvalidConfig("formant_dimensions", c.FormantDimensions, "must be 2 or 3")
		}
		if c.ErrorTolerance <= 0 {
			return errors.NewInvalidConfig("error_tolerance", c.ErrorTolerance, "must be positive")
		}
	}
	return nil
}

// CompatibleProfile reports whether p can be scored against features
// produced by c
func (c AnalysisConfig) CompatibleProfile(p *phoneme.Profile) error {
	if p == nil {
		return errors.ErrProfileMissing
	}
	if p.Dimension() != c.FeatureDimension() {
		return errors.NewDimensionMismatch(c.FeatureDimension(), p.Dimension())
	}
	return nil
}

// loadAnalysisConfig fills config from the environment on top of its current
// values, so a YAML overlay loaded earlier survives unset variables
func loadAnalysisConfig(logger *logrus.Logger, config *AnalysisConfig) error {
	config.SourceSampleRate = getEnvInt("SOURCE_SAMPLE_RATE", config.SourceSampleRate)
	config.TargetSampleRate = getEnvInt("TARGET_SAMPLE_RATE", config.TargetSampleRate)
	config.FrameLength = getEnvInt("FRAME_LENGTH", config.FrameLength)
	config.Strategy = Strategy(getEnv("ANALYSIS_STRATEGY", string(config.Strategy)))

	config.CoefficientCount = getEnvInt("MFCC_COEFFICIENTS", config.CoefficientCount)
	config.MelChannels = getEnvInt("MEL_CHANNELS", config.MelChannels)
	config.DeltaWindow = getEnvInt("MFCC_DELTA_WINDOW", config.DeltaWindow)
	config.LogScale = dsp.LogScale(getEnv("MFCC_LOG_SCALE", string(config.LogScale)))

	config.Window = dsp.WindowType(getEnv("ANALYSIS_WINDOW", string(config.Window)))
	config.PreEmphasis = getEnvFloat("PRE_EMPHASIS", config.PreEmphasis)
	config.LowPassRange = getEnvFloat("LOW_PASS_RANGE", config.LowPassRange)

	config.CompareMethod = phoneme.CompareMethod(getEnv("COMPARE_METHOD", string(config.CompareMethod)))
	config.UseStandardization = getEnvBool("USE_STANDARDIZATION", config.UseStandardization)
	config.HistoryDepth = getEnvInt("CALIBRATION_HISTORY_DEPTH", config.HistoryDepth)

	config.SilenceThreshold = getEnvFloat("SILENCE_THRESHOLD", config.SilenceThreshold)
	config.MinVolume = getEnvFloat("MIN_VOLUME", config.MinVolume)
	config.MaxVolume = getEnvFloat("MAX_VOLUME", config.MaxVolume)
	config.Smoothness = getEnvFloat("SMOOTHNESS", config.Smoothness)

	config.LPCOrder = getEnvInt("LPC_ORDER", config.LPCOrder)
	config.FrequencyResolution = getEnvInt("LPC_FREQUENCY_RESOLUTION", config.FrequencyResolution)
	config.MaxFrequency = getEnvFloat("LPC_MAX_FREQUENCY", config.MaxFrequency)
	config.FilterCoefficient = getEnvFloat("LPC_FILTER_COEFFICIENT", config.FilterCoefficient)
	config.MinLogMagnitude = getEnvFloat("LPC_MIN_LOG_MAGNITUDE", config.MinLogMagnitude)
	config.MinFormantGap = getEnvFloat("LPC_MIN_FORMANT_GAP", config.MinFormantGap)
	config.FormantMethod = dsp.FormantMethod(getEnv("LPC_FORMANT_METHOD", string(config.FormantMethod)))
	config.FormantDimensions = getEnvInt("LPC_FORMANT_DIMENSIONS", config.FormantDimensions)
	config.ErrorTolerance = getEnvFloat("LPC_ERROR_TOLERANCE", config.ErrorTolerance)

	logger.WithFields(logrus.Fields{
		"strategy":      config.Strategy,
		"source_rate":   config.SourceSampleRate,
		"target_rate":   config.TargetSampleRate,
		"frame_length":  config.FrameLength,
		"feature_dim":   config.FeatureDimension(),
		"ring_capacity": config.RingCapacity(),
	}).Debug("Analysis configuration loaded")

	return nil
}

// analysisFile is the YAML document layout: the analysis section either at
// the top level or nested under "analysis"
type analysisFile struct {
	Analysis yaml.Node `yaml:"analysis"`
}

// LoadAnalysisFile overlays the YAML file at path onto base. Keys missing from
// the file keep base's values.
func LoadAnalysisFile(path string, base AnalysisConfig) (AnalysisConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, errors.Wrap(err, "failed to read analysis config file", map[string]interface{}{"path": path})
	}
	return ParseAnalysisYAML(data, base)
}

// ParseAnalysisYAML overlays a YAML document onto base
func ParseAnalysisYAML(data []byte, base AnalysisConfig) (AnalysisConfig, error) {
	var doc analysisFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return base, errors.Wrap(err, "failed to parse analysis config").WithCode("INVALID_CONFIG")
	}

	out := base
	var err error
	if doc.Analysis.Kind != 0 {
		err = doc.Analysis.Decode(&out)
	} else {
		err = yaml.Unmarshal(data, &out)
	}
	if err != nil {
		return base, errors.Wrap(err, "failed to decode analysis config").WithCode("INVALID_CONFIG")
	}
	return out, nil
}
