// Package source feeds recorded audio into the analysis engine at a fixed hop,
// so offline runs produce the same results every time.
package source

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/mjibson/go-dsp/wav"
	"github.com/sirupsen/logrus"
	resampling "github.com/tphakala/go-audio-resampling"

	"phoneme-recognizer/pkg/errors"
)

const (
	wavFormatPCM       = 1
	wavFormatIEEEFloat = 3

	// frames decoded per read from the file
	decodeFrames = 4096
)

// Target is the engine surface a source drives
type Target interface {
	OnAudioFrame(samples []float32, channels int)
	Tick() string
	Drain()
}

// HopFunc is called once a hop has been pushed and fully analysed
type HopFunc func(hop int, outcome string) error

// WAVSource decodes a WAV stream and converts it to the engine's source rate
type WAVSource struct {
	logger     *logrus.Entry
	wav        *wav.Wav
	closer     io.Closer
	channels   int
	inputRate  int
	outputRate int
	remaining  int // interleaved samples left in the data chunk
	resampler  resampling.Resampler
	pending    []float32
	eof        bool
}

// NewWAVSource reads the WAV header from r. Audio is resampled to outputRate
// when the file uses a different rate.
func NewWAVSource(r io.Reader, outputRate int, logger *logrus.Logger) (*WAVSource, error) {
	if outputRate <= 0 {
		return nil, errors.NewInvalidConfig("source_sample_rate", outputRate, "must be positive")
	}

	w, err := wav.New(r)
	if err != nil {
		return nil, errors.NewUnsupportedFormat("failed to read WAV header", map[string]interface{}{"cause": err.Error()})
	}

	switch {
	case w.AudioFormat == wavFormatPCM && (w.BitsPerSample == 8 || w.BitsPerSample == 16):
	case w.AudioFormat == wavFormatIEEEFloat && w.BitsPerSample == 32:
	default:
		return nil, errors.NewUnsupportedFormat("sample encoding not supported", map[string]interface{}{
			"audio_format":    w.AudioFormat,
			"bits_per_sample": w.BitsPerSample,
		})
	}
	if w.NumChannels == 0 || w.SampleRate == 0 {
		return nil, errors.NewUnsupportedFormat("WAV header has no channels or sample rate")
	}

	s := &WAVSource{
		wav:        w,
		channels:   int(w.NumChannels),
		inputRate:  int(w.SampleRate),
		outputRate: outputRate,
		remaining:  w.Samples,
	}
	s.logger = logger.WithFields(logrus.Fields{
		"component":   "wav_source",
		"channels":    s.channels,
		"input_rate":  s.inputRate,
		"output_rate": s.outputRate,
	})

	if s.inputRate != s.outputRate {
		s.resampler, err = resampling.New(&resampling.Config{
			InputRate:  float64(s.inputRate),
			OutputRate: float64(s.outputRate),
			Channels:   s.channels,
			Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to create resampler")
		}
		s.logger.Debug("Resampling WAV input")
	}

	return s, nil
}

// OpenFile opens a WAV file; Close releases it
func OpenFile(path string, outputRate int, logger *logrus.Logger) (*WAVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open WAV file", map[string]interface{}{"path": path})
	}

	s, err := NewWAVSource(f, outputRate, logger)
	if err != nil {
		f.Close()
		return nil, err
	}
	s.closer = f
	return s, nil
}

// Close releases the underlying file, if any
func (s *WAVSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// Channels returns the interleaved channel count
func (s *WAVSource) Channels() int {
	return s.channels
}

// InputRate returns the file's sample rate
func (s *WAVSource) InputRate() int {
	return s.inputRate
}

// Duration returns the length of the recording
func (s *WAVSource) Duration() time.Duration {
	return s.wav.Duration
}

// Read returns up to frames interleaved frames at the output rate. It returns
// io.EOF once the file is exhausted and nothing is left.
func (s *WAVSource) Read(frames int) ([]float32, error) {
	want := frames * s.channels
	for len(s.pending) < want && !s.eof {
		if err := s.decode(); err != nil {
			return nil, err
		}
	}

	n := want
	if n > len(s.pending) {
		n = len(s.pending) / s.channels * s.channels
	}
	if n == 0 {
		return nil, io.EOF
	}

	out := make([]float32, n)
	copy(out, s.pending[:n])
	s.pending = s.pending[n:]
	return out, nil
}

// decode moves one block from the file into pending
func (s *WAVSource) decode() error {
	n := decodeFrames * s.channels
	if n > s.remaining {
		n = s.remaining / s.channels * s.channels
	}
	if n == 0 {
		s.eof = true
		return nil
	}

	samples, err := s.wav.ReadFloats(n)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			s.logger.WithField("missing_samples", s.remaining).Warn("WAV data chunk is shorter than its header claims")
			s.eof = true
			return nil
		}
		return errors.Wrap(err, "failed to decode WAV samples")
	}
	s.remaining -= n

	if s.resampler == nil {
		s.pending = append(s.pending, samples...)
		return nil
	}

	input := make([]float64, len(samples))
	for i, v := range samples {
		input[i] = float64(v)
	}
	output, err := s.resampler.Process(input)
	if err != nil {
		return errors.Wrap(err, "resample error")
	}
	for _, v := range output {
		s.pending = append(s.pending, float32(v))
	}
	return nil
}

// Drive pushes the recording into t one hop at a time. After every hop it
// runs a consumer cycle and waits for its computation, then calls fn. It
// returns the number of hops pushed.
func (s *WAVSource) Drive(ctx context.Context, t Target, hopFrames int, fn HopFunc) (int, error) {
	if hopFrames <= 0 {
		return 0, errors.NewInvalidConfig("hop", hopFrames, "must be positive")
	}

	hops := 0
	for {
		if err := ctx.Err(); err != nil {
			return hops, err
		}

		chunk, err := s.Read(hopFrames)
		if err == io.EOF {
			break
		}
		if err != nil {
			return hops, err
		}

		t.OnAudioFrame(chunk, s.channels)
		outcome := t.Tick()
		t.Drain()

		if fn != nil {
			if err := fn(hops, outcome); err != nil {
				return hops + 1, err
			}
		}
		hops++
	}

	s.logger.WithField("hops", hops).Debug("WAV source drained")
	return hops, nil
}
