package source

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phoneme-recognizer/pkg/errors"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// encodeWAV builds a canonical PCM WAV file
func encodeWAV(rate, channels, bits int, data []byte) []byte {
	var buf bytes.Buffer
	le := binary.LittleEndian

	buf.WriteString("RIFF")
	binary.Write(&buf, le, uint32(36+len(data)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, le, uint32(16))
	binary.Write(&buf, le, uint16(1))
	binary.Write(&buf, le, uint16(channels))
	binary.Write(&buf, le, uint32(rate))
	binary.Write(&buf, le, uint32(rate*channels*bits/8))
	binary.Write(&buf, le, uint16(channels*bits/8))
	binary.Write(&buf, le, uint16(bits))

	buf.WriteString("data")
	binary.Write(&buf, le, uint32(len(data)))
	buf.Write(data)
	return buf.Bytes()
}

func pcm16(samples []int16) []byte {
	data := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[2*i:], uint16(s))
	}
	return data
}

func sine(n int, freq, rate float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(16000 * math.Sin(2*math.Pi*freq*float64(i)/rate))
	}
	return out
}

func readAll(t *testing.T, s *WAVSource, frames int) []float32 {
	var all []float32
	for {
		chunk, err := s.Read(frames)
		if err == io.EOF {
			return all
		}
		require.NoError(t, err)
		require.Zero(t, len(chunk)%s.Channels())
		all = append(all, chunk...)
	}
}

func TestWAVSourceDecodesPCM16(t *testing.T) {
	samples := []int16{0, 16384, -16384, 32767, -32768, 100, -100, 8192}
	s, err := NewWAVSource(bytes.NewReader(encodeWAV(48000, 1, 16, pcm16(samples))), 48000, quietLogger())
	require.NoError(t, err)

	assert.Equal(t, 1, s.Channels())
	assert.Equal(t, 48000, s.InputRate())

	got := readAll(t, s, 3)
	require.Len(t, got, len(samples))
	for i, v := range samples {
		assert.InDelta(t, float64(v)/32768, float64(got[i]), 1e-4, "sample %d", i)
	}
}

func TestWAVSourceKeepsInterleavedChannels(t *testing.T) {
	// left ramps up, right is silent
	samples := make([]int16, 2*64)
	for i := 0; i < 64; i++ {
		samples[2*i] = int16(i * 100)
	}
	s, err := NewWAVSource(bytes.NewReader(encodeWAV(16000, 2, 16, pcm16(samples))), 16000, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, 2, s.Channels())

	got := readAll(t, s, 10)
	require.Len(t, got, len(samples))
	assert.InDelta(t, float64(6300)/32768, float64(got[126]), 1e-4)
	assert.Zero(t, got[127])
}

func TestWAVSourceResamples(t *testing.T) {
	const frames = 8000
	s, err := NewWAVSource(bytes.NewReader(encodeWAV(16000, 1, 16, pcm16(sine(frames, 440, 16000)))), 48000, quietLogger())
	require.NoError(t, err)

	got := readAll(t, s, 1024)
	// three times the input, less whatever the filter still holds
	assert.Greater(t, len(got), 2*frames)
	assert.LessOrEqual(t, len(got), 3*frames+64)

	var peak float32
	for _, v := range got {
		if v > peak {
			peak = v
		}
	}
	assert.InDelta(t, 16000.0/32768, float64(peak), 0.05)
}

func TestWAVSourceRejectsUnsupported(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"24-bit PCM", encodeWAV(48000, 1, 24, make([]byte, 48))},
		{"not a WAV file", []byte("definitely not RIFF data")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewWAVSource(bytes.NewReader(tt.data), 48000, quietLogger())
			require.Error(t, err)
			assert.True(t, errors.IsErrorType(err, errors.ErrUnsupportedFormat))
		})
	}

	_, err := NewWAVSource(bytes.NewReader(encodeWAV(48000, 1, 16, make([]byte, 16))), 0, quietLogger())
	assert.True(t, errors.IsErrorType(err, errors.ErrInvalidConfig))
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")
	require.NoError(t, os.WriteFile(path, encodeWAV(48000, 1, 16, pcm16(sine(256, 440, 48000))), 0o644))

	s, err := OpenFile(path, 48000, quietLogger())
	require.NoError(t, err)
	assert.Len(t, readAll(t, s, 100), 256)
	assert.NoError(t, s.Close())

	_, err = OpenFile(filepath.Join(t.TempDir(), "missing.wav"), 48000, quietLogger())
	assert.Error(t, err)
}

// recordingTarget stands in for the engine
type recordingTarget struct {
	frames   []int
	channels []int
	calls    []string
}

func (r *recordingTarget) OnAudioFrame(samples []float32, channels int) {
	r.frames = append(r.frames, len(samples)/channels)
	r.channels = append(r.channels, channels)
	r.calls = append(r.calls, "audio")
}

func (r *recordingTarget) Tick() string {
	r.calls = append(r.calls, "tick")
	return "scheduled"
}

func (r *recordingTarget) Drain() {
	r.calls = append(r.calls, "drain")
}

func TestDrivePushesHops(t *testing.T) {
	samples := make([]int16, 2*1000)
	s, err := NewWAVSource(bytes.NewReader(encodeWAV(48000, 2, 16, pcm16(samples))), 48000, quietLogger())
	require.NoError(t, err)

	target := &recordingTarget{}
	var outcomes []string
	hops, err := s.Drive(context.Background(), target, 256, func(hop int, outcome string) error {
		assert.Equal(t, len(outcomes), hop)
		outcomes = append(outcomes, outcome)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 4, hops)
	assert.Equal(t, []int{256, 256, 256, 232}, target.frames)
	assert.Equal(t, []int{2, 2, 2, 2}, target.channels)
	assert.Equal(t, []string{"audio", "tick", "drain", "audio", "tick", "drain"}, target.calls[:6])
	assert.Len(t, outcomes, 4)
}

func TestDriveStops(t *testing.T) {
	samples := make([]int16, 4096)
	s, err := NewWAVSource(bytes.NewReader(encodeWAV(48000, 1, 16, pcm16(samples))), 48000, quietLogger())
	require.NoError(t, err)

	stop := errors.New("enough")
	hops, err := s.Drive(context.Background(), &recordingTarget{}, 512, func(hop int, _ string) error {
		if hop == 1 {
			return stop
		}
		return nil
	})
	assert.Equal(t, stop, err)
	assert.Equal(t, 2, hops)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Drive(ctx, &recordingTarget{}, 512, nil)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = s.Drive(context.Background(), &recordingTarget{}, 0, nil)
	assert.True(t, errors.IsErrorType(err, errors.ErrInvalidConfig))
}
