package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phoneme-recognizer/pkg/config"
	"phoneme-recognizer/pkg/errors"
	"phoneme-recognizer/pkg/metrics"
	"phoneme-recognizer/pkg/phoneme"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestEngine(t *testing.T, cfg config.AnalysisConfig, opts ...Option) *Engine {
	e, err := NewEngine(cfg, quietLogger(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

// gate blocks the engine's computation until released
type gate struct {
	started chan struct{}
	release chan struct{}
}

func installGate(e *Engine) *gate {
	g := &gate{started: make(chan struct{}, 8), release: make(chan struct{})}
	e.process = func(p *Pipeline, snapshot []float32, profile *phoneme.Profile) Analysis {
		g.started <- struct{}{}
		<-g.release
		return p.Process(snapshot, profile)
	}
	return g
}

// resultLog collects published results
type resultLog struct {
	mu      sync.Mutex
	results []phoneme.Result
}

func (l *resultLog) OnResult(r phoneme.Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, r)
}

func (l *resultLog) all() []phoneme.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]phoneme.Result(nil), l.results...)
}

func TestEngineCalibrateThenClassify(t *testing.T) {
	cfg := testConfig()
	profile := testProfile(t, cfg, "A", "I")

	var hooked []string
	e := newTestEngine(t, cfg,
		WithProfile(profile),
		WithSessionID("session-1"),
		WithCalibrationHook(func(p *phoneme.Profile, applied []string) {
			assert.Same(t, profile, p)
			hooked = append(hooked, applied...)
		}),
	)
	log := &resultLog{}
	e.Subscribe(log)

	capacity := cfg.RingCapacity()
	e.OnAudioFrame(tone([]float64{300, 900}, 0.5, 48000, capacity, 1), 1)

	require.NoError(t, e.RequestCalibration(0))
	assert.Equal(t, OutcomeScheduled, e.Tick())
	// no feature vector existed yet, so the request is still queued
	assert.Equal(t, 1, e.Stats().PendingCalibrations)
	e.Drain()

	history, err := profile.History(0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, []string{"A"}, hooked)

	first := e.Result()
	assert.Equal(t, "session-1", first.SessionID)
	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, history[0], first.Features)

	assert.Equal(t, OutcomeScheduled, e.Tick())
	e.Drain()

	r := e.Result()
	assert.Equal(t, "A", r.Phoneme)
	assert.Equal(t, 0, r.Index)
	assert.Greater(t, r.Ratios["A"], r.Ratios["I"])
	assert.InDelta(t, 1.0, r.Ratios["A"]+r.Ratios["I"], 1e-9)
	assert.Greater(t, r.RawVolume, 0.0)
	assert.False(t, r.Silent)

	assert.Len(t, log.all(), 2)
	stats := e.Stats()
	assert.Equal(t, int64(2), stats.Stream.Outcomes[metrics.OutcomeComputed])
	assert.Equal(t, int64(1), stats.Stream.Calibrations)
	assert.Equal(t, 0, stats.PendingCalibrations)
	assert.False(t, stats.Busy)
}

func TestEngineSilenceKeepsRatios(t *testing.T) {
	cfg := testConfig()
	profile := testProfile(t, cfg, "A", "I")
	e := newTestEngine(t, cfg, WithProfile(profile))

	capacity := cfg.RingCapacity()
	low := tone([]float64{300, 900}, 0.5, 48000, capacity, 1)
	e.OnAudioFrame(low, 1)
	require.NoError(t, e.RequestCalibration(0))
	e.Tick()
	e.Drain()
	e.Tick()
	e.Drain()

	loud := e.Result()
	require.Equal(t, "A", loud.Phoneme)
	require.Greater(t, loud.Volume, 0.0)

	e.OnAudioFrame(make([]float32, capacity), 1)
	assert.Equal(t, metrics.OutcomeSilent, e.Tick())

	quiet := e.Result()
	assert.True(t, quiet.Silent)
	assert.Equal(t, loud.Ratios, quiet.Ratios)
	assert.Equal(t, loud.Phoneme, quiet.Phoneme)
	assert.Equal(t, 0.0, quiet.RawVolume)
	assert.Equal(t, 0.0, quiet.Volume)
	assert.Equal(t, loud.Sequence+1, quiet.Sequence)

	// silence never reaches the worker
	assert.False(t, e.Stats().Busy)
}

func TestEngineSkipsWhileBusy(t *testing.T) {
	cfg := testConfig()
	e := newTestEngine(t, cfg, WithProfile(testProfile(t, cfg, "A", "I")))
	g := installGate(e)

	e.OnAudioFrame(tone([]float64{440}, 0.5, 48000, cfg.RingCapacity(), 1), 1)
	require.Equal(t, OutcomeScheduled, e.Tick())
	<-g.started

	assert.Equal(t, metrics.OutcomeSkippedBusy, e.Tick())
	assert.Equal(t, metrics.OutcomeSkippedBusy, e.Tick())
	assert.True(t, e.Stats().Busy)
	assert.Equal(t, uint64(0), e.Result().Sequence)

	close(g.release)
	e.Drain()

	stats := e.Stats()
	assert.False(t, stats.Busy)
	assert.Equal(t, int64(2), stats.Stream.Outcomes[metrics.OutcomeSkippedBusy])
	assert.Equal(t, int64(1), stats.Stream.Outcomes[metrics.OutcomeComputed])
	assert.Equal(t, uint64(1), e.Result().Sequence)
}

func TestEngineNoProfile(t *testing.T) {
	cfg := testConfig()
	e := newTestEngine(t, cfg)

	e.OnAudioFrame(tone([]float64{440}, 0.5, 48000, cfg.RingCapacity(), 1), 1)
	assert.Equal(t, metrics.OutcomeNoProfile, e.Tick())
	assert.Equal(t, phoneme.EmptyResult().Index, e.Result().Index)
	assert.Equal(t, uint64(0), e.Result().Sequence)

	assert.True(t, errors.IsErrorType(e.RequestCalibration(0), errors.ErrProfileMissing))

	e.SetProfile(testProfile(t, cfg, "A"))
	assert.Equal(t, OutcomeScheduled, e.Tick())
	e.Drain()
	assert.Equal(t, "A", e.Result().Phoneme)

	assert.True(t, errors.IsErrorType(e.RequestCalibration(3), errors.ErrIndexOutOfRange))
	assert.True(t, errors.IsErrorType(e.RequestCalibration(-1), errors.ErrIndexOutOfRange))
}

func TestEngineSetConfigWaitsForComputation(t *testing.T) {
	cfg := testConfig()
	e := newTestEngine(t, cfg, WithProfile(testProfile(t, cfg, "A", "I")))
	g := installGate(e)

	e.OnAudioFrame(tone([]float64{440}, 0.5, 48000, cfg.RingCapacity(), 1), 1)
	require.Equal(t, OutcomeScheduled, e.Tick())
	<-g.started

	next := cfg
	next.FrameLength = 2048
	done := make(chan error, 1)
	go func() { done <- e.SetConfig(next) }()

	select {
	case <-done:
		t.Fatal("SetConfig returned while a computation was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(g.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("SetConfig did not return")
	}

	// the superseded result is dropped
	assert.Equal(t, uint64(0), e.Result().Sequence)

	stats := e.Stats()
	assert.Equal(t, next.RingCapacity(), stats.Buffer.Capacity)
	assert.Equal(t, int64(1), stats.Stream.Resizes)
	assert.Equal(t, 2048, e.Config().FrameLength)

	e.OnAudioFrame(tone([]float64{440}, 0.5, 48000, next.RingCapacity(), 1), 1)
	require.Equal(t, OutcomeScheduled, e.Tick())
	e.Drain()
	assert.Equal(t, uint64(1), e.Result().Sequence)
	assert.Len(t, e.Result().Features, next.FeatureDimension())
}

func TestEngineSetConfigWithoutResize(t *testing.T) {
	cfg := testConfig()
	e := newTestEngine(t, cfg, WithProfile(testProfile(t, cfg, "A")))

	next := cfg
	next.Smoothness = 0.5
	next.CompareMethod = phoneme.CompareCosine
	require.NoError(t, e.SetConfig(next))

	stats := e.Stats()
	assert.Equal(t, int64(0), stats.Stream.Resizes)
	assert.Equal(t, phoneme.CompareCosine, e.Profile().Options().CompareMethod)

	bad := cfg
	bad.FrameLength = 1000
	err := e.SetConfig(bad)
	require.Error(t, err)
	assert.True(t, errors.IsErrorType(err, errors.ErrInvalidConfig))
	assert.Equal(t, next, e.Config())
}

func TestEngineDropsResultOfReplacedProfile(t *testing.T) {
	cfg := testConfig()
	e := newTestEngine(t, cfg, WithProfile(testProfile(t, cfg, "A", "I")))
	g := installGate(e)

	e.OnAudioFrame(tone([]float64{440}, 0.5, 48000, cfg.RingCapacity(), 1), 1)
	require.Equal(t, OutcomeScheduled, e.Tick())
	<-g.started

	replacement := testProfile(t, cfg, "U", "E", "O")
	e.SetProfile(replacement)
	close(g.release)
	e.Drain()

	assert.Equal(t, uint64(0), e.Result().Sequence)
	assert.Same(t, replacement, e.Profile())
}

func TestEngineLPCRejectedMatchUpdatesVolumeOnly(t *testing.T) {
	cfg := lpcConfig()
	cfg.ErrorTolerance = 1e-6
	vowels, err := phoneme.DefaultVowelProfile(cfg.FormantDimensions, cfg.HistoryDepth)
	require.NoError(t, err)
	e := newTestEngine(t, cfg, WithProfile(vowels))

	e.OnAudioFrame(tone([]float64{700, 1200, 2600}, 0.5, 48000, cfg.RingCapacity(), 3), 1)
	require.Equal(t, OutcomeScheduled, e.Tick())
	e.Drain()

	r := e.Result()
	assert.Equal(t, int64(1), e.Stats().Stream.Outcomes[metrics.OutcomeNoMatch])
	assert.Equal(t, uint64(1), r.Sequence)
	assert.Equal(t, -1, r.Index)
	assert.Empty(t, r.Ratios)
	assert.Greater(t, r.RawVolume, 0.0)
	assert.Nil(t, r.Features)
}

func TestEngineZeroScoresClearPreviousRatios(t *testing.T) {
	cfg := testConfig()
	cfg.Smoothness = 0.05
	e := newTestEngine(t, cfg, WithProfile(testProfile(t, cfg, "A", "I")))

	ratios := [][]float64{{1, 0}, {0, 0}, {0, 0}}
	cycle := 0
	e.process = func(p *Pipeline, snapshot []float32, profile *phoneme.Profile) Analysis {
		a := Analysis{
			Outcome:  metrics.OutcomeComputed,
			Index:    0,
			Phoneme:  "A",
			Names:    []string{"A", "I"},
			Ratios:   ratios[cycle],
			Features: make([]float64, cfg.FeatureDimension()),
		}
		cycle++
		return a
	}

	e.OnAudioFrame(tone([]float64{440}, 0.5, 48000, cfg.RingCapacity(), 1), 1)
	require.Equal(t, OutcomeScheduled, e.Tick())
	e.Drain()
	assert.InDelta(t, 1.0, e.Result().Ratios["A"], 1e-12)

	for i := 0; i < 2; i++ {
		require.Equal(t, OutcomeScheduled, e.Tick())
		e.Drain()
		assert.Equal(t, map[string]float64{"A": 0, "I": 0}, e.Result().Ratios)
	}
}

func TestEngineResultsOutliveNextCycle(t *testing.T) {
	cfg := testConfig()
	profile := testProfile(t, cfg, "A", "I")
	e := newTestEngine(t, cfg, WithProfile(profile))

	e.OnAudioFrame(tone([]float64{300, 900}, 0.5, 48000, cfg.RingCapacity(), 1), 1)
	require.NoError(t, e.RequestCalibration(0))
	require.Equal(t, OutcomeScheduled, e.Tick())
	e.Drain()
	e.resultMu.RLock()
	first := e.result
	e.resultMu.RUnlock()
	history, err := profile.History(0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	calibrated := append([]float64(nil), history[0]...)

	e.OnAudioFrame(tone([]float64{2500, 3400}, 0.5, 48000, cfg.RingCapacity(), 2), 1)
	require.Equal(t, OutcomeScheduled, e.Tick())
	e.Drain()

	assert.NotEqual(t, first.Features, e.Result().Features)
	assert.Equal(t, calibrated, first.Features)
	history, err = profile.History(0)
	require.NoError(t, err)
	assert.Equal(t, calibrated, history[0])
}

func TestEngineInterleavedInput(t *testing.T) {
	cfg := testConfig()
	e := newTestEngine(t, cfg)

	mono := tone([]float64{440}, 0.5, 48000, 100, 1)
	stereo := make([]float32, 2*len(mono))
	for i, s := range mono {
		stereo[2*i] = s
		stereo[2*i+1] = 1
	}
	e.OnAudioFrame(stereo, 2)
	e.OnAudioFrame(mono, 0)

	stats := e.Stats()
	assert.Equal(t, int64(200), stats.Stream.SamplesWritten)
	assert.Equal(t, int64(2), stats.Stream.AudioFramesProcessed)
	assert.InDelta(t, 200.0/float64(cfg.RingCapacity()), e.Fill(), 1e-12)
}

func TestEngineRunStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	e := newTestEngine(t, cfg, WithProfile(testProfile(t, cfg, "A")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, time.Millisecond) }()

	assert.Eventually(t, func() bool {
		return e.Stats().Stream.Outcomes[metrics.OutcomeSilent] > 0
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}

	assert.Error(t, e.Run(context.Background(), 0))
}

func TestEngineClose(t *testing.T) {
	cfg := testConfig()
	e, err := NewEngine(cfg, quietLogger(), WithProfile(testProfile(t, cfg, "A")))
	require.NoError(t, err)
	assert.NotEmpty(t, e.SessionID())

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	assert.Equal(t, metrics.OutcomeError, e.Tick())
	assert.True(t, errors.IsErrorType(e.RequestCalibration(0), errors.ErrEngineClosed))
	assert.True(t, errors.IsErrorType(e.SetConfig(cfg), errors.ErrEngineClosed))
}

func TestNewEngineRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.CoefficientCount = 0
	_, err := NewEngine(cfg, quietLogger())
	require.Error(t, err)
	assert.True(t, errors.IsErrorType(err, errors.ErrInvalidConfig))
}
