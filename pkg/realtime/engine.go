package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"phoneme-recognizer/pkg/config"
	"phoneme-recognizer/pkg/dsp"
	"phoneme-recognizer/pkg/errors"
	"phoneme-recognizer/pkg/metrics"
	"phoneme-recognizer/pkg/phoneme"
)

// OutcomeScheduled is returned by Tick when it started a computation. The
// computation's own outcome is recorded when a later cycle collects it.
const OutcomeScheduled = "scheduled"

// ResultSink receives every published result. Sinks run on the consumer
// goroutine with the engine locked: they must not block and must not call
// back into the engine except for Result.
type ResultSink interface {
	OnResult(result phoneme.Result)
}

// ResultSinkFunc adapts a function to a ResultSink
type ResultSinkFunc func(result phoneme.Result)

// OnResult calls f
func (f ResultSinkFunc) OnResult(result phoneme.Result) {
	f(result)
}

// CalibrationHook is called after queued calibrations were applied to the
// profile, outside the engine lock
type CalibrationHook func(profile *phoneme.Profile, applied []string)

// Option configures an Engine
type Option func(*Engine)

// WithSessionID overrides the generated session ID
func WithSessionID(id string) Option {
	return func(e *Engine) {
		e.sessionID = id
	}
}

// WithProfile installs the initial profile
func WithProfile(p *phoneme.Profile) Option {
	return func(e *Engine) {
		e.profile = p
	}
}

// WithCalibrationHook registers a function run after calibrations are applied
func WithCalibrationHook(hook CalibrationHook) Option {
	return func(e *Engine) {
		e.onCalibrate = hook
	}
}

// job is one computation in flight
type job struct {
	done       chan Analysis
	generation uint64
	rawVolume  float64
}

// Engine schedules analysis between the audio producer and the periodic
// consumer. The producer only touches the ring buffer. The consumer keeps at
// most one computation in flight and skips cycles while it runs.
type Engine struct {
	logger    *logrus.Entry
	sessionID string

	// the ring has its own lock, the producer never takes mu
	ring *RingBuffer

	mu           sync.Mutex
	cfg          config.AnalysisConfig
	pipeline     *Pipeline
	process      func(p *Pipeline, snapshot []float32, profile *phoneme.Profile) Analysis
	profile      *phoneme.Profile
	snapshot     []float32
	pool         *WorkerPool
	inflight     *job
	generation   uint64
	calibrations []int
	lastFeatures []float64
	featureCount uint64
	rawRatios    map[string]float64
	smoother     *Smoother
	sequence     uint64
	sinks        []ResultSink
	onCalibrate  CalibrationHook
	closed       bool

	resultMu sync.RWMutex
	result   phoneme.Result

	stats *StreamingMetrics
}

// EngineStats is a point-in-time view of an engine
type EngineStats struct {
	SessionID           string          `json:"session_id"`
	Strategy            config.Strategy `json:"strategy"`
	Busy                bool            `json:"busy"`
	PendingCalibrations int             `json:"pending_calibrations"`
	HasProfile          bool            `json:"has_profile"`
	FeatureVectors      uint64          `json:"feature_vectors"` // vectors available to calibration so far
	Stream              StreamStats     `json:"stream"`
	Buffer              BufferStats     `json:"buffer"`
	Pool                *PoolStats      `json:"pool"`
}

// NewEngine validates cfg and allocates every buffer the session needs
func NewEngine(cfg config.AnalysisConfig, logger *logrus.Logger, opts ...Option) (*Engine, error) {
	pipeline, err := NewPipeline(cfg)
	if err != nil {
		return nil, err
	}

	ring, err := NewRingBuffer(cfg.RingCapacity())
	if err != nil {
		return nil, err
	}

	e := &Engine{
		sessionID: uuid.NewString(),
		ring:      ring,
		cfg:       cfg,
		pipeline:  pipeline,
		process:   (*Pipeline).Process,
		snapshot:  make([]float32, ring.Capacity()),
		pool:      NewWorkerPool(1, 1, logger),
		smoother:  NewSmoother(cfg.Smoothness),
		result:    phoneme.EmptyResult(),
		stats:     NewStreamingMetrics(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.logger = logger.WithFields(logrus.Fields{
		"component":  "engine",
		"session_id": e.sessionID,
	})
	e.result.SessionID = e.sessionID

	if e.profile != nil {
		e.adoptProfileLocked()
	}

	if err := e.pool.Start(); err != nil {
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"strategy":      cfg.Strategy,
		"frame_length":  cfg.FrameLength,
		"ring_capacity": ring.Capacity(),
		"dimension":     cfg.FeatureDimension(),
	}).Info("Analysis engine started")

	return e, nil
}

// SessionID returns the session identifier stamped on every result
func (e *Engine) SessionID() string {
	return e.sessionID
}

// Config returns the active session configuration
func (e *Engine) Config() config.AnalysisConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Profile returns the active profile, which may be nil
func (e *Engine) Profile() *phoneme.Profile {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.profile
}

// OnAudioFrame feeds interleaved samples from the producer. Only the first
// channel of every frame is kept.
func (e *Engine) OnAudioFrame(samples []float32, channels int) {
	if channels < 1 {
		channels = 1
	}
	n := e.ring.Write(samples, channels)
	e.stats.RecordAudio(n)
}

// Fill reports how much of the ring buffer holds audio
func (e *Engine) Fill() float64 {
	return e.ring.Fill()
}

// Subscribe registers a sink for every published result
func (e *Engine) Subscribe(sink ResultSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, sink)
}

// RequestCalibration queues the entry at index to record the next available
// feature vector. It is applied during a consumer cycle.
func (e *Engine) RequestCalibration(index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return errors.ErrEngineClosed
	}
	if e.profile == nil {
		return errors.ErrProfileMissing
	}
	if n := e.profile.Len(); index < 0 || index >= n {
		return errors.NewIndexOutOfRange(index, n)
	}

	e.calibrations = append(e.calibrations, index)
	return nil
}

// Tick runs one consumer cycle and returns its outcome: skipped_busy,
// no_profile, silent, error or scheduled.
func (e *Engine) Tick() string {
	e.mu.Lock()
	outcome, applied := e.tickLocked()
	profile := e.profile
	hook := e.onCalibrate
	e.mu.Unlock()

	if len(applied) > 0 && hook != nil {
		hook(profile, applied)
	}
	return outcome
}

func (e *Engine) tickLocked() (string, []string) {
	if e.closed {
		return metrics.OutcomeError, nil
	}

	if e.inflight != nil {
		select {
		case a := <-e.inflight.done:
			e.collectLocked(e.inflight, a)
		default:
			e.stats.RecordCycle(metrics.OutcomeSkippedBusy)
			return metrics.OutcomeSkippedBusy, nil
		}
	}

	applied := e.applyCalibrationsLocked()

	if e.profile == nil {
		e.stats.RecordCycle(metrics.OutcomeNoProfile)
		return metrics.OutcomeNoProfile, applied
	}

	if _, err := e.ring.SnapshotLatest(e.snapshot); err != nil {
		e.logger.WithError(err).Warn("Snapshot failed")
		e.stats.RecordCycle(metrics.OutcomeError)
		return metrics.OutcomeError, applied
	}

	rms := dsp.RMS(e.snapshot)
	if rms < e.cfg.SilenceThreshold {
		e.publishSilentLocked(rms)
		e.stats.RecordCycle(metrics.OutcomeSilent)
		return metrics.OutcomeSilent, applied
	}

	j := &job{
		done:       make(chan Analysis, 1),
		generation: e.generation,
		rawVolume:  rms,
	}
	pipeline, snapshot, profile, process := e.pipeline, e.snapshot, e.profile, e.process
	submitted := e.pool.Submit(func() {
		a := Analysis{Outcome: metrics.OutcomeError, Index: -1}
		defer func() {
			if r := recover(); r != nil {
				a.Err = errors.New("analysis panicked", map[string]interface{}{"panic": r})
			}
			j.done <- a
		}()
		a = process(pipeline, snapshot, profile)
	})
	if !submitted {
		e.stats.RecordCycle(metrics.OutcomeError)
		return metrics.OutcomeError, applied
	}

	e.inflight = j
	return OutcomeScheduled, applied
}

// Drain blocks until no computation is in flight, publishes its result and
// applies pending calibrations
func (e *Engine) Drain() {
	e.mu.Lock()
	e.waitLocked(true)
	applied := e.applyCalibrationsLocked()
	profile := e.profile
	hook := e.onCalibrate
	e.mu.Unlock()

	if len(applied) > 0 && hook != nil {
		hook(profile, applied)
	}
}

// waitLocked blocks on the in-flight computation. The worker never takes mu,
// so waiting with it held is safe and keeps other cycles out.
func (e *Engine) waitLocked(collect bool) {
	if e.inflight == nil {
		return
	}
	a := <-e.inflight.done
	if collect {
		e.collectLocked(e.inflight, a)
		return
	}
	e.inflight = nil
	e.logger.WithField("outcome", a.Outcome).Debug("Discarded in-flight result")
}

// collectLocked turns a finished computation into a published result. The
// analysis slices belong to the pipeline, so whatever outlives this call is
// copied.
func (e *Engine) collectLocked(j *job, a Analysis) {
	e.inflight = nil
	e.stats.RecordCompute(a.Duration)

	if j.generation != e.generation {
		e.logger.Debug("Ignoring result computed for a replaced configuration")
		return
	}

	if a.Features != nil {
		e.lastFeatures = append(e.lastFeatures[:0], a.Features...)
		e.featureCount++
	}
	e.stats.RecordCycle(a.Outcome)

	volume := dsp.NormalizeVolume(j.rawVolume, e.cfg.MinVolume, e.cfg.MaxVolume)

	switch a.Outcome {
	case metrics.OutcomeComputed:
		if e.rawRatios == nil {
			e.rawRatios = make(map[string]float64, len(a.Names))
		}
		clear(e.rawRatios)
		for i, name := range a.Names {
			e.rawRatios[name] = a.Ratios[i]
		}

		ratios, smoothed := e.smoother.Update(e.rawRatios, volume)
		r := phoneme.Result{
			Phoneme:   a.Phoneme,
			Index:     a.Index,
			Ratios:    ratios,
			Volume:    smoothed,
			RawVolume: j.rawVolume,
			Formants:  cloneFloats(a.Formants),
		}
		if e.cfg.Strategy == config.StrategyMFCC {
			r.Features = cloneFloats(a.Features)
		}
		e.publishLocked(r)

	case metrics.OutcomeNoMatch:
		r := e.Result()
		r.Volume = e.smoother.UpdateVolume(volume)
		r.RawVolume = j.rawVolume
		r.Silent = false
		r.Formants = cloneFloats(a.Formants)
		e.publishLocked(r)

	default:
		e.logger.WithError(a.Err).Debug("Analysis produced no update")
	}
}

// publishSilentLocked keeps the previous ratios and reports the new volume
func (e *Engine) publishSilentLocked(rms float64) {
	volume := dsp.NormalizeVolume(rms, e.cfg.MinVolume, e.cfg.MaxVolume)

	r := e.Result()
	r.Volume = e.smoother.UpdateVolume(volume)
	r.RawVolume = rms
	r.Silent = true
	r.Features = nil
	r.Formants = nil
	e.publishLocked(r)
}

func (e *Engine) publishLocked(r phoneme.Result) {
	e.sequence++
	r.Sequence = e.sequence
	r.SessionID = e.sessionID
	r.Timestamp = time.Now()
	if r.Ratios == nil {
		r.Ratios = map[string]float64{}
	}

	e.resultMu.Lock()
	e.result = r
	e.resultMu.Unlock()

	e.stats.RecordResult()
	metrics.RecordResult(r.Volume, r.Ratios)

	for _, sink := range e.sinks {
		sink.OnResult(r.Clone())
	}
}

// applyCalibrationsLocked records the last feature vector for every queued
// entry. Requests stay queued until a vector exists.
func (e *Engine) applyCalibrationsLocked() []string {
	if len(e.calibrations) == 0 || e.profile == nil || e.lastFeatures == nil {
		return nil
	}

	names := e.profile.Names()
	applied := make([]string, 0, len(e.calibrations))
	for _, index := range e.calibrations {
		if err := e.profile.Calibrate(index, e.lastFeatures); err != nil {
			e.logger.WithError(err).WithField("index", index).Warn("Calibration rejected")
			continue
		}
		name := names[index]
		applied = append(applied, name)
		e.stats.RecordCalibration(name)
		e.logger.WithField("phoneme", name).Debug("Calibration sample recorded")
	}
	e.calibrations = e.calibrations[:0]
	return applied
}

// SetConfig switches to cfg. It waits for the in-flight computation, drops
// its result and reallocates the buffers whose size changed.
func (e *Engine) SetConfig(cfg config.AnalysisConfig) error {
	pipeline, err := NewPipeline(cfg)
	if err != nil {
		e.logger.WithError(err).Warn("Rejected analysis configuration")
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return errors.ErrEngineClosed
	}

	e.waitLocked(false)

	old := e.cfg
	if capacity := cfg.RingCapacity(); capacity != e.ring.Capacity() {
		if err := e.ring.Resize(capacity); err != nil {
			return err
		}
		e.snapshot = make([]float32, capacity)
	}
	if old.SizeKey() != cfg.SizeKey() {
		e.lastFeatures = nil
		e.stats.RecordResize()
		e.logger.WithFields(logrus.Fields{
			"strategy":      cfg.Strategy,
			"frame_length":  cfg.FrameLength,
			"ring_capacity": e.ring.Capacity(),
			"dimension":     cfg.FeatureDimension(),
		}).Info("Analysis buffers reallocated")
	}

	e.cfg = cfg
	e.pipeline = pipeline
	e.generation++
	e.smoother.SetSmoothness(cfg.Smoothness)
	if e.profile != nil {
		e.adoptProfileLocked()
	}
	return nil
}

// SetProfile replaces the profile. A nil profile pauses classification.
func (e *Engine) SetProfile(p *phoneme.Profile) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.profile = p
	e.generation++
	e.calibrations = e.calibrations[:0]
	e.smoother.Reset()
	metrics.ResetRatios()

	if p != nil {
		e.adoptProfileLocked()
	}
}

// adoptProfileLocked syncs the scoring settings into the profile and warns
// about a shape the pipeline cannot score against
func (e *Engine) adoptProfileLocked() {
	if err := e.profile.SetScoring(e.cfg.CompareMethod, e.cfg.UseStandardization); err != nil {
		e.logger.WithError(err).Warn("Failed to apply scoring settings to profile")
	}
	if err := e.cfg.CompatibleProfile(e.profile); err != nil {
		e.logger.WithError(err).Warn("Profile does not match the analysis configuration")
		return
	}
	e.logger.WithFields(logrus.Fields{
		"profile": e.profile.Options().Name,
		"entries": e.profile.Names(),
	}).Info("Profile installed")
}

// Result returns the latest published result
func (e *Engine) Result() phoneme.Result {
	e.resultMu.RLock()
	defer e.resultMu.RUnlock()
	return e.result.Clone()
}

// Stats returns a snapshot of the engine's counters
func (e *Engine) Stats() EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	return EngineStats{
		SessionID:           e.sessionID,
		Strategy:            e.cfg.Strategy,
		Busy:                e.inflight != nil,
		PendingCalibrations: len(e.calibrations),
		HasProfile:          e.profile != nil,
		FeatureVectors:      e.featureCount,
		Stream:              e.stats.GetSnapshot(),
		Buffer:              e.ring.GetStats(),
		Pool:                e.pool.GetStats(),
	}
}

// Run ticks every interval until ctx is cancelled
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.NewInvalidConfig("tick_interval", interval, "must be positive")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.WithField("interval", interval).Debug("Consumer loop started")
	for {
		select {
		case <-ctx.Done():
			e.logger.Debug("Consumer loop stopped")
			return nil
		case <-ticker.C:
			e.Tick()
		}
	}
}

// Close waits for the in-flight computation and stops the worker
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.waitLocked(false)
	e.mu.Unlock()

	err := e.pool.Stop()
	e.logger.Info("Analysis engine closed")
	return err
}

func cloneFloats(v []float64) []float64 {
	if v == nil {
		return nil
	}
	return append([]float64(nil), v...)
}
