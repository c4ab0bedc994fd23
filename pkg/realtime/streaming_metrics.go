package realtime

import (
	"sync"
	"time"

	"phoneme-recognizer/pkg/metrics"
)

// StreamingMetrics tracks per-engine counters. The prometheus collectors in
// pkg/metrics are process-wide; these are per session and are what
// Engine.Stats reports.
type StreamingMetrics struct {
	mutex sync.RWMutex

	// Session metrics
	SessionStartTime time.Time `json:"session_start_time"`
	SessionDuration  int64     `json:"session_duration_ms"`

	// Audio metrics
	AudioFramesProcessed int64 `json:"audio_frames_processed"`
	SamplesWritten       int64 `json:"samples_written"`

	// Cycle metrics
	Cycles       int64            `json:"cycles"`
	Outcomes     map[string]int64 `json:"outcomes"`
	Results      int64            `json:"results"`
	Calibrations int64            `json:"calibrations"`
	Resizes      int64            `json:"resizes"`
	Errors       int64            `json:"errors"`

	// Compute latency
	AverageLatency int64 `json:"average_latency_us"`
	MaxLatency     int64 `json:"max_latency_us"`
	MinLatency     int64 `json:"min_latency_us"`
	computed       int64

	LastReset time.Time `json:"last_reset"`
}

// NewStreamingMetrics creates a new streaming metrics instance
func NewStreamingMetrics() *StreamingMetrics {
	now := time.Now()
	return &StreamingMetrics{
		SessionStartTime: now,
		Outcomes:         make(map[string]int64),
		LastReset:        now,
	}
}

// RecordAudio counts one producer callback and the mono samples it wrote
func (sm *StreamingMetrics) RecordAudio(samples int) {
	sm.mutex.Lock()
	sm.AudioFramesProcessed++
	sm.SamplesWritten += int64(samples)
	sm.mutex.Unlock()

	metrics.RecordAudioSamples(samples)
}

// RecordCycle counts one consumer cycle by outcome
func (sm *StreamingMetrics) RecordCycle(outcome string) {
	sm.mutex.Lock()
	sm.Cycles++
	sm.Outcomes[outcome]++
	if outcome == metrics.OutcomeError {
		sm.Errors++
	}
	sm.mutex.Unlock()

	metrics.RecordCycle(outcome)
}

// RecordCompute records the duration of one finished computation
func (sm *StreamingMetrics) RecordCompute(d time.Duration) {
	us := d.Microseconds()

	sm.mutex.Lock()
	sm.computed++
	sm.AverageLatency += (us - sm.AverageLatency) / sm.computed
	if us > sm.MaxLatency {
		sm.MaxLatency = us
	}
	if sm.computed == 1 || us < sm.MinLatency {
		sm.MinLatency = us
	}
	sm.mutex.Unlock()

	metrics.RecordComputeDuration(d)
}

// RecordResult counts one published result
func (sm *StreamingMetrics) RecordResult() {
	sm.mutex.Lock()
	sm.Results++
	sm.mutex.Unlock()
}

// RecordCalibration counts one applied calibration
func (sm *StreamingMetrics) RecordCalibration(phonemeName string) {
	sm.mutex.Lock()
	sm.Calibrations++
	sm.mutex.Unlock()

	metrics.RecordCalibration(phonemeName)
}

// RecordResize counts one buffer reallocation
func (sm *StreamingMetrics) RecordResize() {
	sm.mutex.Lock()
	sm.Resizes++
	sm.mutex.Unlock()

	metrics.RecordResize()
}

// StreamStats is a point-in-time copy of StreamingMetrics
type StreamStats struct {
	SessionStartTime     time.Time        `json:"session_start_time"`
	SessionDuration      int64            `json:"session_duration_ms"`
	AudioFramesProcessed int64            `json:"audio_frames_processed"`
	SamplesWritten       int64            `json:"samples_written"`
	Cycles               int64            `json:"cycles"`
	Outcomes             map[string]int64 `json:"outcomes"`
	Results              int64            `json:"results"`
	Calibrations         int64            `json:"calibrations"`
	Resizes              int64            `json:"resizes"`
	Errors               int64            `json:"errors"`
	AverageLatency       int64            `json:"average_latency_us"`
	MaxLatency           int64            `json:"max_latency_us"`
	MinLatency           int64            `json:"min_latency_us"`
	LastReset            time.Time        `json:"last_reset"`
}

// GetSnapshot returns a copy of the current counters
func (sm *StreamingMetrics) GetSnapshot() StreamStats {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	outcomes := make(map[string]int64, len(sm.Outcomes))
	for k, v := range sm.Outcomes {
		outcomes[k] = v
	}

	return StreamStats{
		SessionStartTime:     sm.SessionStartTime,
		SessionDuration:      time.Since(sm.SessionStartTime).Milliseconds(),
		AudioFramesProcessed: sm.AudioFramesProcessed,
		SamplesWritten:       sm.SamplesWritten,
		Cycles:               sm.Cycles,
		Outcomes:             outcomes,
		Results:              sm.Results,
		Calibrations:         sm.Calibrations,
		Resizes:              sm.Resizes,
		Errors:               sm.Errors,
		AverageLatency:       sm.AverageLatency,
		MaxLatency:           sm.MaxLatency,
		MinLatency:           sm.MinLatency,
		LastReset:            sm.LastReset,
	}
}

// Outcome returns how many cycles ended with outcome
func (sm *StreamingMetrics) Outcome(outcome string) int64 {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return sm.Outcomes[outcome]
}

// Reset zeroes every counter and restarts the session clock
func (sm *StreamingMetrics) Reset() {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	now := time.Now()
	sm.SessionStartTime = now
	sm.AudioFramesProcessed = 0
	sm.SamplesWritten = 0
	sm.Cycles = 0
	sm.Outcomes = make(map[string]int64)
	sm.Results = 0
	sm.Calibrations = 0
	sm.Resizes = 0
	sm.Errors = 0
	sm.AverageLatency = 0
	sm.MaxLatency = 0
	sm.MinLatency = 0
	sm.computed = 0
	sm.LastReset = now
}
