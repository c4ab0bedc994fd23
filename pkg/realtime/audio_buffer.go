package realtime

import (
	"sync"

	"phoneme-recognizer/pkg/errors"
)

// RingBuffer is a fixed-capacity circular store of mono samples. The audio
// producer writes into it and the consumer copies out a contiguous snapshot;
// both hold the mutex only for the duration of the copy.
type RingBuffer struct {
	mutex sync.Mutex

	buffer   []float32
	cursor   int
	capacity int

	// Statistics
	samplesWritten int64
	snapshots      int64
	resizes        int64
}

// BufferStats is a point-in-time view of the ring buffer
type BufferStats struct {
	Capacity       int     `json:"capacity"`
	Cursor         int     `json:"cursor"`
	SamplesWritten int64   `json:"samples_written"`
	Snapshots      int64   `json:"snapshots"`
	Resizes        int64   `json:"resizes"`
	Fill           float64 `json:"fill"`
}

// NewRingBuffer creates a ring buffer holding capacity samples
func NewRingBuffer(capacity int) (*RingBuffer, error) {
	if capacity <= 0 {
		return nil, errors.NewInvalidConfig("buffer_capacity", capacity, "must be positive")
	}
	return &RingBuffer{
		buffer:   make([]float32, capacity),
		capacity: capacity,
	}, nil
}

// Write appends every stride-th sample of samples, starting with the first,
// wrapping at capacity. A stride below 1 is treated as 1. It returns the
// number of mono samples written.
func (rb *RingBuffer) Write(samples []float32, stride int) int {
	if stride < 1 {
		stride = 1
	}
	n := (len(samples) + stride - 1) / stride
	if n == 0 {
		return 0
	}

	rb.mutex.Lock()
	defer rb.mutex.Unlock()

	// only the newest capacity samples can survive the write
	skip := 0
	if n > rb.capacity {
		skip = n - rb.capacity
		rb.cursor = (rb.cursor + skip) % rb.capacity
	}

	pos := rb.cursor
	for i := skip * stride; i < len(samples); i += stride {
		rb.buffer[pos] = samples[i]
		pos++
		if pos == rb.capacity {
			pos = 0
		}
	}
	rb.cursor = pos
	rb.samplesWritten += int64(n)

	return n
}

// Snapshot copies capacity samples into dst starting logically at start,
// unwrapping the circular layout so dst[0] is the sample at start. dst must
// hold at least Capacity samples. Snapshot(Cursor()) yields the most recent
// capacity samples, oldest first.
func (rb *RingBuffer) Snapshot(start int, dst []float32) error {
	rb.mutex.Lock()
	defer rb.mutex.Unlock()

	return rb.snapshotLocked(start, dst)
}

// SnapshotLatest copies the most recent capacity samples, oldest first, and
// returns the cursor the copy started at
func (rb *RingBuffer) SnapshotLatest(dst []float32) (int, error) {
	rb.mutex.Lock()
	defer rb.mutex.Unlock()

	start := rb.cursor
	return start, rb.snapshotLocked(start, dst)
}

func (rb *RingBuffer) snapshotLocked(start int, dst []float32) error {
	if len(dst) < rb.capacity {
		return errors.NewDimensionMismatch(rb.capacity, len(dst))
	}

	start %= rb.capacity
	if start < 0 {
		start += rb.capacity
	}
	n := copy(dst, rb.buffer[start:])
	copy(dst[n:rb.capacity], rb.buffer[:start])
	rb.snapshots++

	return nil
}

// Cursor returns the index the next sample will be written to
func (rb *RingBuffer) Cursor() int {
	rb.mutex.Lock()
	defer rb.mutex.Unlock()
	return rb.cursor
}

// Capacity returns the total buffer capacity
func (rb *RingBuffer) Capacity() int {
	rb.mutex.Lock()
	defer rb.mutex.Unlock()
	return rb.capacity
}

// Fill returns the fraction of the buffer holding written audio
func (rb *RingBuffer) Fill() float64 {
	rb.mutex.Lock()
	defer rb.mutex.Unlock()
	return rb.fillLocked()
}

func (rb *RingBuffer) fillLocked() float64 {
	if rb.capacity == 0 {
		return 0
	}
	if rb.samplesWritten >= int64(rb.capacity) {
		return 1
	}
	return float64(rb.samplesWritten) / float64(rb.capacity)
}

// Resize replaces the backing array with a zeroed one of the new capacity.
// Callers must make sure no computation still reads a snapshot sized for the
// old capacity.
func (rb *RingBuffer) Resize(capacity int) error {
	if capacity <= 0 {
		return errors.NewInvalidConfig("buffer_capacity", capacity, "must be positive")
	}

	rb.mutex.Lock()
	defer rb.mutex.Unlock()

	rb.buffer = make([]float32, capacity)
	rb.capacity = capacity
	rb.cursor = 0
	rb.samplesWritten = 0
	rb.resizes++

	return nil
}

// Reset zeroes the samples and rewinds the cursor
func (rb *RingBuffer) Reset() {
	rb.mutex.Lock()
	defer rb.mutex.Unlock()

	for i := range rb.buffer {
		rb.buffer[i] = 0
	}
	rb.cursor = 0
	rb.samplesWritten = 0
}

// GetStats returns buffer statistics
func (rb *RingBuffer) GetStats() BufferStats {
	rb.mutex.Lock()
	defer rb.mutex.Unlock()

	return BufferStats{
		Capacity:       rb.capacity,
		Cursor:         rb.cursor,
		SamplesWritten: rb.samplesWritten,
		Snapshots:      rb.snapshots,
		Resizes:        rb.resizes,
		Fill:           rb.fillLocked(),
	}
}
