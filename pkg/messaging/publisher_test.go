package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phoneme-recognizer/pkg/phoneme"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// fakePublisher records messages instead of talking to a broker
type fakePublisher struct {
	mu        sync.Mutex
	connected bool
	err       error
	messages  []Message
}

func (f *fakePublisher) Publish(ctx context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakePublisher) sent() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.messages...)
}

func sampleResult(seq uint64) phoneme.Result {
	return phoneme.Result{
		Sequence:  seq,
		SessionID: "session-1",
		Phoneme:   "A",
		Index:     0,
		Ratios:    map[string]float64{"A": 0.75, "I": 0.25},
		Volume:    0.4,
		Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func runPublisher(t *testing.T, p *ResultPublisher) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, p.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestResultPublisherPublishes(t *testing.T) {
	client := &fakePublisher{connected: true}
	p := NewResultPublisher(quietLogger(), client, DefaultPublisherConfig())
	runPublisher(t, p)

	p.OnResult(sampleResult(1))
	p.OnResult(sampleResult(2))

	require.Eventually(t, func() bool { return len(client.sent()) == 2 }, 2*time.Second, 5*time.Millisecond)

	msg := client.sent()[0]
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "session-1", msg.Headers["x-session-id"])
	assert.Equal(t, int64(1), msg.Headers["x-sequence"])

	var body ResultMessage
	require.NoError(t, json.Unmarshal(msg.Body, &body))
	assert.Equal(t, msg.ID, body.MessageID)
	assert.Equal(t, "A", body.Phoneme)
	assert.Equal(t, uint64(1), body.Sequence)
	assert.InDelta(t, 0.75, body.Ratios["A"], 1e-12)

	assert.NotEqual(t, msg.ID, client.sent()[1].ID)

	require.Eventually(t, func() bool { return p.GetStats().Published == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), p.GetStats().Queued)
}

func TestResultPublisherSkipsSilent(t *testing.T) {
	client := &fakePublisher{connected: true}

	p := NewResultPublisher(quietLogger(), client, DefaultPublisherConfig())
	silent := sampleResult(1)
	silent.Silent = true
	p.OnResult(silent)

	stats := p.GetStats()
	assert.Equal(t, int64(1), stats.Skipped)
	assert.Equal(t, int64(0), stats.Queued)

	config := DefaultPublisherConfig()
	config.PublishSilent = true
	p = NewResultPublisher(quietLogger(), client, config)
	p.OnResult(silent)
	assert.Equal(t, int64(1), p.GetStats().Queued)
}

func TestResultPublisherDropsWhenFull(t *testing.T) {
	client := &fakePublisher{connected: true}
	config := DefaultPublisherConfig()
	config.BufferSize = 2
	p := NewResultPublisher(quietLogger(), client, config)

	// not running, so the queue fills up
	for i := uint64(1); i <= 5; i++ {
		p.OnResult(sampleResult(i))
	}

	stats := p.GetStats()
	assert.Equal(t, int64(2), stats.Queued)
	assert.Equal(t, int64(3), stats.Dropped)

	runPublisher(t, p)
	require.Eventually(t, func() bool { return len(client.sent()) == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestResultPublisherNotConnected(t *testing.T) {
	client := &fakePublisher{connected: false}
	p := NewResultPublisher(quietLogger(), client, DefaultPublisherConfig())
	runPublisher(t, p)

	p.OnResult(sampleResult(1))

	require.Eventually(t, func() bool { return p.GetStats().Failed == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, client.sent())
	assert.False(t, p.IsConnected())
	// the breaker only sees real publish attempts
	assert.Equal(t, int64(0), p.GetStats().Breaker.TotalRequests)
}

func TestResultPublisherOpensBreaker(t *testing.T) {
	client := &fakePublisher{connected: true, err: errors.New("channel closed")}
	config := DefaultPublisherConfig()
	config.Breaker = CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour, HalfOpenSuccesses: 1}
	p := NewResultPublisher(quietLogger(), client, config)
	runPublisher(t, p)

	for i := uint64(1); i <= 4; i++ {
		p.OnResult(sampleResult(i))
	}

	require.Eventually(t, func() bool { return p.GetStats().Failed == 4 }, 2*time.Second, 5*time.Millisecond)

	stats := p.GetStats()
	assert.Equal(t, "OPEN", stats.Breaker.State)
	assert.Equal(t, int64(2), stats.Breaker.TotalFailures)
	assert.Equal(t, int64(2), stats.Breaker.Rejected)
	assert.Contains(t, stats.LastError, "circuit breaker is open")
}
