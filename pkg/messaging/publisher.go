package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"phoneme-recognizer/pkg/metrics"
	"phoneme-recognizer/pkg/phoneme"
)

// PublisherConfig configures the result publisher
type PublisherConfig struct {
	BufferSize     int
	PublishSilent  bool
	PublishTimeout time.Duration
	Breaker        CircuitBreakerConfig
}

// DefaultPublisherConfig returns default configuration
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		BufferSize:     256,
		PublishTimeout: 200 * time.Millisecond,
		Breaker:        DefaultCircuitBreakerConfig(),
	}
}

// ResultMessage is the JSON body published for every result
type ResultMessage struct {
	MessageID string             `json:"message_id"`
	SessionID string             `json:"session_id"`
	Sequence  uint64             `json:"sequence"`
	Phoneme   string             `json:"phoneme"`
	Index     int                `json:"index"`
	Ratios    map[string]float64 `json:"ratios"`
	Volume    float64            `json:"volume"`
	Silent    bool               `json:"silent"`
	Formants  []float64          `json:"formants,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// PublisherStats tracks publisher statistics
type PublisherStats struct {
	Queued        int64                 `json:"queued"`
	Published     int64                 `json:"published"`
	Failed        int64                 `json:"failed"`
	Dropped       int64                 `json:"dropped"`
	Skipped       int64                 `json:"skipped"`
	LastPublished time.Time             `json:"last_published"`
	LastError     string                `json:"last_error,omitempty"`
	Breaker       CircuitBreakerMetrics `json:"breaker"`
}

// ResultPublisher forwards engine results to a broker. OnResult never blocks
// the engine: results that do not fit in the buffer are dropped.
type ResultPublisher struct {
	logger  *logrus.Entry
	client  Publisher
	config  PublisherConfig
	queue   chan phoneme.Result
	breaker *CircuitBreaker

	mutex sync.Mutex
	stats PublisherStats
}

// NewResultPublisher creates a publisher sending through client
func NewResultPublisher(logger *logrus.Logger, client Publisher, config PublisherConfig) *ResultPublisher {
	if config.BufferSize < 1 {
		config.BufferSize = 1
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 200 * time.Millisecond
	}

	return &ResultPublisher{
		logger:  logger.WithField("component", "result_publisher"),
		client:  client,
		config:  config,
		queue:   make(chan phoneme.Result, config.BufferSize),
		breaker: NewCircuitBreaker(logger, config.Breaker),
	}
}

// OnResult queues r for publishing
func (p *ResultPublisher) OnResult(r phoneme.Result) {
	if r.Silent && !p.config.PublishSilent {
		p.count(func(s *PublisherStats) { s.Skipped++ })
		return
	}

	select {
	case p.queue <- r:
		p.count(func(s *PublisherStats) { s.Queued++ })
	default:
		p.count(func(s *PublisherStats) { s.Dropped++ })
		metrics.RecordAMQPPublish("dropped")
	}
}

// Run publishes queued results until ctx is cancelled
func (p *ResultPublisher) Run(ctx context.Context) error {
	p.logger.WithFields(logrus.Fields{
		"buffer_size":    p.config.BufferSize,
		"publish_silent": p.config.PublishSilent,
	}).Info("Result publisher started")

	for {
		select {
		case <-ctx.Done():
			p.logger.WithField("pending", len(p.queue)).Info("Result publisher stopped")
			return nil
		case r := <-p.queue:
			p.publish(ctx, r)
		}
	}
}

func (p *ResultPublisher) publish(ctx context.Context, r phoneme.Result) {
	if !p.client.IsConnected() {
		p.fail(errors.New("not connected"), "not_connected")
		return
	}

	msg, err := encodeResult(r)
	if err != nil {
		p.fail(err, "error")
		return
	}

	err = p.breaker.Execute(func() error {
		pctx, cancel := context.WithTimeout(ctx, p.config.PublishTimeout)
		defer cancel()
		return p.client.Publish(pctx, msg)
	})

	switch {
	case err == nil:
		p.count(func(s *PublisherStats) {
			s.Published++
			s.LastPublished = time.Now()
		})
		metrics.RecordAMQPPublish("success")
	case errors.Is(err, ErrCircuitBreakerOpen):
		p.fail(err, "rejected")
	default:
		p.logger.WithError(err).WithField("sequence", r.Sequence).Debug("Failed to publish result")
		p.fail(err, "error")
	}
}

func encodeResult(r phoneme.Result) (Message, error) {
	id := uuid.NewString()
	body, err := json.Marshal(ResultMessage{
		MessageID: id,
		SessionID: r.SessionID,
		Sequence:  r.Sequence,
		Phoneme:   r.Phoneme,
		Index:     r.Index,
		Ratios:    r.Ratios,
		Volume:    r.Volume,
		Silent:    r.Silent,
		Formants:  r.Formants,
		Timestamp: r.Timestamp,
	})
	if err != nil {
		return Message{}, err
	}

	return Message{
		ID:   id,
		Body: body,
		Headers: map[string]interface{}{
			"x-session-id": r.SessionID,
			"x-sequence":   int64(r.Sequence),
			"x-phoneme":    r.Phoneme,
		},
		Timestamp: r.Timestamp,
	}, nil
}

func (p *ResultPublisher) fail(err error, status string) {
	p.count(func(s *PublisherStats) {
		s.Failed++
		s.LastError = err.Error()
	})
	metrics.RecordAMQPPublish(status)
}

func (p *ResultPublisher) count(update func(s *PublisherStats)) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	update(&p.stats)
}

// GetStats returns a copy of the publisher statistics
func (p *ResultPublisher) GetStats() PublisherStats {
	p.mutex.Lock()
	stats := p.stats
	p.mutex.Unlock()

	stats.Breaker = p.breaker.GetMetrics()
	return stats
}

// IsConnected reports whether the underlying broker connection is up
func (p *ResultPublisher) IsConnected() bool {
	return p.client.IsConnected()
}
