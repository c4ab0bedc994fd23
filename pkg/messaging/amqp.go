package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"phoneme-recognizer/pkg/config"
	"phoneme-recognizer/pkg/errors"
	"phoneme-recognizer/pkg/metrics"
)

// AMQPConfig holds AMQP client configuration
type AMQPConfig struct {
	URL            string
	QueueName      string
	ExchangeName   string
	RoutingKey     string
	Durable        bool
	AutoDelete     bool
	ConnectTimeout time.Duration
	MessageTTL     time.Duration
}

// ConfigFromService converts the service messaging section
func ConfigFromService(c config.MessagingConfig) AMQPConfig {
	return AMQPConfig{
		URL:            c.AMQPUrl,
		QueueName:      c.AMQPQueueName,
		ExchangeName:   c.ExchangeName,
		RoutingKey:     c.RoutingKey,
		Durable:        true,
		ConnectTimeout: c.ConnectTimeout,
		MessageTTL:     time.Minute,
	}
}

// AMQPClient handles the AMQP connection and message publishing
type AMQPClient struct {
	logger    *logrus.Entry
	config    AMQPConfig
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool
	stopped   bool
	connMutex sync.RWMutex
	stopChan  chan struct{}
}

// NewAMQPClient creates a new AMQP client
func NewAMQPClient(logger *logrus.Logger, config AMQPConfig) *AMQPClient {
	if config.RoutingKey == "" {
		config.RoutingKey = config.QueueName
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}

	return &AMQPClient{
		logger:   logger.WithField("component", "amqp"),
		config:   config,
		stopChan: make(chan struct{}),
	}
}

// Connect dials the broker and declares the queue, plus the exchange and its
// binding when one is configured
func (c *AMQPClient) Connect(ctx context.Context) error {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	if c.connected {
		return nil
	}
	if c.stopped {
		return errors.Wrap(errors.ErrUnavailable, "AMQP client has been disconnected")
	}

	if c.config.URL == "" || c.config.QueueName == "" {
		return errors.NewInvalidConfig("amqp_url", c.config.URL, "and queue name must be set")
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	type dialResult struct {
		conn *amqp.Connection
		err  error
	}
	connChan := make(chan dialResult, 1)

	go func() {
		conn, err := amqp.Dial(c.config.URL)
		select {
		case connChan <- dialResult{conn, err}:
		case <-ctx.Done():
			if conn != nil {
				conn.Close()
			}
		}
	}()

	var conn *amqp.Connection
	select {
	case result := <-connChan:
		if result.err != nil {
			return errors.Wrap(result.err, "failed to connect to AMQP server")
		}
		conn = result.conn
	case <-ctx.Done():
		return errors.Wrap(errors.ErrUnavailable, "connection to AMQP server timed out", map[string]interface{}{
			"timeout": c.config.ConnectTimeout.String(),
		})
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "failed to open AMQP channel")
	}

	if err := c.declare(channel); err != nil {
		channel.Close()
		conn.Close()
		return err
	}

	c.conn = conn
	c.channel = channel
	c.connected = true
	metrics.SetAMQPConnectionStatus(true)

	c.logger.WithFields(logrus.Fields{
		"queue":    c.config.QueueName,
		"exchange": c.config.ExchangeName,
	}).Info("Connected to AMQP server")

	go c.monitorConnection(conn, c.stopChan)

	return nil
}

func (c *AMQPClient) declare(channel *amqp.Channel) error {
	if _, err := channel.QueueDeclare(
		c.config.QueueName,
		c.config.Durable,
		c.config.AutoDelete,
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return errors.Wrap(err, "failed to declare AMQP queue", map[string]interface{}{"queue": c.config.QueueName})
	}

	if c.config.ExchangeName == "" {
		return nil
	}

	if err := channel.ExchangeDeclare(
		c.config.ExchangeName,
		amqp.ExchangeTopic,
		c.config.Durable,
		c.config.AutoDelete,
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return errors.Wrap(err, "failed to declare AMQP exchange", map[string]interface{}{"exchange": c.config.ExchangeName})
	}

	if err := channel.QueueBind(c.config.QueueName, c.config.RoutingKey, c.config.ExchangeName, false, nil); err != nil {
		return errors.Wrap(err, "failed to bind AMQP queue", map[string]interface{}{
			"queue":       c.config.QueueName,
			"exchange":    c.config.ExchangeName,
			"routing_key": c.config.RoutingKey,
		})
	}
	return nil
}

// Disconnect closes the AMQP connection and stops reconnecting. The client
// cannot be connected again.
func (c *AMQPClient) Disconnect() {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	if c.stopped {
		return
	}
	c.stopped = true
	close(c.stopChan)

	if !c.connected {
		return
	}

	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}

	c.connected = false
	metrics.SetAMQPConnectionStatus(false)
	c.logger.Info("Disconnected from AMQP server")
}

// IsConnected returns the connection status
func (c *AMQPClient) IsConnected() bool {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
	return c.connected
}

// Publish sends one JSON message to the configured exchange and routing key
func (c *AMQPClient) Publish(ctx context.Context, msg Message) error {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()

	if !c.connected || c.channel == nil {
		return errors.ErrPublisherNotReady
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    msg.ID,
		Body:         msg.Body,
		DeliveryMode: amqp.Transient,
		Timestamp:    msg.Timestamp,
		Headers:      amqp.Table{},
	}
	for k, v := range msg.Headers {
		publishing.Headers[k] = v
	}
	if c.config.MessageTTL > 0 {
		publishing.Expiration = formatMillis(c.config.MessageTTL)
	}

	if err := c.channel.Publish(c.config.ExchangeName, c.config.RoutingKey, false, false, publishing); err != nil {
		return errors.Wrap(err, "failed to publish to AMQP", map[string]interface{}{"message_id": msg.ID})
	}
	return nil
}

// monitorConnection reconnects with exponential backoff when the broker
// closes the connection
func (c *AMQPClient) monitorConnection(conn *amqp.Connection, stop chan struct{}) {
	closeChan := conn.NotifyClose(make(chan *amqp.Error, 1))

	select {
	case <-stop:
		return
	case closeErr := <-closeChan:
		if closeErr == nil {
			// closed by us
			return
		}
		c.connMutex.Lock()
		if c.conn != conn {
			c.connMutex.Unlock()
			return
		}
		c.connected = false
		c.connMutex.Unlock()
		metrics.SetAMQPConnectionStatus(false)

		c.logger.WithError(closeErr).Warn("AMQP connection closed, attempting to reconnect")
	}

	for attempt := 1; attempt <= 10; attempt++ {
		err := c.Connect(context.Background())
		if err == nil {
			c.logger.WithField("attempt", attempt).Info("Successfully reconnected to AMQP server")
			return
		}

		c.logger.WithError(err).WithField("attempt", attempt).Error("Failed to reconnect to AMQP server")

		backoff := time.Duration(1<<uint(attempt-1)) * time.Second
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}

		select {
		case <-stop:
			return
		case <-time.After(backoff):
		}
	}
}
