package messaging

import (
	"context"
	"strconv"
	"time"
)

// Message is one encoded payload ready for the broker
type Message struct {
	ID        string
	Body      []byte
	Headers   map[string]interface{}
	Timestamp time.Time
}

// Publisher defines the broker operations the result publisher needs
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	IsConnected() bool
}

func formatMillis(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}
