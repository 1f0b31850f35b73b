// Package eventbus carries console activity to other Sympozium components.
// Production deployments publish to NATS JetStream; single-process runs and
// tests use the in-memory bus.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Event represents a message on the event bus.
type Event struct {
	// Topic is the event topic (e.g., "console.session.status").
	Topic string `json:"topic"`

	// Timestamp when the event was published.
	Timestamp time.Time `json:"timestamp"`

	// Metadata carries routing keys such as the session key.
	Metadata map[string]string `json:"metadata"`

	// Data is the event payload.
	Data json.RawMessage `json:"data"`
}

// EventBus defines the interface for the event bus.
type EventBus interface {
	// Publish sends an event to the bus.
	Publish(ctx context.Context, topic string, event *Event) error

	// Subscribe returns a channel that receives events for the given topic.
	// The channel is closed when ctx is done.
	Subscribe(ctx context.Context, topic string) (<-chan *Event, error)

	// Close shuts down the event bus connection.
	Close() error
}

// Topics published by the agent console.
const (
	TopicConsoleSessionStatus   = "console.session.status"
	TopicConsoleMessageAppended = "console.message.appended"
)

// Metadata keys attached to console events.
const (
	MetaSessionKey = "sessionKey"
	MetaRole       = "role"
	MetaStatus     = "status"
)

// NewEvent creates a new event with the current timestamp.
func NewEvent(topic string, metadata map[string]string, data interface{}) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshalling event data: %w", err)
	}
	return &Event{
		Topic:     topic,
		Timestamp: time.Now(),
		Metadata:  metadata,
		Data:      raw,
	}, nil
}
