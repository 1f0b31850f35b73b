package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	streamName    = "sympozium-console"
	subjectPrefix = "sympozium."
	streamMaxAge  = 6 * time.Hour
)

// NATSOptions tunes the JetStream connection.
type NATSOptions struct {
	URL string
	// StreamAttempts bounds how often stream creation is retried while the
	// server is still starting.
	StreamAttempts int
	RetryWait      time.Duration
}

// NATSEventBus implements EventBus using NATS JetStream.
type NATSEventBus struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	log    logr.Logger
}

// NewNATSEventBus connects to NATS and ensures the console stream exists.
func NewNATSEventBus(opts NATSOptions, log logr.Logger) (*NATSEventBus, error) {
	if opts.StreamAttempts <= 0 {
		opts.StreamAttempts = 10
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = 2 * time.Second
	}
	log = log.WithName("nats")

	nc, err := nats.Connect(opts.URL,
		nats.Name("sympozium-dashboard"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(opts.RetryWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Info("Disconnected from NATS", "error", err.Error())
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("Reconnected to NATS", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	// NATS may still be starting alongside the dashboard.
	var stream jetstream.Stream
	for attempt := 0; attempt < opts.StreamAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		stream, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:      streamName,
			Subjects:  []string{subjectPrefix + "console.>"},
			Retention: jetstream.LimitsPolicy,
			MaxAge:    streamMaxAge,
			Storage:   jetstream.MemoryStorage,
			Replicas:  1,
		})
		cancel()
		if err == nil {
			break
		}
		log.V(1).Info("Stream not ready, retrying", "attempt", attempt+1, "error", err.Error())
		time.Sleep(opts.RetryWait)
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream stream after retries: %w", err)
	}

	return &NATSEventBus{
		conn:   nc,
		js:     js,
		stream: stream,
		log:    log,
	}, nil
}

// Publish sends an event to the console stream.
func (n *NATSEventBus) Publish(ctx context.Context, topic string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}

	subject := topicToSubject(topic)
	if _, err := n.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

// Subscribe returns a channel that receives new events for the given topic.
func (n *NATSEventBus) Subscribe(ctx context.Context, topic string) (<-chan *Event, error) {
	subject := topicToSubject(topic)

	consumer, err := n.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("creating consumer for %s: %w", subject, err)
	}

	ch := make(chan *Event, 64)

	go func() {
		defer close(ch)
		for {
			if ctx.Err() != nil {
				return
			}
			msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
			if err != nil {
				continue
			}

			for msg := range msgs.Messages() {
				var event Event
				if err := json.Unmarshal(msg.Data(), &event); err != nil {
					n.log.V(1).Info("Dropping undecodable event", "subject", msg.Subject(), "error", err.Error())
					_ = msg.Nak()
					continue
				}

				select {
				case ch <- &event:
					_ = msg.Ack()
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch, nil
}

// Close drains and shuts down the NATS connection.
func (n *NATSEventBus) Close() error {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return fmt.Errorf("draining NATS connection: %w", err)
	}
	return nil
}

// topicToSubject converts a dotted topic (e.g. "console.session.status")
// to a NATS subject under the sympozium namespace
// (e.g. "sympozium.console.session.status").
func topicToSubject(topic string) string {
	return subjectPrefix + topic
}
