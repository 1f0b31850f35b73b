package console

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/alexsjones/sympozium-dashboard/internal/eventbus"
)

const (
	mirrorQueue   = 256
	publishWindow = 5 * time.Second
)

// StatusEvent is the payload of console.session.status events.
type StatusEvent struct {
	SessionKey string `json:"sessionKey"`
	Status     Status `json:"status"`
	Error      string `json:"error,omitempty"`
}

// MessageEvent is the payload of console.message.appended events.
// Attachment data is not mirrored.
type MessageEvent struct {
	SessionKey  string     `json:"sessionKey"`
	ID          string     `json:"id"`
	Role        Role       `json:"role"`
	Content     string     `json:"content"`
	Timestamp   time.Time  `json:"timestamp"`
	ToolCalls   []ToolCall `json:"toolCalls,omitempty"`
	Attachments int        `json:"attachments,omitempty"`
}

// Mirror republishes console activity on an event bus. It implements
// Observer; events are queued and published from Run so the console is
// never held up by the bus.
type Mirror struct {
	bus   eventbus.EventBus
	queue chan *eventbus.Event
	log   logr.Logger
}

// NewMirror creates a Mirror publishing to bus.
func NewMirror(bus eventbus.EventBus, log logr.Logger) *Mirror {
	return &Mirror{
		bus:   bus,
		queue: make(chan *eventbus.Event, mirrorQueue),
		log:   log.WithName("mirror"),
	}
}

// StatusChanged implements Observer.
func (m *Mirror) StatusChanged(key string, status Status, errMsg string) {
	m.enqueue(eventbus.TopicConsoleSessionStatus,
		map[string]string{eventbus.MetaSessionKey: key, eventbus.MetaStatus: string(status)},
		StatusEvent{SessionKey: key, Status: status, Error: errMsg})
}

// MessageCompleted implements Observer.
func (m *Mirror) MessageCompleted(key string, msg Message) {
	m.enqueue(eventbus.TopicConsoleMessageAppended,
		map[string]string{eventbus.MetaSessionKey: key, eventbus.MetaRole: string(msg.Role)},
		MessageEvent{
			SessionKey:  key,
			ID:          msg.ID,
			Role:        msg.Role,
			Content:     msg.Content,
			Timestamp:   msg.Timestamp,
			ToolCalls:   msg.ToolCalls,
			Attachments: len(msg.Attachments),
		})
}

func (m *Mirror) enqueue(topic string, meta map[string]string, payload interface{}) {
	ev, err := eventbus.NewEvent(topic, meta, payload)
	if err != nil {
		m.log.Error(err, "failed to build console event", "topic", topic)
		return
	}
	select {
	case m.queue <- ev:
	default:
		m.log.Info("Mirror queue full, dropping event", "topic", topic)
	}
}

// Run publishes queued events until ctx is done.
func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.queue:
			pctx, cancel := context.WithTimeout(ctx, publishWindow)
			if err := m.bus.Publish(pctx, ev.Topic, ev); err != nil {
				m.log.Error(err, "failed to publish console event", "topic", ev.Topic)
			}
			cancel()
		}
	}
}
