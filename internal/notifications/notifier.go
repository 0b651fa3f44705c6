// Package notifications publishes wallet events to collaborators. Delivery
// is fire-and-forget: a publish failure is logged and never propagates into
// the financial path.
package notifications

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Event kinds.
const (
	EventDepositCompleted    = "deposit.completed"
	EventDepositFailed       = "deposit.failed"
	EventWithdrawalCompleted = "withdrawal.completed"
	EventWithdrawalFailed    = "withdrawal.failed"
	EventOrderSettled        = "order.settled"
)

// Event is the published payload.
type Event struct {
	Kind      string                 `json:"kind"`
	UserID    string                 `json:"user_id"`
	Reference string                 `json:"reference"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	At        time.Time              `json:"at"`
}

// Notifier publishes events.
type Notifier interface {
	Publish(ctx context.Context, event Event)
	Close() error
}

// KafkaNotifier publishes events to a kafka topic asynchronously.
type KafkaNotifier struct {
	logger *zap.Logger
	writer *kafka.Writer
}

// NewKafkaNotifier creates an async publisher. Write errors surface through
// the completion callback as log lines only.
func NewKafkaNotifier(logger *zap.Logger, brokers []string, topic string) *KafkaNotifier {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		Async:        true,
		RequiredAcks: kafka.RequireOne,
	}
	w.Completion = func(messages []kafka.Message, err error) {
		if err != nil {
			logger.Warn("event publish failed", zap.Int("messages", len(messages)), zap.Error(err))
		}
	}
	return &KafkaNotifier{logger: logger, writer: w}
}

// Publish enqueues the event.
func (n *KafkaNotifier) Publish(ctx context.Context, event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	raw, err := json.Marshal(event)
	if err != nil {
		n.logger.Warn("event marshal failed", zap.String("kind", event.Kind), zap.Error(err))
		return
	}
	err = n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.UserID),
		Value: raw,
	})
	if err != nil {
		n.logger.Warn("event publish failed",
			zap.String("kind", event.Kind),
			zap.String("reference", event.Reference),
			zap.Error(err))
	}
}

// Close flushes pending messages.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

// NopNotifier drops all events.
type NopNotifier struct{}

func (NopNotifier) Publish(ctx context.Context, event Event) {}
func (NopNotifier) Close() error                             { return nil }
