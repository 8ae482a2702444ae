// Package events announces corpus statistics rebuilds over Kafka so every
// server instance reloads the new snapshot from the shared store.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/knoguchi/hybridrag/internal/corpus"
)

// DefaultTopic carries corpus.Rebuilt events.
const DefaultTopic = "corpus-stats-rebuilt"

// messageWriter is the subset of *kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher implements corpus.Notifier. Messages are keyed by the
// publishing instance so subscribers can skip their own rebuilds.
type Publisher struct {
	writer   messageWriter
	instance string
	logger   *slog.Logger
}

// NewPublisher creates a Publisher for topic.
func NewPublisher(brokers []string, topic, instance string) *Publisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  3,
		RequiredAcks: kafka.RequireAll,
	}
	return newPublisher(w, topic, instance)
}

func newPublisher(w messageWriter, topic, instance string) *Publisher {
	return &Publisher{
		writer:   w,
		instance: instance,
		logger:   slog.Default().With("component", "stats-publisher", "topic", topic),
	}
}

// NotifyRebuilt implements corpus.Notifier.
func (p *Publisher) NotifyRebuilt(ctx context.Context, ev corpus.Rebuilt) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event value: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(p.instance),
		Value: value,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publishing to kafka: %w", err)
	}
	p.logger.Debug("rebuild published", "rebuild_id", ev.RebuildID, "version", ev.Version)
	return nil
}

// Close flushes pending writes and closes the underlying Kafka writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

var _ corpus.Notifier = (*Publisher)(nil)
