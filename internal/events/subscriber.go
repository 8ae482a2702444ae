package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/knoguchi/hybridrag/internal/corpus"
	"github.com/knoguchi/hybridrag/internal/metrics"
)

// messageReader is the subset of *kafka.Reader the subscriber needs.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Subscriber reloads the local snapshot whenever another instance
// announces a rebuild.
type Subscriber struct {
	reader   messageReader
	store    corpus.Store
	holder   *corpus.Holder
	instance string
	metrics  *metrics.Metrics
	logger   *slog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
}

const (
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
)

// NewSubscriber creates a Subscriber. Each instance needs its own consumer
// group, otherwise only one instance of the group would see each event.
func NewSubscriber(brokers []string, topic, instance string, store corpus.Store, holder *corpus.Holder, m *metrics.Metrics) *Subscriber {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     "hybridrag-" + instance,
		MinBytes:    1,
		MaxBytes:    1e6,
		StartOffset: kafka.LastOffset,
	})
	return newSubscriber(r, topic, instance, store, holder, m)
}

func newSubscriber(r messageReader, topic, instance string, store corpus.Store, holder *corpus.Holder, m *metrics.Metrics) *Subscriber {
	return &Subscriber{
		reader:   r,
		store:    store,
		holder:   holder,
		instance: instance,
		metrics:  m,
		logger:   slog.Default().With("component", "stats-subscriber", "topic", topic),

		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
	}
}

// Start consumes until ctx is cancelled. Messages that fail to process are
// not committed. Fetch errors are retried with capped exponential backoff.
// The caller closes the subscriber afterwards.
func (s *Subscriber) Start(ctx context.Context) error {
	s.logger.Info("subscriber started")
	backoff := s.minBackoff
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("subscriber stopping", "reason", ctx.Err())
				return nil
			}
			s.logger.Error("failed to fetch message", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				s.logger.Info("subscriber stopping", "reason", ctx.Err())
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, s.maxBackoff)
			continue
		}
		backoff = s.minBackoff
		if err := s.Handle(ctx, msg.Key, msg.Value); err != nil {
			s.logger.Error("failed to process message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
			continue
		}
		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			s.logger.Error("failed to commit message", "offset", msg.Offset, "error", err)
		}
	}
}

// Handle processes one message. Events published by this instance are
// skipped; the rebuild already swapped the local snapshot.
func (s *Subscriber) Handle(ctx context.Context, key, value []byte) error {
	var ev corpus.Rebuilt
	if err := json.Unmarshal(value, &ev); err != nil {
		return fmt.Errorf("decoding kafka message: %w", err)
	}
	if string(key) == s.instance {
		return nil
	}

	snap, err := s.holder.Reload(ctx, s.store)
	if err != nil {
		return fmt.Errorf("reloading after rebuild %s: %w", ev.RebuildID, err)
	}
	s.metrics.SetSnapshot(snap.Version, snap.Stats.TotalDocuments)
	s.logger.Info("corpus statistics reloaded",
		"rebuild_id", ev.RebuildID,
		"local_version", snap.Version,
		"documents", snap.Stats.TotalDocuments,
	)
	return nil
}

// Close closes the underlying Kafka reader.
func (s *Subscriber) Close() error {
	return s.reader.Close()
}
