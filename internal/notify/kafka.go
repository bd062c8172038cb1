package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/IBM/sarama"

	"github.com/atmx/auction-engine/internal/metrics"
	"github.com/atmx/auction-engine/internal/model"
)

// Kafka publishes events to a topic, keyed by auction ID so each auction's
// events stay ordered within a partition.
type Kafka struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafka connects a synchronous producer to brokers.
func NewKafka(brokers []string, topic string) (*Kafka, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return NewKafkaWithProducer(producer, topic), nil
}

// NewKafkaWithProducer wraps an existing producer.
func NewKafkaWithProducer(producer sarama.SyncProducer, topic string) *Kafka {
	return &Kafka{producer: producer, topic: topic}
}

// Notify publishes e. Failures are logged; the event is already durable in
// the store and can be re-read from the events endpoint.
func (k *Kafka) Notify(ctx context.Context, e model.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		slog.ErrorContext(ctx, "encode event failed", "auction", e.AuctionID, "seq", e.Seq, "err", err)
		return
	}

	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(e.AuctionID),
		Value: sarama.ByteEncoder(payload),
	}
	if _, _, err := k.producer.SendMessage(msg); err != nil {
		metrics.EventsPublished.WithLabelValues("kafka", "error").Inc()
		slog.WarnContext(ctx, "kafka publish failed",
			"auction", e.AuctionID,
			"seq", e.Seq,
			"topic", k.topic,
			"err", err,
		)
		return
	}
	metrics.EventsPublished.WithLabelValues("kafka", "ok").Inc()
}

// Close shuts down the producer.
func (k *Kafka) Close() error {
	return k.producer.Close()
}
