// Package kafka publishes audit events (change records and batch summaries)
// to the audit topic. Delivery is fire-and-forget: the engine never blocks
// on or retries notification.
package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/guild-ranksync/internal/config"
	"github.com/guild-ranksync/internal/domain"
)

// Event types on the audit topic
const (
	EventChangeRecord = "change_record"
	EventBatchSummary = "batch_summary"
)

// Event is the wire envelope for audit messages
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Notifier publishes audit events to Kafka
type Notifier struct {
	producer sarama.AsyncProducer
	topic    string
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewNotifier creates a new Kafka audit notifier
func NewNotifier(cfg *config.KafkaConfig, logger *slog.Logger) (*Notifier, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	saramaConfig.Producer.Flush.Frequency = 100 * time.Millisecond
	saramaConfig.Producer.Return.Successes = false
	saramaConfig.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, err
	}

	n := &Notifier{
		producer: producer,
		topic:    cfg.Topic,
		logger:   logger,
	}

	// Drain producer errors; failed notifications are logged, never retried.
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for err := range producer.Errors() {
			n.logger.Warn("failed to publish audit event", "error", err)
		}
	}()

	return n, nil
}

// Close shuts the producer down after flushing buffered events
func (n *Notifier) Close() error {
	n.producer.AsyncClose()
	n.wg.Wait()
	return nil
}

// PublishRecord publishes a single change record, keyed by user id so one
// account's history stays ordered within a partition.
func (n *Notifier) PublishRecord(ctx context.Context, record domain.ChangeRecord) {
	n.publish(ctx, EventChangeRecord, string(record.UserID), record)
}

// PublishSummary publishes a batch summary
func (n *Notifier) PublishSummary(ctx context.Context, summary *domain.BatchSummary) {
	n.publish(ctx, EventBatchSummary, string(summary.Trigger), summary)
}

func (n *Notifier) publish(ctx context.Context, eventType, key string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		n.logger.Warn("failed to marshal audit event", "type", eventType, "error", err)
		return
	}
	event, err := json.Marshal(Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	})
	if err != nil {
		n.logger.Warn("failed to marshal audit envelope", "type", eventType, "error", err)
		return
	}

	message := &sarama.ProducerMessage{
		Topic: n.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(event),
	}

	select {
	case n.producer.Input() <- message:
	case <-ctx.Done():
		n.logger.Warn("dropped audit event", "type", eventType, "error", ctx.Err())
	}
}
